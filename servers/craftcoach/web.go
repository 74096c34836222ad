package craftcoach

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/craftcoach/internal/fetch"
)

const (
	sourceWikiSearch   = "poewiki search"
	sourceWikiExtracts = "poewiki extracts"
	sourceNinjaSearch  = "poe.ninja search"
)

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// WikiHit is one search result from the wiki.
type WikiHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	PageID  int    `json:"pageid"`
}

type wikiSearchResponse struct {
	Query *struct {
		Search []WikiHit `json:"search"`
	} `json:"query"`
}

type wikiExtractResponse struct {
	Query *struct {
		Pages map[string]struct {
			Title   string `json:"title"`
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

// WikiData is the data of a successful wiki_tool call.
type WikiData struct {
	Explainer string   `json:"explainer"`
	Links     []string `json:"links"`
	Sources   []string `json:"sources"`
}

// SearchData is the data of a successful search call.
type SearchData struct {
	TopWikiResult *WikiResult     `json:"topWikiResult"`
	Ninja         json.RawMessage `json:"ninja"`
	OriginalQuery string          `json:"originalQuery"`
}

type WikiResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// FetchData is the data of a successful fetch call. Body is a string for plain GETs and the
// decoded JSON document otherwise.
type FetchData struct {
	Body    any               `json:"body"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

func (s *Server) callWiki(ctx context.Context, raw json.RawMessage, rep reporter) Envelope {
	meta := Meta{Sources: []string{}}
	args, err := decodeArgs[WikiArgs](raw)
	if err != nil {
		return withError(err.Error(), meta)
	}

	hits, err := s.wikiSearch(ctx, args.Topic)
	if err != nil {
		return withError(err.Error(), meta)
	}
	meta.Sources = append(meta.Sources, sourceWikiSearch)
	rep.step(1, 2, "searched wiki")

	if len(hits) == 0 {
		return withError("No wiki results found", meta)
	}
	top := hits[0]

	var extract wikiExtractResponse
	extractURL := s.wikiAPI + "?" + url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"exintro":     {"true"},
		"explaintext": {"true"},
		"format":      {"json"},
		"pageids":     {strconv.Itoa(top.PageID)},
	}.Encode()
	if err := s.fetcher.JSON(ctx, http.MethodGet, extractURL, nil, &extract); err != nil {
		return withError(err.Error(), meta)
	}
	meta.Sources = append(meta.Sources, sourceWikiExtracts)
	rep.step(2, 2, "fetched extract")

	explainer := stripTags(top.Snippet)
	if extract.Query != nil {
		if page, ok := extract.Query.Pages[strconv.Itoa(top.PageID)]; ok && page.Extract != "" {
			explainer = page.Extract
		}
	}

	return withMeta(WikiData{
		Explainer: explainer,
		Links:     []string{s.wikiLink(top.Title)},
		Sources:   meta.Sources,
	}, meta)
}

func (s *Server) callSearch(ctx context.Context, raw json.RawMessage, rep reporter) Envelope {
	args, err := decodeArgs[SearchArgs](raw)
	league := args.League
	if league == "" {
		league = s.league
	}
	meta := Meta{League: league, Sources: []string{}}
	if err != nil {
		return withError(err.Error(), meta)
	}

	hits, err := s.wikiSearch(ctx, args.Query)
	if err != nil {
		return withError(err.Error(), meta)
	}
	meta.Sources = append(meta.Sources, sourceWikiSearch)
	rep.step(1, 2, "searched wiki")

	data := SearchData{Ninja: json.RawMessage("null"), OriginalQuery: args.Query}
	if len(hits) > 0 {
		data.TopWikiResult = &WikiResult{Title: hits[0].Title, Snippet: hits[0].Snippet}
	}

	ninjaURL := s.ninjaAPI + "/search?" + url.Values{"league": {league}, "query": {args.Query}}.Encode()
	resp, err := s.fetcher.Do(ctx, fetch.Request{URL: ninjaURL})
	switch {
	case err != nil:
		// poe.ninja is best effort, the wiki hit is still worth returning.
		s.logger.Debug("poe.ninja search failed", slog.String("err", err.Error()))
		meta.Warnings = append(meta.Warnings, fmt.Sprintf("poe.ninja search failed: %s", err))
	case !json.Valid(resp.Body):
		meta.Warnings = append(meta.Warnings, "poe.ninja search returned invalid JSON")
	default:
		data.Ninja = resp.Body
		meta.Sources = append(meta.Sources, sourceNinjaSearch)
	}
	rep.step(2, 2, "searched poe.ninja")

	return withMeta(data, meta)
}

func (s *Server) callFetch(ctx context.Context, raw json.RawMessage) Envelope {
	args, err := decodeArgs[FetchArgs](raw)
	meta := Meta{Sources: []string{args.URL}}
	if err != nil {
		return withError(err.Error(), meta)
	}

	req := fetch.Request{Method: args.Method, URL: args.URL}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if len(args.JSON) > 0 {
		req.Body = args.JSON
	}

	resp, err := s.fetcher.Do(ctx, req)
	if err != nil {
		return withError(err.Error(), meta)
	}

	data := FetchData{Status: resp.Status, Headers: resp.FlatHeaders()}
	switch {
	case req.Method == http.MethodGet && req.Body == nil:
		data.Body = string(resp.Body)
	case json.Valid(resp.Body):
		data.Body = json.RawMessage(resp.Body)
	default:
		return withError(fmt.Sprintf("response from %s is not JSON", args.URL), meta)
	}
	return withMeta(data, meta)
}

func (s *Server) wikiSearch(ctx context.Context, term string) ([]WikiHit, error) {
	searchURL := s.wikiAPI + "?" + url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"format":   {"json"},
		"srprop":   {"snippet"},
		"srsearch": {term},
	}.Encode()

	var res wikiSearchResponse
	if err := s.fetcher.JSON(ctx, http.MethodGet, searchURL, nil, &res); err != nil {
		return nil, err
	}
	if res.Query == nil {
		return nil, nil
	}
	return res.Query.Search, nil
}

func (s *Server) wikiLink(title string) string {
	return s.wikiPages + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
}

func stripTags(s string) string {
	return htmlTag.ReplaceAllString(s, "")
}
