// Package craftcoach implements mcp.ToolServer with the Path of Exile crafting tools: prices and
// mods from the local store, item text parsing, and lookups against the PoE wiki and poe.ninja.
package craftcoach

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/craftcoach"
	"github.com/MegaGrindStone/craftcoach/internal/fetch"
	"github.com/MegaGrindStone/craftcoach/internal/store"
)

const (
	// DefaultWikiAPI is the MediaWiki endpoint of the PoE wiki.
	DefaultWikiAPI = "https://www.poewiki.net/w/api.php"
	// DefaultWikiPages prefixes links to wiki articles.
	DefaultWikiPages = "https://www.poewiki.net/wiki/"
	// DefaultNinjaAPI is the poe.ninja data API.
	DefaultNinjaAPI = "https://poe.ninja/api/data"
)

// Server serves the craftcoach tools. Stored data comes from the Store, everything else is fetched
// through the shared fetch.Client.
type Server struct {
	store     *store.Store
	fetcher   *fetch.Client
	league    string
	wikiAPI   string
	wikiPages string
	ninjaAPI  string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLeague sets the league used when a call names none.
func WithLeague(league string) Option {
	return func(s *Server) {
		if league != "" {
			s.league = league
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "craftcoach"))
	}
}

// WithWikiAPI points the wiki tools at another MediaWiki instance.
func WithWikiAPI(apiURL, pagesURL string) Option {
	return func(s *Server) {
		s.wikiAPI = apiURL
		s.wikiPages = pagesURL
	}
}

// WithNinjaAPI points the search tool at another poe.ninja data API.
func WithNinjaAPI(apiURL string) Option {
	return func(s *Server) {
		s.ninjaAPI = apiURL
	}
}

// NewServer returns a Server reading from st and fetching through fetcher.
func NewServer(st *store.Store, fetcher *fetch.Client, opts ...Option) *Server {
	s := &Server{
		store:     st,
		fetcher:   fetcher,
		league:    "Standard",
		wikiAPI:   DefaultWikiAPI,
		wikiPages: DefaultWikiPages,
		ninjaAPI:  DefaultNinjaAPI,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.CallContext) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: toolList()}, nil
}

// CallTool implements mcp.ToolServer interface.
//
// Failures inside a tool come back as an envelope with ok set to false. Only unknown tools and
// arguments that fail the input schema are returned as errors.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	cc mcp.CallContext,
) (mcp.CallToolResult, error) {
	def, ok := tools[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
	if err := validateArgs(ctx, def.schema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	s.logger.Debug("calling tool",
		slog.String("tool", params.Name),
		slog.String("sessionID", cc.SessionID))

	rep := reporter(cc.ReportProgress)
	start := s.now()

	var env Envelope
	switch params.Name {
	case "price_tool":
		env = s.callPrice(ctx, params.Arguments)
	case "mod_lookup_tool":
		env = s.callModLookup(ctx, params.Arguments)
	case "item_read_tool":
		env = s.callItemRead(params.Arguments)
	case "wiki_tool":
		env = s.callWiki(ctx, params.Arguments, rep)
	case "search":
		env = s.callSearch(ctx, params.Arguments, rep)
	case "fetch":
		env = s.callFetch(ctx, params.Arguments)
	}
	env.Meta.TimingMs = s.now().Sub(start).Milliseconds()

	if !env.OK {
		s.logger.Warn("tool failed",
			slog.String("tool", params.Name),
			slog.String("sessionID", cc.SessionID),
			slog.Any("warnings", env.Meta.Warnings))
	}
	return env.result()
}

type reporter mcp.ProgressReporter

func (r reporter) step(progress, total float64, message string) {
	if r == nil {
		return
	}
	r(mcp.ProgressParams{Progress: progress, Total: total, Message: message})
}
