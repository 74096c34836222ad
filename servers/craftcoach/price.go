package craftcoach

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/MegaGrindStone/craftcoach/internal/store"
)

const priceHistoryLimit = 60

var priceSources = []string{"poe.ninja", "poe.watch"}

// PriceData is the data of a successful price_tool call.
type PriceData struct {
	Latest     LatestPrice        `json:"latest"`
	History7d  []store.PricePoint `json:"history7d"`
	History30d []store.PricePoint `json:"history30d"`
	Sources    []string           `json:"sources"`
}

// LatestPrice is the newest snapshot of an item.
type LatestPrice struct {
	Chaos   float64         `json:"chaos"`
	Divine  float64         `json:"divine"`
	Source  string          `json:"source"`
	AsOf    time.Time       `json:"asOf"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) callPrice(ctx context.Context, raw json.RawMessage) Envelope {
	args, err := decodeArgs[PriceArgs](raw)
	league := args.League
	if league == "" {
		league = s.league
	}
	meta := Meta{League: league, Sources: priceSources}
	if err != nil {
		return withError(err.Error(), meta)
	}

	latest, err := s.store.LatestPrice(ctx, args.ItemOrCurrency, league, args.Source)
	if errors.Is(err, store.ErrNotFound) {
		return withError("No pricing data found", meta)
	}
	if err != nil {
		return withError(err.Error(), meta)
	}

	history, err := s.store.PriceHistory(ctx, args.ItemOrCurrency, league, priceHistoryLimit)
	if err != nil {
		return withError(err.Error(), meta)
	}

	return withMeta(PriceData{
		Latest: LatestPrice{
			Chaos:   latest.Chaos,
			Divine:  latest.Divine,
			Source:  latest.Source,
			AsOf:    latest.CreatedAt,
			Payload: latest.Payload,
		},
		History7d:  oldestFirst(history, 7),
		History30d: oldestFirst(history, 30),
		Sources:    priceSources,
	}, meta)
}

// oldestFirst takes the newest n points of a newest-first history and returns them oldest first.
func oldestFirst(history []store.PricePoint, n int) []store.PricePoint {
	out := slices.Clone(history[:min(n, len(history))])
	slices.Reverse(out)
	if out == nil {
		out = []store.PricePoint{}
	}
	return out
}
