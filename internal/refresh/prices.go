package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/MegaGrindStone/craftcoach/internal/store"
	"golang.org/x/sync/errgroup"
)

// fallbackDivineChaos prices a Divine Orb when poe.ninja doesn't report one.
const fallbackDivineChaos = 150

var (
	ninjaItemTypes     = []string{"UniqueArmour", "UniqueWeapon", "UniqueAccessory", "DivinationCard", "SkillGem", "Map", "ClusterJewel", "DeliriumOrb"}
	ninjaCurrencyTypes = []string{"Currency", "Fragment"}
)

// PriceSummary reports what a price refresh stored.
type PriceSummary struct {
	League   string
	Ninja    int
	Watch    int
	Warnings []string
}

type ninjaItemLine struct {
	Name             string  `json:"name"`
	BaseType         string  `json:"baseType"`
	ChaosValue       float64 `json:"chaosValue"`
	DivineValue      float64 `json:"divineValue"`
	DivineChaosValue float64 `json:"divineChaosValue"`
}

type ninjaCurrencyLine struct {
	CurrencyTypeName string  `json:"currencyTypeName"`
	ChaosEquivalent  float64 `json:"chaosEquivalent"`
	ChaosValue       float64 `json:"chaosValue"`
	DivineValue      float64 `json:"divineValue"`
}

type watchLine struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

type overview struct {
	Lines []json.RawMessage `json:"lines"`
}

// Prices stores a fresh snapshot of poe.ninja and poe.watch prices for league. An endpoint that
// fails is reported as a warning; Prices fails only when nothing could be stored.
func (r *Refresher) Prices(ctx context.Context, league string) (PriceSummary, error) {
	sum := PriceSummary{League: league}
	kinds := append(append([]string{}, ninjaItemTypes...), ninjaCurrencyTypes...)
	results := make([][]json.RawMessage, len(kinds))
	errs := make([]error, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		endpoint := "itemoverview"
		if i >= len(ninjaItemTypes) {
			endpoint = "currencyoverview"
		}
		u := fmt.Sprintf("%s/%s?%s", r.ninjaAPI, endpoint, url.Values{"league": {league}, "type": {kind}}.Encode())
		g.Go(func() error {
			var ov overview
			if err := r.fetcher.JSON(gctx, http.MethodGet, u, nil, &ov); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = fmt.Errorf("poe.ninja %s: %w", kind, err)
				return nil
			}
			results[i] = ov.Lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	divineChaos := float64(fallbackDivineChaos)
	var prices []store.Price
	for i, lines := range results {
		if errs[i] != nil {
			sum.Warnings = append(sum.Warnings, errs[i].Error())
			continue
		}
		for _, raw := range lines {
			p, ok := ninjaPrice(raw, i >= len(ninjaItemTypes))
			if !ok {
				continue
			}
			if p.Item == "Divine Orb" && p.Chaos > 0 {
				divineChaos = p.Chaos
			}
			p.League = league
			prices = append(prices, p)
		}
	}
	for i := range prices {
		if prices[i].Divine == 0 {
			prices[i].Divine = prices[i].Chaos / divineChaos
		}
	}
	sum.Ninja = len(prices)

	watched, err := r.watchPrices(ctx, league, divineChaos)
	if err != nil {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Warnings = append(sum.Warnings, err.Error())
	}
	sum.Watch = len(watched)
	prices = append(prices, watched...)

	if len(prices) == 0 {
		return sum, errors.New("no prices fetched")
	}
	if err := r.store.InsertPrices(ctx, prices); err != nil {
		return sum, err
	}
	if err := r.store.SetMetadata(ctx, MetaPricesRefreshedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return sum, err
	}

	r.logger.Info("prices refreshed",
		slog.String("league", league),
		slog.Int("ninja", sum.Ninja),
		slog.Int("watch", sum.Watch),
		slog.Int("warnings", len(sum.Warnings)))
	return sum, nil
}

func ninjaPrice(raw json.RawMessage, currency bool) (store.Price, bool) {
	p := store.Price{Source: store.SourceNinja, Payload: raw}
	if currency {
		var line ninjaCurrencyLine
		if err := json.Unmarshal(raw, &line); err != nil || line.CurrencyTypeName == "" {
			return p, false
		}
		p.Item = line.CurrencyTypeName
		p.Chaos = line.ChaosEquivalent
		if p.Chaos == 0 {
			p.Chaos = line.ChaosValue
		}
		p.Divine = line.DivineValue
		return p, true
	}

	var line ninjaItemLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return p, false
	}
	p.Item = line.Name
	if p.Item == "" {
		p.Item = line.BaseType
	}
	if p.Item == "" {
		return p, false
	}
	p.Chaos = line.ChaosValue
	p.Divine = line.DivineValue
	if p.Divine == 0 && line.DivineChaosValue > 0 {
		p.Divine = p.Chaos / line.DivineChaosValue
	}
	return p, true
}

func (r *Refresher) watchPrices(ctx context.Context, league string, divineChaos float64) ([]store.Price, error) {
	u := r.watchAPI + "/get?" + url.Values{"category": {"currency"}, "league": {league}}.Encode()
	var lines []json.RawMessage
	if err := r.fetcher.JSON(ctx, http.MethodGet, u, nil, &lines); err != nil {
		return nil, fmt.Errorf("poe.watch: %w", err)
	}

	var prices []store.Price
	for _, raw := range lines {
		var line watchLine
		if err := json.Unmarshal(raw, &line); err != nil || line.Name == "" {
			continue
		}
		prices = append(prices, store.Price{
			Item:    line.Name,
			League:  league,
			Source:  store.SourceWatch,
			Chaos:   line.Mean,
			Divine:  line.Mean / divineChaos,
			Payload: raw,
		})
	}
	return prices, nil
}
