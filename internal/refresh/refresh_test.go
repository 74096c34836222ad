package refresh_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MegaGrindStone/craftcoach/internal/fetch"
	"github.com/MegaGrindStone/craftcoach/internal/refresh"
	"github.com/MegaGrindStone/craftcoach/internal/store"
)

const modsJSON = `{
  "IncreasedLife1": {
    "name": "Hale", "domain": "item", "generation_type": "prefix", "type": "IncreasedLife",
    "groups": ["IncreasedLife"], "implicit_tags": ["life", "resource"],
    "spawn_weights": [{"tag": "default", "weight": 1000}]
  },
  "ColdResist1": {
    "desc": "+# to Cold Resistance", "domain": "item", "generation_type": "suffix",
    "group": "ColdResistance", "tags": ["cold"]
  }
}`

func newRemote(t *testing.T, failing map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if failing[r.URL.Path] || failing[q.Get("type")] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/ninja/itemoverview":
			switch q.Get("type") {
			case "UniqueAccessory":
				_, _ = w.Write([]byte(`{"lines":[
					{"name":"Mageblood","chaosValue":30000,"divineValue":200},
					{"baseType":"Heavy Belt","chaosValue":300},
					{"chaosValue":1}
				]}`))
			default:
				_, _ = w.Write([]byte(`{"lines":[]}`))
			}
		case "/ninja/currencyoverview":
			if q.Get("type") == "Currency" {
				_, _ = w.Write([]byte(`{"lines":[
					{"currencyTypeName":"Divine Orb","chaosEquivalent":150},
					{"currencyTypeName":"Exalted Orb","chaosEquivalent":15}
				]}`))
				return
			}
			_, _ = w.Write([]byte(`{"lines":[]}`))
		case "/watch/get":
			_, _ = w.Write([]byte(`[{"name":"Exalted Orb","mean":16,"median":15},{"mean":3}]`))
		case "/repoe/mods.min.json":
			_, _ = w.Write([]byte(modsJSON))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRefresher(t *testing.T, remote *httptest.Server) (*refresh.Refresher, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "craftcoach.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := refresh.New(fetch.New(fetch.Config{}), st,
		refresh.WithEndpoints(remote.URL+"/ninja", remote.URL+"/watch", remote.URL+"/repoe/mods.min.json"))
	return r, st
}

func TestPrices(t *testing.T) {
	remote := newRemote(t, nil)
	r, st := newRefresher(t, remote)
	ctx := context.Background()

	sum, err := r.Prices(ctx, "Settlers")
	if err != nil {
		t.Fatalf("failed to refresh prices: %v", err)
	}
	if sum.Ninja != 4 || sum.Watch != 1 {
		t.Errorf("got summary %+v, want 4 ninja and 1 watch", sum)
	}
	if len(sum.Warnings) != 0 {
		t.Errorf("got warnings %v", sum.Warnings)
	}

	type testCase struct {
		item       string
		source     string
		wantChaos  float64
		wantDivine float64
	}
	testCases := []testCase{
		{item: "Mageblood", source: store.SourceNinja, wantChaos: 30000, wantDivine: 200},
		{item: "Heavy Belt", source: store.SourceNinja, wantChaos: 300, wantDivine: 2},
		{item: "Exalted Orb", source: store.SourceNinja, wantChaos: 15, wantDivine: 0.1},
		{item: "Exalted Orb", source: store.SourceWatch, wantChaos: 16, wantDivine: 16.0 / 150},
	}
	for _, tc := range testCases {
		t.Run(tc.item+"/"+tc.source, func(t *testing.T) {
			p, err := st.LatestPrice(ctx, tc.item, "Settlers", tc.source)
			if err != nil {
				t.Fatalf("failed to get price: %v", err)
			}
			if p.Chaos != tc.wantChaos || p.Divine != tc.wantDivine {
				t.Errorf("got %v chaos %v divine, want %v and %v", p.Chaos, p.Divine, tc.wantChaos, tc.wantDivine)
			}
			if len(p.Payload) == 0 {
				t.Error("raw line not kept as payload")
			}
		})
	}

	if _, err := st.Metadata(ctx, refresh.MetaPricesRefreshedAt); err != nil {
		t.Errorf("refresh time not recorded: %v", err)
	}
}

func TestPricesPartialFailure(t *testing.T) {
	remote := newRemote(t, map[string]bool{"Fragment": true, "/watch/get": true})
	r, _ := newRefresher(t, remote)

	sum, err := r.Prices(context.Background(), "Settlers")
	if err != nil {
		t.Fatalf("failed to refresh prices: %v", err)
	}
	if len(sum.Warnings) != 2 {
		t.Fatalf("got warnings %v, want 2", sum.Warnings)
	}
	if !strings.Contains(sum.Warnings[0], "poe.ninja Fragment") || !strings.Contains(sum.Warnings[1], "poe.watch") {
		t.Errorf("got warnings %v", sum.Warnings)
	}
}

func TestPricesNothingFetched(t *testing.T) {
	remote := newRemote(t, map[string]bool{
		"/ninja/itemoverview": true, "/ninja/currencyoverview": true, "/watch/get": true,
	})
	r, _ := newRefresher(t, remote)

	if _, err := r.Prices(context.Background(), "Settlers"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestMods(t *testing.T) {
	remote := newRemote(t, nil)
	r, st := newRefresher(t, remote)
	ctx := context.Background()

	n, err := r.Mods(ctx, "")
	if err != nil {
		t.Fatalf("failed to refresh mods: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d mods, want 2", n)
	}

	mods, err := st.LookupMods(ctx, store.ModQuery{Base: "item"})
	if err != nil {
		t.Fatalf("failed to lookup mods: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d mods, want 2", len(mods))
	}
	cold, life := mods[0], mods[1]
	if cold.FullText != "+# to Cold Resistance" || cold.GroupID != "ColdResistance" || cold.Type != "suffix" {
		t.Errorf("got %+v", cold)
	}
	if life.FullText != "Hale" || life.GroupID != "IncreasedLife" || len(life.Tags) != 2 {
		t.Errorf("got %+v", life)
	}
	if string(cold.SpawnWeights) != "[]" {
		t.Errorf("got spawn weights %s, want []", cold.SpawnWeights)
	}
}

func TestModsFromFile(t *testing.T) {
	remote := newRemote(t, map[string]bool{"/repoe/mods.min.json": true})
	r, _ := newRefresher(t, remote)

	path := filepath.Join(t.TempDir(), "mods.min.json")
	if err := os.WriteFile(path, []byte(modsJSON), 0o600); err != nil {
		t.Fatalf("failed to write mods: %v", err)
	}
	n, err := r.Mods(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to refresh mods: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d mods, want 2", n)
	}

	if _, err := r.Mods(context.Background(), ""); err == nil {
		t.Error("expected error from failing remote, got nil")
	}
}
