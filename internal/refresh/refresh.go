// Package refresh pulls third-party data into the store: prices from poe.ninja and poe.watch, and
// the mod database from RePoE.
package refresh

import (
	"io"
	"log/slog"

	"github.com/MegaGrindStone/craftcoach/internal/fetch"
	"github.com/MegaGrindStone/craftcoach/internal/store"
)

const (
	DefaultNinjaAPI = "https://poe.ninja/api/data"
	DefaultWatchAPI = "https://api.poe.watch"
	DefaultModsURL  = "https://raw.githubusercontent.com/brather1ng/RePoE/master/data/mods.min.json"
)

// Metadata keys written after a successful run.
const (
	MetaPricesRefreshedAt = "prices_refreshed_at"
	MetaModsRefreshedAt   = "mods_refreshed_at"
)

// Refresher copies remote data into a Store.
type Refresher struct {
	fetcher  *fetch.Client
	store    *store.Store
	ninjaAPI string
	watchAPI string
	modsURL  string
	logger   *slog.Logger
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithEndpoints replaces the remote endpoints. Empty values keep the defaults.
func WithEndpoints(ninjaAPI, watchAPI, modsURL string) Option {
	return func(r *Refresher) {
		if ninjaAPI != "" {
			r.ninjaAPI = ninjaAPI
		}
		if watchAPI != "" {
			r.watchAPI = watchAPI
		}
		if modsURL != "" {
			r.modsURL = modsURL
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = logger.With(slog.String("component", "refresh"))
	}
}

// New returns a Refresher writing to st.
func New(fetcher *fetch.Client, st *store.Store, opts ...Option) *Refresher {
	r := &Refresher{
		fetcher:  fetcher,
		store:    st,
		ninjaAPI: DefaultNinjaAPI,
		watchAPI: DefaultWatchAPI,
		modsURL:  DefaultModsURL,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
