package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/MegaGrindStone/craftcoach/internal/store"
)

// repoeMod is one entry of RePoE's mods.json.
type repoeMod struct {
	Name           string          `json:"name"`
	Desc           string          `json:"desc"`
	Domain         string          `json:"domain"`
	GenerationType string          `json:"generation_type"`
	Type           string          `json:"type"`
	Group          string          `json:"group"`
	Groups         []string        `json:"groups"`
	SpawnWeights   json.RawMessage `json:"spawn_weights"`
	Tags           []string        `json:"tags"`
	ImplicitTags   []string        `json:"implicit_tags"`
}

// Mods replaces the cached mod database with RePoE's. With a non-empty path the data is read from
// that file instead of the network.
func (r *Refresher) Mods(ctx context.Context, path string) (int, error) {
	var (
		raw map[string]repoeMod
		err error
	)
	if path != "" {
		raw, err = readModsFile(path)
	} else {
		err = r.fetcher.JSON(ctx, http.MethodGet, r.modsURL, nil, &raw)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load mods: %w", err)
	}

	mods := convertMods(raw)
	if err := r.store.UpsertMods(ctx, mods); err != nil {
		return 0, err
	}
	if err := r.store.SetMetadata(ctx, MetaModsRefreshedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return 0, err
	}

	r.logger.Info("mods refreshed", slog.Int("count", len(mods)))
	return len(mods), nil
}

func readModsFile(path string) (map[string]repoeMod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]repoeMod
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func convertMods(raw map[string]repoeMod) []store.Mod {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mods := make([]store.Mod, 0, len(ids))
	for _, id := range ids {
		m := raw[id]
		text := m.Name
		if text == "" {
			text = m.Desc
		}
		if text == "" {
			text = id
		}
		group := m.Group
		if group == "" && len(m.Groups) > 0 {
			group = m.Groups[0]
		}
		tags := m.Tags
		if len(tags) == 0 {
			tags = m.ImplicitTags
		}
		typ := m.Type
		if typ == "" {
			typ = m.GenerationType
		}
		weights := m.SpawnWeights
		if len(weights) == 0 || string(weights) == "null" {
			weights = json.RawMessage("[]")
		}

		mods = append(mods, store.Mod{
			ID:             id,
			Base:           m.Domain,
			Type:           typ,
			Domain:         m.Domain,
			GenerationType: m.GenerationType,
			FullText:       text,
			GroupID:        group,
			SpawnWeights:   weights,
			Tags:           tags,
		})
	}
	return mods
}
