package craftcoach

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/MegaGrindStone/craftcoach/internal/store"
	"github.com/gobwas/glob"
)

var modSources = []string{"poedb.tw"}

// ModData is the data of a successful mod_lookup_tool call.
type ModData struct {
	Prefixes     []ModText     `json:"prefixes"`
	Suffixes     []ModText     `json:"suffixes"`
	Groups       []ModGroup    `json:"groups"`
	Conflicts    []ModConflict `json:"conflicts"`
	SpawnWeights []ModWeights  `json:"spawnWeights"`
	Special      []string      `json:"special"`
	Sources      []string      `json:"sources"`
}

type ModText struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ModGroup struct {
	Group string   `json:"group"`
	Mods  []string `json:"mods"`
}

// ModConflict lists mods of one group that occupy the same affix slot, so at most one of them can
// roll on an item.
type ModConflict struct {
	Group          string   `json:"group"`
	GenerationType string   `json:"generationType"`
	IDs            []string `json:"ids"`
}

type ModWeights struct {
	ID      string          `json:"id"`
	Weights json.RawMessage `json:"weights"`
}

func (s *Server) callModLookup(ctx context.Context, raw json.RawMessage) Envelope {
	meta := Meta{Sources: modSources}
	args, err := decodeArgs[ModLookupArgs](raw)
	if err != nil {
		return withError(err.Error(), meta)
	}

	var match glob.Glob
	if args.Pattern != "" {
		match, err = glob.Compile(strings.ToLower(args.Pattern))
		if err != nil {
			return withError(fmt.Sprintf("invalid pattern %q: %s", args.Pattern, err), meta)
		}
	}

	mods, err := s.store.LookupMods(ctx, store.ModQuery{Base: args.Base, Text: args.Query})
	if err != nil {
		return withError(err.Error(), meta)
	}

	mods = slices.DeleteFunc(mods, func(m store.Mod) bool {
		for _, tag := range args.Tags {
			if !slices.Contains(m.Tags, tag) {
				return true
			}
		}
		return match != nil && !match.Match(strings.ToLower(m.FullText))
	})

	return withMeta(groupMods(mods), meta)
}

func groupMods(mods []store.Mod) ModData {
	data := ModData{
		Prefixes:     []ModText{},
		Suffixes:     []ModText{},
		Groups:       []ModGroup{},
		Conflicts:    []ModConflict{},
		SpawnWeights: []ModWeights{},
		Special:      []string{},
		Sources:      modSources,
	}

	groupIndex := make(map[string]int)
	type slot struct{ group, gen string }
	slots := make(map[slot][]string)
	var slotOrder []slot

	for _, m := range mods {
		text := ModText{ID: m.ID, Text: m.FullText}
		switch m.GenerationType {
		case "prefix":
			data.Prefixes = append(data.Prefixes, text)
		case "suffix":
			data.Suffixes = append(data.Suffixes, text)
		}

		i, ok := groupIndex[m.GroupID]
		if !ok {
			i = len(data.Groups)
			groupIndex[m.GroupID] = i
			data.Groups = append(data.Groups, ModGroup{Group: m.GroupID})
		}
		data.Groups[i].Mods = append(data.Groups[i].Mods, m.FullText)

		if m.GroupID != "" {
			k := slot{m.GroupID, m.GenerationType}
			if _, ok := slots[k]; !ok {
				slotOrder = append(slotOrder, k)
			}
			slots[k] = append(slots[k], m.ID)
		}

		weights := m.SpawnWeights
		if len(weights) == 0 {
			weights = json.RawMessage("[]")
		}
		data.SpawnWeights = append(data.SpawnWeights, ModWeights{ID: m.ID, Weights: weights})

		if strings.Contains(m.Type, "Influence") {
			data.Special = append(data.Special, m.FullText)
		}
	}

	for _, k := range slotOrder {
		if ids := slots[k]; len(ids) > 1 {
			data.Conflicts = append(data.Conflicts, ModConflict{Group: k.group, GenerationType: k.gen, IDs: ids})
		}
	}
	return data
}
