package craftcoach

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var itemSources = []string{"local"}

var tierPattern = regexp.MustCompile(`(?i)\(Tier (\d+)\)`)

// Item is an item parsed from its clipboard text.
type Item struct {
	Base           string    `json:"base"`
	ItemLevel      int       `json:"ilvl,omitempty"`
	Mods           []ItemMod `json:"mods"`
	InfluenceFlags []string  `json:"influenceFlags"`
	Fractured      bool      `json:"fractured"`
	Veiled         bool      `json:"veiled"`
}

type ItemMod struct {
	Text string `json:"text"`
	Tier string `json:"tier,omitempty"`
}

// ItemData is the data of a successful item_read_tool call.
type ItemData struct {
	Item
	Compared *Item `json:"compared,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

func (s *Server) callItemRead(raw json.RawMessage) Envelope {
	meta := Meta{Sources: itemSources}
	args, err := decodeArgs[ItemReadArgs](raw)
	if err != nil {
		return withError(err.Error(), meta)
	}

	switch {
	case args.ClipboardText == "" && args.ImagePath == "":
		return withError("Provide clipboardText or imagePath", meta)
	case args.ClipboardText == "":
		return withError("reading items from images is not supported, paste the clipboard text instead", meta)
	}

	data := ItemData{Item: ParseItem(args.ClipboardText)}
	if args.CompareText != "" {
		compared := ParseItem(args.CompareText)
		data.Compared = &compared
		data.Diff = itemDiff(args.ClipboardText, args.CompareText)
	}
	return withMeta(data, meta)
}

// ParseItem reads the text the game client copies for an item. The first line after the item
// class and rarity headers names the base; everything after it that isn't a known header is a mod.
func ParseItem(text string) Item {
	item := Item{Mods: []ItemMod{}, InfluenceFlags: []string{}}

	for _, line := range strings.Split(normalizeLineEndings(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Trim(line, "-") == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(line, "Item Level"):
			item.ItemLevel, _ = strconv.Atoi(strings.Map(keepDigits, line))
		case strings.Contains(line, "Influence"):
			item.InfluenceFlags = append(item.InfluenceFlags, line)
		case strings.HasPrefix(line, "Rarity"), strings.HasPrefix(line, "Item Class"):
		case item.Base == "":
			item.Base = line
		case strings.Contains(lower, "veiled"):
			item.Veiled = true
			item.Mods = append(item.Mods, ItemMod{Text: line})
		case strings.Contains(lower, "fractured"):
			item.Fractured = true
			item.Mods = append(item.Mods, ItemMod{Text: line})
		default:
			mod := ItemMod{Text: line}
			if m := tierPattern.FindStringSubmatch(line); m != nil {
				mod.Tier = m[1]
			}
			item.Mods = append(item.Mods, mod)
		}
	}
	return item
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func itemDiff(original, compared string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(normalizeLineEndings(original), normalizeLineEndings(compared), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	diff.WriteString("--- item (clipboard)\n")
	diff.WriteString("+++ item (compare)\n")
	for _, patch := range patches {
		diff.WriteString(dmp.PatchToText([]diffmatchpatch.Patch{patch}))
	}
	return diff.String()
}
