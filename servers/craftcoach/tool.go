package craftcoach

import (
	"encoding/json"

	"github.com/MegaGrindStone/craftcoach"
	"github.com/qri-io/jsonschema"
)

type toolDef struct {
	tool   mcp.Tool
	schema *jsonschema.Schema
}

var toolOrder = []string{"price_tool", "mod_lookup_tool", "item_read_tool", "wiki_tool", "search", "fetch"}

var tools = map[string]toolDef{
	"price_tool": newToolDef("price_tool", `
Return the latest price snapshot for a currency or item in a league, with
the last 7 and 30 snapshots as history. Prices come from the local cache
filled by refresh-prices from poe.ninja and poe.watch. Use source to pick
one of them, or "both" for whichever is newest.
`, priceSchema),
	"mod_lookup_tool": newToolDef("mod_lookup_tool", `
Look up affixes that can roll on a base from the cached mod database.
Results are split into prefixes and suffixes and grouped by mod group.
Filter by tags (all must match), by a substring of the mod text with query,
or by a glob over the mod text with pattern (e.g. "*to maximum Life").
`, modLookupSchema),
	"item_read_tool": newToolDef("item_read_tool", `
Parse item text copied from the game client (Ctrl+C) into base, item level,
mods with tiers, and influence/fractured/veiled flags. Pass compareText with
a second copy of the item to also get a unified diff between the two.
`, itemReadSchema),
	"wiki_tool": newToolDef("wiki_tool", `
Retrieve a short explainer for a topic from the Path of Exile wiki,
with a link to the full article.
`, wikiSchema),
	"search": newToolDef("search", `
Search the Path of Exile wiki and poe.ninja for a query. Returns the top
wiki hit and the raw poe.ninja search result when it is available.
`, searchSchema),
	"fetch": newToolDef("fetch", `
Fetch a URL with GET or POST. GET without a json body returns the response
text; otherwise the json object is posted and the response decoded as JSON.
`, fetchSchema),
}

func newToolDef(name, description, schema string) toolDef {
	return toolDef{
		tool: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		schema: jsonschema.Must(schema),
	}
}

func toolList() []mcp.Tool {
	list := make([]mcp.Tool, 0, len(toolOrder))
	for _, name := range toolOrder {
		list = append(list, tools[name].tool)
	}
	return list
}
