package craftcoach

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
)

// PriceArgs is an argument struct for the price_tool tool.
type PriceArgs struct {
	ItemOrCurrency string `json:"itemOrCurrency"`
	League         string `json:"league,omitempty"`
	Source         string `json:"source,omitempty"`
}

// ModLookupArgs is an argument struct for the mod_lookup_tool tool.
type ModLookupArgs struct {
	Base    string   `json:"base"`
	Tags    []string `json:"tags,omitempty"`
	Query   string   `json:"query,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// ItemReadArgs is an argument struct for the item_read_tool tool.
type ItemReadArgs struct {
	ClipboardText string `json:"clipboardText,omitempty"`
	ImagePath     string `json:"imagePath,omitempty"`
	CompareText   string `json:"compareText,omitempty"`
}

// WikiArgs is an argument struct for the wiki_tool tool.
type WikiArgs struct {
	Topic string `json:"topic"`
}

// SearchArgs is an argument struct for the search tool.
type SearchArgs struct {
	Query  string `json:"query"`
	League string `json:"league,omitempty"`
}

// FetchArgs is an argument struct for the fetch tool.
type FetchArgs struct {
	URL    string          `json:"url"`
	Method string          `json:"method,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

const priceSchema = `{
  "type": "object",
  "properties": {
    "itemOrCurrency": { "type": "string", "minLength": 1 },
    "league": { "type": "string" },
    "source": { "type": "string", "enum": ["ninja", "watch", "both"] }
  },
  "required": ["itemOrCurrency"]
}`

const modLookupSchema = `{
  "type": "object",
  "properties": {
    "base": { "type": "string" },
    "tags": { "type": "array", "items": { "type": "string" } },
    "query": { "type": "string" },
    "pattern": { "type": "string" }
  },
  "required": ["base"]
}`

const itemReadSchema = `{
  "type": "object",
  "properties": {
    "clipboardText": { "type": "string" },
    "imagePath": { "type": "string" },
    "compareText": { "type": "string" }
  }
}`

const wikiSchema = `{
  "type": "object",
  "properties": {
    "topic": { "type": "string", "minLength": 1 }
  },
  "required": ["topic"]
}`

const searchSchema = `{
  "type": "object",
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "league": { "type": "string" }
  },
  "required": ["query"]
}`

const fetchSchema = `{
  "type": "object",
  "properties": {
    "url": { "type": "string", "pattern": "^https?://" },
    "method": { "type": "string", "enum": ["GET", "POST"] },
    "json": { "type": "object" }
  },
  "required": ["url"]
}`

func validateArgs(ctx context.Context, schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	errs, err := schema.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("params validation failed: %w", err)
	}
	if len(errs) > 0 {
		var errStr []string
		for _, e := range errs {
			if e.PropertyPath != "" && e.PropertyPath != "/" {
				errStr = append(errStr, fmt.Sprintf("%s: %s", e.PropertyPath, e.Message))
				continue
			}
			errStr = append(errStr, e.Message)
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}
	return nil
}

func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return v, nil
}
