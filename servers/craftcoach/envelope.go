package craftcoach

import (
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/craftcoach"
)

// Envelope is the JSON document every tool returns.
type Envelope struct {
	OK   bool `json:"ok"`
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// Meta describes how a result was produced.
type Meta struct {
	League   string   `json:"league,omitempty"`
	TimingMs int64    `json:"timingMs"`
	Sources  []string `json:"sources"`
	Warnings []string `json:"warnings"`
}

// ErrorData is the payload of a failed envelope.
type ErrorData struct {
	Message string `json:"message"`
}

func withMeta(data any, meta Meta) Envelope {
	if meta.Sources == nil {
		meta.Sources = []string{}
	}
	if meta.Warnings == nil {
		meta.Warnings = []string{}
	}
	return Envelope{OK: true, Data: data, Meta: meta}
}

func withError(message string, meta Meta) Envelope {
	env := withMeta(ErrorData{Message: message}, meta)
	env.OK = false
	env.Meta.Warnings = append(env.Meta.Warnings, message)
	return env
}

func (e Envelope) result() (mcp.CallToolResult, error) {
	bs, err := json.Marshal(e)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(bs),
			},
		},
		IsError: !e.OK,
	}, nil
}
