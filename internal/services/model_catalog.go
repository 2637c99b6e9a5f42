package services

import "strings"

// ModelCatalog answers which models generation may target and resolves the
// model for a new assistant message from the fallback chain: explicit request,
// source message, conversation default, user default, catalog default.
type ModelCatalog interface {
	Resolve(explicit, messageModel, conversationModel, userDefault string) string
	Supports(model string) bool
	Info(model string) (ModelInfo, bool)
	Default() string
}

type ModelInfo struct {
	Name             string
	MaxOutputTokens  int
	SupportsThinking bool
}

type staticCatalog struct {
	models map[string]ModelInfo
	def    string
}

// NewStaticCatalog returns the built-in catalog. The set is intentionally
// small; unknown models fall through to the default at resolve time.
func NewStaticCatalog() ModelCatalog {
	infos := []ModelInfo{
		{Name: "gpt-5", MaxOutputTokens: 16384, SupportsThinking: true},
		{Name: "gpt-5-mini", MaxOutputTokens: 16384, SupportsThinking: true},
		{Name: "gpt-4o", MaxOutputTokens: 8192},
		{Name: "gpt-4o-mini", MaxOutputTokens: 8192},
		{Name: "o3-mini", MaxOutputTokens: 16384, SupportsThinking: true},
	}
	m := make(map[string]ModelInfo, len(infos))
	for _, mi := range infos {
		m[mi.Name] = mi
	}
	return &staticCatalog{models: m, def: "gpt-4o-mini"}
}

func (c *staticCatalog) Resolve(explicit, messageModel, conversationModel, userDefault string) string {
	for _, cand := range []string{explicit, messageModel, conversationModel, userDefault} {
		cand = strings.TrimSpace(cand)
		if cand != "" && c.Supports(cand) {
			return cand
		}
	}
	return c.def
}

func (c *staticCatalog) Supports(model string) bool {
	_, ok := c.models[model]
	return ok
}

func (c *staticCatalog) Info(model string) (ModelInfo, bool) {
	mi, ok := c.models[model]
	return mi, ok
}

func (c *staticCatalog) Default() string { return c.def }
