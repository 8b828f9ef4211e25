package schedule

import "strings"

// StaticTool is a statically known tool Doctor can offer to an Igor,
// scored against an intent by keyword weight.
type StaticTool struct {
	Name     string
	Category string
	Keywords map[string]float64 // keyword -> weight
}

// DefaultStaticTools is the built-in catalog of general-purpose browser
// actions every Igor can already perform without a dynamic tool.
var DefaultStaticTools = []StaticTool{
	{Name: "navigate", Category: "navigation", Keywords: map[string]float64{"navigate": 3, "go to": 3, "url": 1}},
	{Name: "click", Category: "interaction", Keywords: map[string]float64{"click": 3, "button": 1, "submit": 1.5}},
	{Name: "type", Category: "interaction", Keywords: map[string]float64{"type": 3, "login": 2, "password": 2, "fill": 2}},
	{Name: "select", Category: "interaction", Keywords: map[string]float64{"select": 3, "subreddit": 1, "dropdown": 2}},
	{Name: "screenshot", Category: "observation", Keywords: map[string]float64{"screenshot": 3, "capture": 1}},
	{Name: "wait", Category: "timing", Keywords: map[string]float64{"wait": 3}},
	{Name: "verify", Category: "observation", Keywords: map[string]float64{"verify": 3, "check": 1.5, "approve": 1}},
}

// ToolBagEntry is one entry in a plan.submit tool bag.
type ToolBagEntry struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Dynamic bool   `json:"dynamic,omitempty"`
}

// SelectToolBag picks up to maxStatic static tools by keyword score against
// intent (highest weighted matches win, deduplicated), then appends every
// currently known Frank dynamic tool name unconditionally.
func SelectToolBag(intent string, maxStatic int, dynamicTools []string) ([]ToolBagEntry, string) {
	lower := strings.ToLower(intent)
	type scored struct {
		tool  StaticTool
		score float64
	}
	var candidates []scored
	for _, tool := range DefaultStaticTools {
		var score float64
		for kw, weight := range tool.Keywords {
			if strings.Contains(lower, kw) {
				score += weight
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{tool, score})
		}
	}
	// Stable insertion sort by score descending; the catalog is small enough
	// that a simple pass beats pulling in sort for determinism reasoning.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if maxStatic > 0 && len(candidates) > maxStatic {
		candidates = candidates[:maxStatic]
	}
	bag := make([]ToolBagEntry, 0, len(candidates)+len(dynamicTools))
	var reasoning strings.Builder
	for _, c := range candidates {
		bag = append(bag, ToolBagEntry{Name: c.tool.Name, Reason: "keyword match"})
		if reasoning.Len() > 0 {
			reasoning.WriteString("; ")
		}
		reasoning.WriteString(c.tool.Name)
	}
	for _, name := range dynamicTools {
		bag = append(bag, ToolBagEntry{Name: name, Reason: "known dynamic tool", Dynamic: true})
	}
	return bag, reasoning.String()
}
