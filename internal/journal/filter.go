package journal

import (
	"encoding/json"
	"strings"
)

// Filter selects journal events. Empty sets and an empty search term match
// everything; populated predicates compose with AND.
type Filter struct {
	// Categories matches either the event category or its event_type.
	Categories []string `json:"categories,omitempty"`
	Factions   []string `json:"factions,omitempty"`
	Search     string   `json:"search,omitempty"`
}

func (f Filter) Equal(other Filter) bool {
	return sameSet(f.Categories, other.Categories) &&
		sameSet(f.Factions, other.Factions) &&
		strings.TrimSpace(f.Search) == strings.TrimSpace(other.Search)
}

type compiledFilter struct {
	categories map[string]struct{}
	factions   map[string]struct{}
	search     string
}

func (f Filter) compile() compiledFilter {
	return compiledFilter{
		categories: toSet(f.Categories),
		factions:   toSet(f.Factions),
		search:     strings.ToLower(strings.TrimSpace(f.Search)),
	}
}

func (c compiledFilter) match(e Event) bool {
	if len(c.categories) > 0 {
		_, byCategory := c.categories[e.Category]
		_, byType := c.categories[e.EventType]
		if !byCategory && !byType {
			return false
		}
	}
	if len(c.factions) > 0 {
		if e.Faction == nil {
			return false
		}
		if _, ok := c.factions[*e.Faction]; !ok {
			return false
		}
	}
	if c.search != "" {
		return c.matchSearch(e)
	}
	return true
}

func (c compiledFilter) matchSearch(e Event) bool {
	if strings.Contains(strings.ToLower(e.FactionName()), c.search) {
		return true
	}
	if strings.Contains(strings.ToLower(e.EventType), c.search) {
		return true
	}
	if len(e.Data) == 0 {
		return false
	}
	encoded, err := json.Marshal(e.Data)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(encoded)), c.search)
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func sameSet(a, b []string) bool {
	left, right := toSet(a), toSet(b)
	if len(left) != len(right) {
		return false
	}
	for k := range left {
		if _, ok := right[k]; !ok {
			return false
		}
	}
	return true
}
