package alerts

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"void-reckoning/dashboard/internal/net/proto"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from least to most urgent.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity normalizes a wire severity. Unknown values map to info.
func ParseSeverity(raw string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s
	}
	return SeverityInfo
}

type Alert struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Severity     Severity       `json:"severity"`
	RuleName     string         `json:"rule_name"`
	Message      string         `json:"message"`
	Context      map[string]any `json:"context,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Resolved     bool           `json:"resolved"`
}

func FromWire(w proto.Alert) Alert {
	return Alert{
		ID:           w.ID,
		Timestamp:    w.Timestamp.Time,
		Severity:     ParseSeverity(w.Severity),
		RuleName:     w.RuleName,
		Message:      w.Message,
		Context:      w.Context,
		Acknowledged: w.Acknowledged,
		Resolved:     w.Resolved,
	}
}

func cloneAlert(a Alert) Alert {
	cloned := a
	if a.Context != nil {
		cloned.Context = make(map[string]any, len(a.Context))
		for k, v := range a.Context {
			cloned.Context[k] = v
		}
	}
	return cloned
}

// Summary tallies the ledger. BySeverity and Unacknowledged only count
// alerts that are not resolved.
type Summary struct {
	Total          int              `json:"total"`
	Active         int              `json:"active"`
	Unacknowledged int              `json:"unacknowledged"`
	BySeverity     map[Severity]int `json:"by_severity"`
}

// Filter narrows List. Term matches rule_name or context, case-insensitive;
// "ALL" and the empty string disable it.
type Filter struct {
	Severities []Severity `json:"severities,omitempty"`
	Term       string     `json:"term,omitempty"`
}

const FilterAll = "ALL"

func (f Filter) match(a Alert) bool {
	if len(f.Severities) > 0 {
		found := false
		for _, s := range f.Severities {
			if a.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	term := strings.TrimSpace(f.Term)
	if term == "" || term == FilterAll {
		return true
	}
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(a.RuleName), term) {
		return true
	}
	if len(a.Context) == 0 {
		return false
	}
	encoded, err := json.Marshal(a.Context)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(encoded)), term)
}

type Page struct {
	Items      []Alert `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
}

const DefaultPageSize = 20

func paginate(items []Alert, page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(items)
	pages := (total + pageSize - 1) / pageSize
	if page > pages {
		page = pages
	}
	if page < 1 {
		page = 1
	}
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	return Page{Items: items[start:end], Total: total, Page: page, PageSize: pageSize, TotalPages: pages}
}

// newestFirst orders by timestamp, falling back to reverse arrival order.
func newestFirst(items []Alert, arrival map[string]uint64) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return arrival[items[i].ID] > arrival[items[j].ID]
	})
}
