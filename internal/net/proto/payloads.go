package proto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DomainEvent is the payload of every *_event frame.
type DomainEvent struct {
	Timestamp Timestamp      `json:"timestamp" jsonschema:"required"`
	Universe  string         `json:"universe,omitempty"`
	Category  string         `json:"category,omitempty"`
	EventType string         `json:"event_type" jsonschema:"required"`
	Turn      *int           `json:"turn,omitempty"`
	Faction   *string        `json:"faction,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Alert is the payload of alert_triggered frames and the REST alert model.
type Alert struct {
	ID           string         `json:"id" jsonschema:"required"`
	Timestamp    Timestamp      `json:"timestamp"`
	Severity     string         `json:"severity" jsonschema:"enum=info,enum=warning,enum=error,enum=critical"`
	RuleName     string         `json:"rule_name"`
	Message      string         `json:"message"`
	Context      map[string]any `json:"context,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
	Resolved     bool           `json:"resolved"`
}

// ErrorNotification is the payload of error_notification frames.
type ErrorNotification struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Status mirrors the backend status response.
type Status struct {
	Status             string `json:"status"`
	Universe           string `json:"universe"`
	RunID              string `json:"run_id"`
	BatchID            string `json:"batch_id"`
	Paused             bool   `json:"paused"`
	TelemetryConnected bool   `json:"telemetry_connected"`
	IndexerConnected   bool   `json:"indexer_connected"`
	Streaming          bool   `json:"streaming"`
}

// Metrics keeps the live metrics payload mostly opaque; only turn and
// planet_status are interpreted client-side.
type Metrics struct {
	Turn          *int            `json:"turn,omitempty"`
	BattlesPerSec *float64        `json:"battles_per_sec,omitempty"`
	PlanetStatus  json.RawMessage `json:"planet_status,omitempty"`
	FactionStatus json.RawMessage `json:"faction_status,omitempty"`
}

type PlanetStatus struct {
	Name     string `json:"name"`
	System   string `json:"system"`
	Owner    string `json:"owner"`
	Status   string `json:"status,omitempty"`
	IsSieged bool   `json:"is_sieged,omitempty"`
}

func (m Metrics) HasPlanetStatus() bool {
	trimmed := strings.TrimSpace(string(m.PlanetStatus))
	return trimmed != "" && trimmed != "null"
}

// Planets returns the planet_status entries. The backend sends either a list
// or an object keyed by planet name; object entries are returned in key order
// and inherit the key as name when the entry omits it.
func (m Metrics) Planets() ([]PlanetStatus, error) {
	if !m.HasPlanetStatus() {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(m.PlanetStatus))
	switch trimmed[0] {
	case '[':
		var planets []PlanetStatus
		if err := json.Unmarshal(m.PlanetStatus, &planets); err != nil {
			return nil, fmt.Errorf("planet_status: %w", err)
		}
		return planets, nil
	case '{':
		var keyed map[string]PlanetStatus
		if err := json.Unmarshal(m.PlanetStatus, &keyed); err != nil {
			return nil, fmt.Errorf("planet_status: %w", err)
		}
		names := make([]string, 0, len(keyed))
		for name := range keyed {
			names = append(names, name)
		}
		sort.Strings(names)
		planets := make([]PlanetStatus, 0, len(keyed))
		for _, name := range names {
			planet := keyed[name]
			if planet.Name == "" {
				planet.Name = name
			}
			planets = append(planets, planet)
		}
		return planets, nil
	default:
		return nil, fmt.Errorf("planet_status: unexpected shape")
	}
}

// PlanetUpdate is the data of a system_event with event_type planet_update.
type PlanetUpdate struct {
	Planets []PlanetStatus `json:"planets"`
}

// IsEventType reports whether typ is one of the *_event frame types.
func IsEventType(typ string) bool {
	_, ok := eventCategories[typ]
	return ok
}

var eventCategories = map[string]string{
	TypeBattleEvent:       "combat",
	TypeResourceEvent:     "economy",
	TypeTechEvent:         "technology",
	TypeConstructionEvent: "construction",
	TypeSystemEvent:       "system",
	TypeMovementEvent:     "movement",
	TypeCampaignEvent:     "campaign",
	TypeStrategyEvent:     "strategy",
	TypeDoctrineEvent:     "doctrine",
}

// CategoryFor returns the event category implied by a frame type.
func CategoryFor(typ string) string {
	return eventCategories[typ]
}
