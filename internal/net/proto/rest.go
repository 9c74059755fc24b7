package proto

// Response bodies of the backend REST endpoints.

type AlertHistory struct {
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Items    []Alert `json:"items"`
}

type AlertSummary struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	BySeverity map[string]int `json:"by_severity"`
}

type MaxTurn struct {
	MaxTurn int    `json:"max_turn"`
	Warning string `json:"warning,omitempty"`
}

type GalaxySystem struct {
	Name         string         `json:"name"`
	X            float64        `json:"x"`
	Y            float64        `json:"y"`
	Owner        string         `json:"owner"`
	Control      map[string]int `json:"control"`
	TotalPlanets int            `json:"total_planets"`
	NodeCount    int            `json:"node_count"`
}

type GalaxyLane struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type GalaxyBounds struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	MinX   float64 `json:"min_x"`
	MinY   float64 `json:"min_y"`
}

type Topology struct {
	Systems []GalaxySystem `json:"systems"`
	Lanes   []GalaxyLane   `json:"lanes"`
	Bounds  GalaxyBounds   `json:"bounds"`
}

// HistoryQuery selects a page of alert history. Empty filters are omitted
// from the request.
type HistoryQuery struct {
	Severity  string
	AlertType string
	Page      int
	PageSize  int
}
