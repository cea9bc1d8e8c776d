package session

// Event types published to page subscribers.
const (
	EventSearchProgress = "search_progress"
	EventMatches        = "matches"
	EventFastWatch      = "fastwatch"
	EventError          = "error"
)

// Event is one update on a session's stream: match-search progress,
// match-state changes, fast-watch transport state, or a page-level error.
type Event struct {
	Type       string  `json:"type"`
	Progress   float64 `json:"progress,omitempty"`
	Message    string  `json:"message,omitempty"`
	SceneIndex int     `json:"scene_index"`
	Playing    bool    `json:"playing,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
	Done       bool    `json:"done,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Error      string  `json:"error,omitempty"`
	Confirmed  int     `json:"confirmed,omitempty"`
	Total      int     `json:"total,omitempty"`
}

// Status is a point-in-time snapshot of the validation page state.
type Status struct {
	ProjectID     string  `json:"project_id"`
	Total         int     `json:"total"`
	Confirmed     int     `json:"confirmed"`
	Complete      bool    `json:"complete"`
	FillCount     int     `json:"fill_count"`
	ActiveScene   int     `json:"active_scene"`
	Playing       bool    `json:"playing"`
	Speed         float64 `json:"speed"`
	AutoScroll    bool    `json:"auto_scroll"`
	SearchRunning bool    `json:"search_running"`
}
