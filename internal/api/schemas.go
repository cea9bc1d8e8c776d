package api

import (
	"github.com/remaster/remaster-agent/internal/journal"
	"github.com/remaster/remaster-agent/internal/remaster"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ScenesResponse struct {
	Scenes []remaster.Scene `json:"scenes"`
}

type MatchesResponse struct {
	Matches   []remaster.SceneMatch `json:"matches"`
	Confirmed int                   `json:"confirmed"`
	Total     int                   `json:"total"`
	Complete  bool                  `json:"complete"`
}

type SearchRequest struct {
	MergeContinuous bool `json:"merge_continuous"`
}

type ManualMatchRequest struct {
	Episode   string  `json:"episode"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type AutoFillResponse struct {
	Filled int `json:"filled"`
}

type FastWatchStartRequest struct {
	FromScene int     `json:"from_scene"`
	Speed     float64 `json:"speed,omitempty"`
}

type ScrubRequest struct {
	SceneIndex int `json:"scene_index"`
}

type SpeedRequest struct {
	Speed float64 `json:"speed"`
}

type SpeedResponse struct {
	Speed float64 `json:"speed"`
}

type AutoScrollRequest struct {
	Enabled bool `json:"enabled"`
}

type RunsResponse struct {
	Runs []*journal.ReviewRun `json:"runs"`
}
