// Package remaster holds the scene/match domain model for the remaster
// workflow and the client-side store that owns all match mutations.
package remaster

import "context"

// Scene is a time-bounded segment of the short input video. Scenes are
// ordered by Index and partition the input timeline.
type Scene struct {
	Index     int     `json:"index"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"`
}

// MatchCandidate is a raw detection-time candidate. Read-only, informational.
type MatchCandidate struct {
	Episode    string  `json:"episode"`
	Timestamp  float64 `json:"timestamp"`
	Similarity float64 `json:"similarity"`
	Series     string  `json:"series"`
}

// AlternativeMatch is one of several plausible source clips for a scene,
// ranked by confidence.
type AlternativeMatch struct {
	Episode    string  `json:"episode"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
	SpeedRatio float64 `json:"speed_ratio"`
	VoteCount  int     `json:"vote_count"`
	Algorithm  string  `json:"algorithm,omitempty"`
}

// SceneMatch is the currently selected source clip for one scene, plus its
// provenance. Confidence zero with an empty episode means "no match found";
// WasNoMatch preserves that fact even after a later fix.
type SceneMatch struct {
	SceneIndex       int                `json:"scene_index"`
	Episode          string             `json:"episode"`
	StartTime        float64            `json:"start_time"`
	EndTime          float64            `json:"end_time"`
	Confidence       float64            `json:"confidence"`
	SpeedRatio       float64            `json:"speed_ratio"`
	Confirmed        bool               `json:"confirmed"`
	Alternatives     []AlternativeMatch `json:"alternatives,omitempty"`
	StartCandidates  []MatchCandidate   `json:"start_candidates,omitempty"`
	MiddleCandidates []MatchCandidate   `json:"middle_candidates,omitempty"`
	EndCandidates    []MatchCandidate   `json:"end_candidates,omitempty"`
	WasNoMatch       bool               `json:"was_no_match,omitempty"`
	MergedFrom       []int              `json:"merged_from,omitempty"`
}

// HasMatch reports whether a usable source clip is selected.
func (m *SceneMatch) HasMatch() bool {
	return m.Confidence > 0 && m.Episode != ""
}

// IsMerged reports whether this record collapsed multiple original scenes.
func (m *SceneMatch) IsMerged() bool {
	return len(m.MergedFrom) > 0
}

// Valid reports whether the record satisfies the time-range invariant.
// Records with an episode must have a strictly positive span.
func (m *SceneMatch) Valid() bool {
	if m.Episode == "" {
		return true
	}
	return m.StartTime < m.EndTime
}

// BestAlternative returns the highest-confidence alternative, with ties
// broken by original order (first occurrence wins). Returns nil when there
// are no alternatives.
func (m *SceneMatch) BestAlternative() *AlternativeMatch {
	var best *AlternativeMatch
	for i := range m.Alternatives {
		alt := &m.Alternatives[i]
		if best == nil || alt.Confidence > best.Confidence {
			best = alt
		}
	}
	return best
}

// MatchUpdate is one persisted match replacement.
type MatchUpdate struct {
	SceneIndex int     `json:"scene_index"`
	Episode    string  `json:"episode"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confirmed  bool    `json:"confirmed"`
}

// UndoMergeResult carries the backend-authoritative state after a merge is
// split back into its original scenes.
type UndoMergeResult struct {
	Scenes  []Scene      `json:"scenes"`
	Matches []SceneMatch `json:"matches"`
}

// Backend is the persistence collaborator the store mutates through. Every
// mutation confirms success with the backend before local state changes.
type Backend interface {
	Scenes(ctx context.Context, projectID string) ([]Scene, error)
	Matches(ctx context.Context, projectID string) ([]SceneMatch, error)
	UpdateMatch(ctx context.Context, projectID string, update MatchUpdate) (*SceneMatch, error)
	UpdateMatchesBatch(ctx context.Context, projectID string, updates []MatchUpdate) error
	UndoMerge(ctx context.Context, projectID string, sceneIndex int) (*UndoMergeResult, error)
}
