package remaster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Store is the single writer of match state on the client side. All
// mutations round-trip through the backend first; local state only changes
// after the backend acknowledges, so a failed operation never partially
// applies.
type Store struct {
	mu        sync.RWMutex
	backend   Backend
	projectID string
	logger    *slog.Logger

	scenes  []Scene
	matches []SceneMatch
	byIndex map[int]int // scene index -> position in matches
}

func NewStore(backend Backend, projectID string, logger *slog.Logger) *Store {
	return &Store{
		backend:   backend,
		projectID: projectID,
		logger:    logger,
		byIndex:   map[int]int{},
	}
}

// LoadScenes replaces the scene list wholesale from the backend.
func (s *Store) LoadScenes(ctx context.Context) error {
	scenes, err := s.backend.Scenes(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("load scenes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setScenes(scenes)
	return nil
}

// LoadMatches replaces match state wholesale from the backend. Records
// missing an explicit WasNoMatch flag get it derived from the no-match
// invariant (confidence zero, empty episode).
func (s *Store) LoadMatches(ctx context.Context) error {
	matches, err := s.backend.Matches(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("load matches: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMatches(matches)
	return nil
}

// ReplaceMatches installs a match list already received from the backend
// (e.g. the terminal payload of a match search stream).
func (s *Store) ReplaceMatches(matches []SceneMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMatches(matches)
}

func (s *Store) setScenes(scenes []Scene) {
	s.scenes = append([]Scene(nil), scenes...)
	sort.Slice(s.scenes, func(i, j int) bool { return s.scenes[i].Index < s.scenes[j].Index })
}

func (s *Store) setMatches(matches []SceneMatch) {
	s.matches = append([]SceneMatch(nil), matches...)
	sort.Slice(s.matches, func(i, j int) bool { return s.matches[i].SceneIndex < s.matches[j].SceneIndex })
	s.byIndex = make(map[int]int, len(s.matches))
	for i := range s.matches {
		m := &s.matches[i]
		if m.Confidence == 0 && m.Episode == "" {
			m.WasNoMatch = true
		}
		s.byIndex[m.SceneIndex] = i
	}
}

// ApplyManualMatch persists a manual correction for one scene and, on
// acknowledgement, replaces only that scene's record. A WasNoMatch flag that
// was already true is preserved on the replacement.
func (s *Store) ApplyManualMatch(ctx context.Context, sceneIndex int, episode string, start, end float64) (*SceneMatch, error) {
	if episode == "" {
		return nil, fmt.Errorf("scene %d: episode is required", sceneIndex)
	}
	if start >= end {
		return nil, fmt.Errorf("scene %d: start %.3f must be before end %.3f", sceneIndex, start, end)
	}

	updated, err := s.backend.UpdateMatch(ctx, s.projectID, MatchUpdate{
		SceneIndex: sceneIndex,
		Episode:    episode,
		StartTime:  start,
		EndTime:    end,
		Confirmed:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("update match for scene %d: %w", sceneIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.byIndex[sceneIndex]
	if !ok {
		return nil, fmt.Errorf("scene %d has no match record", sceneIndex)
	}

	record := *updated
	if s.matches[pos].WasNoMatch {
		record.WasNoMatch = true
	}
	s.matches[pos] = record

	out := record
	return &out, nil
}

// AutoFillBestCandidates selects, for every unmatched scene with at least
// one alternative, the highest-confidence alternative (first occurrence on
// ties), persists them all in a single batch call, then applies them locally
// in one pass. Filled records are confirmed and keep WasNoMatch for
// provenance.
func (s *Store) AutoFillBestCandidates(ctx context.Context) (int, error) {
	s.mu.RLock()
	var updates []MatchUpdate
	picks := map[int]AlternativeMatch{}
	for i := range s.matches {
		m := &s.matches[i]
		if m.HasMatch() || len(m.Alternatives) == 0 {
			continue
		}
		best := m.BestAlternative()
		picks[m.SceneIndex] = *best
		updates = append(updates, MatchUpdate{
			SceneIndex: m.SceneIndex,
			Episode:    best.Episode,
			StartTime:  best.StartTime,
			EndTime:    best.EndTime,
			Confirmed:  true,
		})
	}
	s.mu.RUnlock()

	if len(updates) == 0 {
		return 0, nil
	}

	if err := s.backend.UpdateMatchesBatch(ctx, s.projectID, updates); err != nil {
		return 0, fmt.Errorf("batch fill %d scenes: %w", len(updates), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, alt := range picks {
		pos, ok := s.byIndex[idx]
		if !ok {
			continue
		}
		m := &s.matches[pos]
		m.Episode = alt.Episode
		m.StartTime = alt.StartTime
		m.EndTime = alt.EndTime
		m.Confidence = alt.Confidence
		m.SpeedRatio = alt.SpeedRatio
		m.Confirmed = true
		m.WasNoMatch = true
	}

	if s.logger != nil {
		s.logger.Info("auto-filled best candidates", "count", len(updates))
	}
	return len(updates), nil
}

// UndoMerge asks the backend to split a merged scene back into its
// originals. Split boundaries are backend-owned, so the resulting scene and
// match lists replace local state wholesale; nothing is reconstructed
// client-side.
func (s *Store) UndoMerge(ctx context.Context, sceneIndex int) error {
	s.mu.RLock()
	pos, ok := s.byIndex[sceneIndex]
	merged := ok && s.matches[pos].IsMerged()
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("scene %d has no match record", sceneIndex)
	}
	if !merged {
		return fmt.Errorf("scene %d is not a merged scene", sceneIndex)
	}

	result, err := s.backend.UndoMerge(ctx, s.projectID, sceneIndex)
	if err != nil {
		return fmt.Errorf("undo merge for scene %d: %w", sceneIndex, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setScenes(result.Scenes)
	s.setMatches(result.Matches)
	return nil
}

// Scenes returns a copy of the ordered scene list.
func (s *Store) Scenes() []Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Scene(nil), s.scenes...)
}

// Matches returns a copy of the ordered match list.
func (s *Store) Matches() []SceneMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SceneMatch(nil), s.matches...)
}

// Match returns a copy of one scene's record.
func (s *Store) Match(sceneIndex int) (*SceneMatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byIndex[sceneIndex]
	if !ok {
		return nil, false
	}
	m := s.matches[pos]
	return &m, true
}

// Total returns the number of live scenes with match records.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

// ConfirmedCount counts records with a usable match.
func (s *Store) ConfirmedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.matches {
		if s.matches[i].HasMatch() {
			n++
		}
	}
	return n
}

// Complete reports whether every scene has a usable match.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.matches) == 0 {
		return false
	}
	for i := range s.matches {
		if !s.matches[i].HasMatch() {
			return false
		}
	}
	return true
}

// UnmatchedWithAlternatives lists scenes the batch fill would touch; it
// drives the "Fill N" affordance.
func (s *Store) UnmatchedWithAlternatives() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i := range s.matches {
		m := &s.matches[i]
		if !m.HasMatch() && len(m.Alternatives) > 0 {
			out = append(out, m.SceneIndex)
		}
	}
	return out
}
