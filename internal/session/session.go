// Package session composes the match-validation workflow for one project:
// it loads scenes and matches, folds backend match-search progress into the
// store, owns the per-scene cards, and drives the fast-watch scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/remaster/remaster-agent/internal/backend"
	"github.com/remaster/remaster-agent/internal/card"
	"github.com/remaster/remaster-agent/internal/config"
	"github.com/remaster/remaster-agent/internal/fastwatch"
	"github.com/remaster/remaster-agent/internal/journal"
	"github.com/remaster/remaster-agent/internal/player"
	"github.com/remaster/remaster-agent/internal/remaster"
)

// ErrSearchRunning guards against overlapping match searches.
var ErrSearchRunning = errors.New("session: match search already running")

// MediaFactory builds the playback surface for one clip. Production wires
// player.NewHTTPMedia; tests substitute fakes.
type MediaFactory func() player.Media

// Config wires a session's collaborators.
type Config struct {
	ProjectID    string
	Client       backend.Client
	Journal      journal.Repository
	Tunables     config.Tunables
	MediaFactory MediaFactory
	Logger       *slog.Logger
}

// Service owns the validation state of one project. UI components read
// through it and mutate only through its operations.
type Service struct {
	projectID string
	client    backend.Client
	store     *remaster.Store
	journal   journal.Repository
	sched     *fastwatch.Scheduler
	tunables  config.Tunables
	media     MediaFactory
	logger    *slog.Logger

	mu            sync.Mutex
	cards         map[int]*card.Card
	subscribers   map[int]chan Event
	nextSub       int
	searchRunning bool
	autoScroll    bool
	currentRun    *journal.ReviewRun

	done chan struct{}
}

func New(cfg Config) *Service {
	if cfg.MediaFactory == nil {
		cfg.MediaFactory = func() player.Media { return player.NewHTTPMedia() }
	}

	tun := cfg.Tunables
	s := &Service{
		projectID:   cfg.ProjectID,
		client:      cfg.Client,
		store:       remaster.NewStore(cfg.Client, cfg.ProjectID, cfg.Logger),
		journal:     cfg.Journal,
		tunables:    tun,
		media:       cfg.MediaFactory,
		logger:      cfg.Logger,
		cards:       map[int]*card.Card{},
		subscribers: map[int]chan Event{},
		autoScroll:  true,
		done:        make(chan struct{}),
	}

	s.sched = fastwatch.New(fastwatch.Config{
		MandatoryPrepare: tun.FastWatch.MandatoryPrepare,
		MinSpeed:         tun.FastWatch.MinSpeed,
		MaxSpeed:         tun.FastWatch.MaxSpeed,
		WindowFor:        tun.FastWatch.WindowFor,
	}, cfg.Logger)

	go s.pumpScheduler()
	return s
}

// Open loads scenes and matches and builds the cards.
func (s *Service) Open(ctx context.Context) error {
	if err := s.store.LoadScenes(ctx); err != nil {
		return err
	}
	if err := s.store.LoadMatches(ctx); err != nil {
		return err
	}
	s.rebuildCards()
	return nil
}

func (s *Service) ProjectID() string {
	return s.projectID
}

// Store exposes read access to match state for the API layer.
func (s *Service) Store() *remaster.Store {
	return s.store
}

// Client exposes the backend client for media proxying.
func (s *Service) Client() backend.Client {
	return s.client
}

// ClipURL returns the backend URL of the short input video.
func (s *Service) ClipURL() string {
	return s.client.VideoURL(s.projectID)
}

// SourceURL returns the backend URL of one episode file.
func (s *Service) SourceURL(episode string) string {
	return s.client.SourceVideoURL(s.projectID, episode)
}

// rebuildCards recreates the card set from current store state. Only scenes
// with a usable, range-valid match get a card; nothing renders an inverted
// time range.
func (s *Service) rebuildCards() {
	scenes := s.store.Scenes()
	sceneByIndex := make(map[int]remaster.Scene, len(scenes))
	for _, sc := range scenes {
		sceneByIndex[sc.Index] = sc
	}

	playerCfg := player.Config{
		ReadyTimeout: s.tunables.Player.ReadyTimeout(),
		RetryWait:    s.tunables.Player.RetryWait(),
		PollInterval: s.tunables.Player.PollInterval(),
		MaxRetries:   s.tunables.Player.MaxRetries,
	}
	cardCfg := card.Config{
		PrepareTimeout:      s.tunables.Card.PrepareTimeout(),
		PrepareRetryTimeout: s.tunables.Card.PrepareRetryTimeout(),
		StallWindow:         s.tunables.Card.StallWindow(),
		HardTimeout:         s.tunables.Card.HardTimeout(),
		WatchPoll:           s.tunables.Card.WatchPoll(),
	}

	cards := map[int]*card.Card{}
	for _, m := range s.store.Matches() {
		if !m.HasMatch() || !m.Valid() {
			continue
		}
		scene, ok := sceneByIndex[m.SceneIndex]
		if !ok {
			continue
		}

		clip := player.New(s.media(), s.ClipURL(), scene.StartTime, scene.EndTime, playerCfg, s.logger)
		source := player.New(s.media(), s.SourceURL(m.Episode), m.StartTime, m.EndTime, playerCfg, s.logger)
		cards[m.SceneIndex] = card.New(m.SceneIndex, clip, source, cardCfg, s.logger)
	}

	ordered := make([]fastwatch.Card, 0, len(cards))
	indices := make([]int, 0, len(cards))
	for idx := range cards {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		ordered = append(ordered, cards[idx])
	}

	s.mu.Lock()
	old := s.cards
	s.cards = cards
	s.mu.Unlock()

	s.sched.SetCards(ordered)

	for _, c := range old {
		c.Stop()
		c.ReleasePreload()
	}
}

// Card returns one scene's card handle (used by the per-card "Play Both"
// action).
func (s *Service) Card(sceneIndex int) (*card.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[sceneIndex]
	return c, ok
}

// RunMatchSearch streams the backend match search into the store. Progress
// records fan out to subscribers; the terminal record either replaces match
// state wholesale or surfaces as a page-level error.
func (s *Service) RunMatchSearch(ctx context.Context, mergeContinuous bool) error {
	s.mu.Lock()
	if s.searchRunning {
		s.mu.Unlock()
		return ErrSearchRunning
	}
	s.searchRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.searchRunning = false
		s.mu.Unlock()
	}()

	var searchErr error
	err := s.client.FindMatches(ctx, s.projectID, mergeContinuous, func(ev backend.MatchSearchEvent) error {
		switch ev.Status {
		case backend.StatusComplete:
			s.store.ReplaceMatches(ev.Matches)
			s.rebuildCards()
			s.publish(Event{
				Type:      EventMatches,
				Confirmed: s.store.ConfirmedCount(),
				Total:     s.store.Total(),
			})
		case backend.StatusError:
			searchErr = fmt.Errorf("match search failed: %s", ev.Error)
		default:
			update := Event{
				Type:     EventSearchProgress,
				Progress: ev.Progress,
				Message:  ev.Message,
			}
			if ev.SceneIndex != nil {
				update.SceneIndex = *ev.SceneIndex
			}
			s.publish(update)
		}
		return nil
	})

	if err == nil {
		err = searchErr
	}
	if err != nil {
		s.publish(Event{Type: EventError, Error: err.Error()})
	}
	return err
}

// SetManualMatch persists a manual correction and rebuilds the affected
// cards.
func (s *Service) SetManualMatch(ctx context.Context, sceneIndex int, episode string, start, end float64) (*remaster.SceneMatch, error) {
	updated, err := s.store.ApplyManualMatch(ctx, sceneIndex, episode, start, end)
	if err != nil {
		return nil, err
	}
	s.rebuildCards()
	s.publishMatchCounts()
	return updated, nil
}

// AutoFill applies the best alternative to every unmatched scene that has
// one, through a single batch persistence call.
func (s *Service) AutoFill(ctx context.Context) (int, error) {
	filled, err := s.store.AutoFillBestCandidates(ctx)
	if err != nil {
		return 0, err
	}
	if filled > 0 {
		s.rebuildCards()
		s.publishMatchCounts()
	}
	return filled, nil
}

// UndoMerge splits a merged scene back into its originals.
func (s *Service) UndoMerge(ctx context.Context, sceneIndex int) error {
	if err := s.store.UndoMerge(ctx, sceneIndex); err != nil {
		return err
	}
	s.rebuildCards()
	s.publishMatchCounts()
	return nil
}

func (s *Service) publishMatchCounts() {
	s.publish(Event{
		Type:      EventMatches,
		Confirmed: s.store.ConfirmedCount(),
		Total:     s.store.Total(),
	})
}

// StartFastWatch begins a play-through from the given scene. A zero speed
// keeps the current one.
func (s *Service) StartFastWatch(ctx context.Context, fromScene int, speed float64) error {
	if speed > 0 {
		s.sched.SetSpeed(speed)
	}

	if s.journal != nil {
		total := len(s.cardsSnapshot())
		run, err := s.journal.CreateRun(ctx, s.projectID, s.sched.Speed(), fromScene, total)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to record review run", "error", err)
			}
		} else {
			s.mu.Lock()
			s.currentRun = run
			s.mu.Unlock()
		}
	}

	return s.sched.Start(fromScene)
}

// StopFastWatch halts the run and closes out its journal entry.
func (s *Service) StopFastWatch() {
	s.sched.Stop()
	s.finishRun()
}

// Scrub jumps to a scene; a live run restarts from there.
func (s *Service) Scrub(sceneIndex int) error {
	return s.sched.Scrub(sceneIndex)
}

// SetSpeed adjusts the playback multiplier and returns the clamped value.
func (s *Service) SetSpeed(speed float64) float64 {
	return s.sched.SetSpeed(speed)
}

// SetAutoScroll toggles follow-the-active-scene scrolling for the page.
func (s *Service) SetAutoScroll(on bool) {
	s.mu.Lock()
	s.autoScroll = on
	s.mu.Unlock()
}

// Status snapshots the page state, including the completion gate for the
// "Continue" action.
func (s *Service) Status() Status {
	s.mu.Lock()
	autoScroll := s.autoScroll
	searchRunning := s.searchRunning
	s.mu.Unlock()

	return Status{
		ProjectID:     s.projectID,
		Total:         s.store.Total(),
		Confirmed:     s.store.ConfirmedCount(),
		Complete:      s.store.Complete(),
		FillCount:     len(s.store.UnmatchedWithAlternatives()),
		ActiveScene:   s.sched.ActiveScene(),
		Playing:       s.sched.IsPlaying(),
		Speed:         s.sched.Speed(),
		AutoScroll:    autoScroll,
		SearchRunning: searchRunning,
	}
}

// Subscribe registers an event stream consumer. The returned cancel must be
// called when the consumer goes away.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 32)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
}

func (s *Service) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the workflow.
		}
	}
}

// pumpScheduler fans scheduler updates out to subscribers and records scene
// outcomes in the journal.
func (s *Service) pumpScheduler() {
	for {
		select {
		case <-s.done:
			return
		case u := <-s.sched.Updates():
			s.publish(Event{
				Type:       EventFastWatch,
				SceneIndex: u.SceneIndex,
				Playing:    u.Playing,
				Skipped:    u.Skipped,
				Done:       u.Done,
				Speed:      u.Speed,
			})

			if u.Done {
				s.finishRun()
				continue
			}
			if u.Playing {
				s.recordOutcome(u)
			}
		}
	}
}

func (s *Service) recordOutcome(u fastwatch.Update) {
	s.mu.Lock()
	run := s.currentRun
	s.mu.Unlock()
	if run == nil || s.journal == nil {
		return
	}

	outcome := journal.OutcomePlayed
	detail := ""
	if u.Skipped {
		outcome = journal.OutcomeSkipped
		detail = "prepare failed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.RecordOutcome(ctx, run.ID, u.SceneIndex, outcome, detail); err != nil && s.logger != nil {
		s.logger.Warn("failed to record scene outcome", "error", err)
	}
}

func (s *Service) finishRun() {
	s.mu.Lock()
	run := s.currentRun
	s.currentRun = nil
	s.mu.Unlock()
	if run == nil || s.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.FinishRun(ctx, run.ID); err != nil && s.logger != nil {
		s.logger.Warn("failed to finish review run", "error", err)
	}
}

func (s *Service) cardsSnapshot() map[int]*card.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*card.Card, len(s.cards))
	for k, v := range s.cards {
		out[k] = v
	}
	return out
}

// Close tears the session down.
func (s *Service) Close() {
	s.sched.Close()
	s.finishRun()

	close(s.done)

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	cards := s.cards
	s.cards = map[int]*card.Card{}
	s.mu.Unlock()

	for _, c := range cards {
		c.Stop()
		c.ReleasePreload()
	}
}
