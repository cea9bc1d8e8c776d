// Package fastwatch sequences synchronized playback across every scene
// pair, back to back, at a user-selected speed. It prefetches a bounded
// look-ahead window of upcoming scenes, serializes preparation work, skips
// scenes that fail, and is cancellable at any point through a run token.
package fastwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Card is the narrow handle the scheduler drives. It never reaches into a
// card's players directly.
type Card interface {
	SceneIndex() int
	PrepareForAutoplay(ctx context.Context) error
	PlayBothAndWait(ctx context.Context) error
	ReleasePreload()
	Stop()
	SetRate(rate float64)
}

// ErrStaleRun marks async work that belongs to a superseded run.
var ErrStaleRun = errors.New("fastwatch: stale run")

// Config holds the scheduler tunables.
type Config struct {
	// MandatoryPrepare is how many scenes are awaited before playback of
	// the first one starts.
	MandatoryPrepare int
	MinSpeed         float64
	MaxSpeed         float64
	// WindowFor maps the speed multiplier to (look-ahead, keep-behind).
	WindowFor func(speed float64) (ahead, behind int)
}

func (c Config) withDefaults() Config {
	if c.MandatoryPrepare < 1 {
		c.MandatoryPrepare = 2
	}
	if c.MinSpeed <= 0 {
		c.MinSpeed = 0.5
	}
	if c.MaxSpeed < c.MinSpeed {
		c.MaxSpeed = 6.0
	}
	if c.WindowFor == nil {
		c.WindowFor = func(speed float64) (int, int) {
			switch {
			case speed <= 2.0:
				return 2, 1
			case speed <= 4.0:
				return 3, 1
			default:
				return 4, 0
			}
		}
	}
	return c
}

// Update is one state change published to subscribers (active scene
// highlighting, transport state, completion).
type Update struct {
	Token      int64   `json:"token"`
	SceneIndex int     `json:"scene_index"`
	Playing    bool    `json:"playing"`
	Skipped    bool    `json:"skipped,omitempty"`
	Done       bool    `json:"done,omitempty"`
	Speed      float64 `json:"speed"`
}

type prepJob struct {
	ctx   context.Context
	token int64
	card  Card
	res   *prepResult
}

type prepResult struct {
	done chan struct{}
	err  error
}

func (r *prepResult) finish(err error) {
	r.err = err
	close(r.done)
}

// Scheduler runs at most one play-through at a time. Every mutation of
// shared state checks the run token first; starting a new run is the same
// thing as cancelling the old one.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	token atomic.Int64

	mu         sync.Mutex
	cards      []Card
	speed      float64
	playing    bool
	activePos  int
	activeCard Card
	runCancel  context.CancelFunc

	updates chan Update
	prepCh  chan prepJob
	closed  chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		speed:   1.0,
		updates: make(chan Update, 64),
		prepCh:  make(chan prepJob, 64),
		closed:  make(chan struct{}),
	}
	go s.prepWorker()
	return s
}

// prepWorker serializes all preparation so that, no matter how many scenes
// are scheduled at once, at most one prepare is actively progressing. This
// is what caps simultaneous media connections during prefetch.
func (s *Scheduler) prepWorker() {
	for {
		select {
		case <-s.closed:
			return
		case job := <-s.prepCh:
			if job.token != s.token.Load() || job.ctx.Err() != nil {
				job.res.finish(ErrStaleRun)
				continue
			}
			job.res.finish(job.card.PrepareForAutoplay(job.ctx))
		}
	}
}

// SetCards installs the ordered scene card list. Any running play-through
// is stopped first.
func (s *Scheduler) SetCards(cards []Card) {
	s.Stop()
	s.mu.Lock()
	s.cards = append([]Card(nil), cards...)
	s.mu.Unlock()
}

// Updates returns the state stream. Slow consumers lose intermediate
// updates rather than blocking the scheduler.
func (s *Scheduler) Updates() <-chan Update {
	return s.updates
}

// Speed returns the current multiplier.
func (s *Scheduler) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// SetSpeed changes the multiplier, clamped to the supported range. A live
// run picks it up immediately for the active card and for the window sizing
// of subsequent scenes.
func (s *Scheduler) SetSpeed(speed float64) float64 {
	if speed < s.cfg.MinSpeed {
		speed = s.cfg.MinSpeed
	}
	if speed > s.cfg.MaxSpeed {
		speed = s.cfg.MaxSpeed
	}

	s.mu.Lock()
	s.speed = speed
	active := s.activeCard
	s.mu.Unlock()

	if active != nil {
		active.SetRate(speed)
	}
	return speed
}

// IsPlaying reports whether a run is in progress.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// ActiveScene returns the scene index currently highlighted, or -1.
func (s *Scheduler) ActiveScene() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCard == nil {
		return -1
	}
	return s.activeCard.SceneIndex()
}

// Start begins a play-through from the given scene. It first advances the
// run token, which cancels any previous run at its next suspension point.
func (s *Scheduler) Start(fromScene int) error {
	s.cancelCurrent()

	s.mu.Lock()
	if len(s.cards) == 0 {
		s.mu.Unlock()
		return errors.New("fastwatch: no cards loaded")
	}

	startPos := len(s.cards)
	for i, c := range s.cards {
		if c.SceneIndex() >= fromScene {
			startPos = i
			break
		}
	}
	if startPos == len(s.cards) {
		// Nothing at or past fromScene: the run is over before it begins.
		tok := s.token.Load()
		s.mu.Unlock()
		s.publish(Update{Token: tok, SceneIndex: fromScene, Playing: false, Done: true, Speed: s.Speed()})
		return nil
	}

	tok := s.token.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.playing = true
	s.activePos = startPos
	cards := s.cards
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("fast watch run starting", "run_token", tok, "from_scene", fromScene)
	}

	go s.run(ctx, tok, cards, startPos)
	return nil
}

// Stop ends the current run: token bump first, then cancellation, then a
// synchronous pause of whichever card is playing so no media keeps running.
func (s *Scheduler) Stop() {
	s.cancelCurrent()
	s.publish(Update{Token: s.token.Load(), SceneIndex: s.ActiveScene(), Playing: false, Speed: s.Speed()})
}

func (s *Scheduler) cancelCurrent() {
	s.token.Add(1)

	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	active := s.activeCard
	s.playing = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		active.Stop()
	}
}

// Scrub jumps to an arbitrary scene. While playing this restarts the run
// from there; otherwise it only moves the highlight.
func (s *Scheduler) Scrub(sceneIndex int) error {
	if s.IsPlaying() {
		return s.Start(sceneIndex)
	}

	s.mu.Lock()
	for i, c := range s.cards {
		if c.SceneIndex() == sceneIndex {
			s.activePos = i
			s.activeCard = c
			break
		}
	}
	s.mu.Unlock()

	s.publish(Update{Token: s.token.Load(), SceneIndex: sceneIndex, Playing: false, Speed: s.Speed()})
	return nil
}

// Close shuts the scheduler down for good.
func (s *Scheduler) Close() {
	s.cancelCurrent()
	close(s.closed)
}

func (s *Scheduler) run(ctx context.Context, tok int64, cards []Card, startPos int) {
	prepared := map[int]*prepResult{}

	// Whatever is still warm when the run ends, for any reason, gets
	// dropped. ReleasePreload never touches a card that is playing, so a
	// superseding run is safe from this cleanup.
	defer func() {
		for pos := range prepared {
			cards[pos].ReleasePreload()
		}
	}()

	schedule := func(pos int) *prepResult {
		if res, ok := prepared[pos]; ok {
			return res
		}
		res := &prepResult{done: make(chan struct{})}
		prepared[pos] = res
		select {
		case s.prepCh <- prepJob{ctx: ctx, token: tok, card: cards[pos], res: res}:
		case <-ctx.Done():
			res.finish(ctx.Err())
		}
		return res
	}

	releaseOutside := func(lo, hi int) {
		for pos := range prepared {
			if pos < lo || pos > hi {
				cards[pos].ReleasePreload()
				delete(prepared, pos)
			}
		}
	}

	// Nothing plays before the first scenes are ready.
	mandatory := startPos + s.cfg.MandatoryPrepare
	if mandatory > len(cards) {
		mandatory = len(cards)
	}
	for pos := startPos; pos < mandatory; pos++ {
		res := schedule(pos)
		select {
		case <-res.done:
		case <-ctx.Done():
			return
		}
	}

	for pos := startPos; pos < len(cards); pos++ {
		if tok != s.token.Load() {
			return
		}

		res := schedule(pos)
		select {
		case <-res.done:
		case <-ctx.Done():
			return
		}

		if tok != s.token.Load() {
			return
		}

		speed := s.Speed()
		ahead, behind := s.cfg.WindowFor(speed)
		for next := pos + 1; next <= pos+ahead && next < len(cards); next++ {
			schedule(next)
		}

		current := cards[pos]
		if !s.setActive(tok, pos, current) {
			return
		}

		if res.err != nil {
			// A failed scene stays visible but is never played.
			if s.logger != nil && !errors.Is(res.err, context.Canceled) {
				s.logger.Warn("skipping unplayable scene", "run_token", tok, "scene_index", current.SceneIndex(), "error", res.err)
			}
			s.publish(Update{Token: tok, SceneIndex: current.SceneIndex(), Playing: true, Skipped: true, Speed: speed})
		} else {
			current.SetRate(speed)
			s.publish(Update{Token: tok, SceneIndex: current.SceneIndex(), Playing: true, Speed: speed})

			if err := current.PlayBothAndWait(ctx); err != nil && tok == s.token.Load() {
				if s.logger != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("scene playback failed", "run_token", tok, "scene_index", current.SceneIndex(), "error", err)
				}
			}
		}

		if tok != s.token.Load() {
			return
		}
		releaseOutside(pos-behind, pos+ahead)
	}

	// The full sequence completed: end the run and drop every warm clip.
	if s.token.CompareAndSwap(tok, tok+1) {
		s.mu.Lock()
		s.playing = false
		s.runCancel = nil
		s.mu.Unlock()
	}

	s.publish(Update{Token: tok, SceneIndex: s.ActiveScene(), Playing: false, Done: true, Speed: s.Speed()})
	if s.logger != nil {
		s.logger.Info("fast watch run complete", "run_token", tok)
	}
}

// setActive moves the highlight. Updates are monotonic within a run: a
// stale branch trying to move the highlight backwards is dropped.
func (s *Scheduler) setActive(tok int64, pos int, card Card) bool {
	if tok != s.token.Load() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < s.activePos {
		return false
	}
	s.activePos = pos
	s.activeCard = card
	return true
}

func (s *Scheduler) publish(u Update) {
	select {
	case s.updates <- u:
	default:
		// Slow consumer; drop rather than stall playback.
	}
}
