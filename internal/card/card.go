// Package card pairs the short-clip player with the matched source-clip
// player for one scene and provides the synchronized operations a scheduler
// drives: prepare both, play both and wait for both to finish, release.
package card

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/remaster/remaster-agent/internal/player"
)

var (
	// ErrPrepareFailed means the pair could not be made ready, even after
	// the single recovery attempt. The caller should skip this scene.
	ErrPrepareFailed = errors.New("card: prepare failed")
	// ErrPlaybackStalled means the stall guard or the hard backstop fired
	// while playing.
	ErrPlaybackStalled = errors.New("card: playback stalled")
	// ErrAlreadyPlaying guards against overlapping play invocations.
	ErrAlreadyPlaying = errors.New("card: already playing")
)

// State is the card lifecycle.
type State int

const (
	Idle State = iota
	Preparing
	Primed
	Playing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Primed:
		return "primed"
	case Playing:
		return "playing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the card tunables.
type Config struct {
	PrepareTimeout      time.Duration
	PrepareRetryTimeout time.Duration
	StallWindow         time.Duration
	HardTimeout         time.Duration
	WatchPoll           time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 8 * time.Second
	}
	if c.PrepareRetryTimeout <= 0 {
		c.PrepareRetryTimeout = 12 * time.Second
	}
	if c.StallWindow <= 0 {
		c.StallWindow = 1400 * time.Millisecond
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 12 * time.Second
	}
	if c.WatchPoll <= 0 {
		c.WatchPoll = 100 * time.Millisecond
	}
	return c
}

// startEpsilon is how far past the clip start the position must move before
// playback counts as visibly started.
const startEpsilon = 0.01

// Card owns exactly two players. Coordinators never reach the players
// directly; everything goes through this handle.
type Card struct {
	sceneIndex int
	clip       *player.Player
	source     *player.Player
	cfg        Config
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	rate  float64
	stop  chan struct{}
}

func New(sceneIndex int, clip, source *player.Player, cfg Config, logger *slog.Logger) *Card {
	return &Card{
		sceneIndex: sceneIndex,
		clip:       clip,
		source:     source,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		rate:       1.0,
	}
}

func (c *Card) SceneIndex() int {
	return c.sceneIndex
}

func (c *Card) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRate applies a playback-rate multiplier to both players.
func (c *Card) SetRate(rate float64) {
	c.mu.Lock()
	c.rate = rate
	c.mu.Unlock()
	c.clip.SetRate(rate)
	c.source.SetRate(rate)
}

// PrepareForAutoplay forces both players loaded, waits for readiness within
// the prepare timeout and primes the positions to the clip starts. On
// failure it performs exactly one recovery attempt (retry both, re-wait with
// the extended timeout) before giving up. Never panics; a failed card just
// reports ErrPrepareFailed and moves to Failed.
func (c *Card) PrepareForAutoplay(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Primed, Playing:
		c.mu.Unlock()
		return nil
	}
	c.state = Preparing
	c.mu.Unlock()

	c.clip.ForceLoad(ctx)
	c.source.ForceLoad(ctx)

	if err := c.waitBoth(ctx, c.cfg.PrepareTimeout); err != nil {
		if ctx.Err() != nil {
			c.setState(Idle)
			return ctx.Err()
		}

		if c.logger != nil {
			c.logger.Debug("prepare failed, attempting recovery", "scene_index", c.sceneIndex, "error", err)
		}
		c.clip.Retry(ctx)
		c.source.Retry(ctx)

		if err := c.waitBoth(ctx, c.cfg.PrepareRetryTimeout); err != nil {
			c.setState(Failed)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrPrepareFailed
		}
	}

	c.prime()
	c.setState(Primed)
	return nil
}

func (c *Card) waitBoth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := c.clip.WaitUntilReady(ctx, player.HaveFutureData, timeout); err != nil {
		return err
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		// The clip consumed the whole budget; a non-positive timeout would
		// fall back to the player default instead of failing here.
		remaining = time.Millisecond
	}
	return c.source.WaitUntilReady(ctx, player.HaveFutureData, remaining)
}

func (c *Card) prime() {
	clipStart, _ := c.clip.Bounds()
	srcStart, _ := c.source.Bounds()
	c.clip.Seek(clipStart)
	c.source.Seek(srcStart)
}

// PlayBothAndWait starts both players in lockstep and blocks until both
// report ended, the card is stopped, or the stall guard fires. If the card
// is not primed it runs the full wait-then-seek-then-play sequence first.
// Stop resolves the wait with nil; failures resolve with an error so the
// scheduler can advance — nothing here ever hangs indefinitely.
func (c *Card) PlayBothAndWait(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Playing {
		c.mu.Unlock()
		return ErrAlreadyPlaying
	}
	primed := c.state == Primed
	c.mu.Unlock()

	if !primed {
		if err := c.PrepareForAutoplay(ctx); err != nil {
			return err
		}
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stop = stop
	c.state = Playing
	rate := c.rate
	c.mu.Unlock()

	if err := c.playBoth(ctx); err != nil {
		c.pauseBoth()
		c.setState(Failed)
		return err
	}

	return c.watch(ctx, stop, rate)
}

func (c *Card) playBoth(ctx context.Context) error {
	if err := c.clip.Play(ctx); err != nil {
		return err
	}
	if err := c.source.Play(ctx); err != nil {
		c.clip.Pause()
		return err
	}
	return nil
}

// watch polls both players until both ended. The stall window catches
// playback that never visibly starts; the hard deadline catches a missed
// ended transition.
func (c *Card) watch(ctx context.Context, stop chan struct{}, rate float64) error {
	startedAt := time.Now()
	expected := c.expectedDuration(rate)
	hardDeadline := startedAt.Add(expected + c.cfg.HardTimeout)

	tick := time.NewTicker(c.cfg.WatchPoll)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			// Stop already paused both players.
			return nil
		case <-ctx.Done():
			c.pauseBoth()
			c.setState(Idle)
			return ctx.Err()
		case <-tick.C:
		}

		if c.clip.IsEnded() && c.source.IsEnded() {
			c.setState(Idle)
			return nil
		}

		if c.clip.HasLoadError() || c.source.HasLoadError() {
			c.pauseBoth()
			c.setState(Failed)
			return ErrPlaybackStalled
		}

		if time.Since(startedAt) > c.cfg.StallWindow && !c.bothStarted() {
			c.pauseBoth()
			c.setState(Failed)
			return ErrPlaybackStalled
		}

		if time.Now().After(hardDeadline) {
			c.pauseBoth()
			c.setState(Failed)
			return ErrPlaybackStalled
		}
	}
}

func (c *Card) expectedDuration(rate float64) time.Duration {
	clipStart, clipEnd := c.clip.Bounds()
	srcStart, srcEnd := c.source.Bounds()
	longest := clipEnd - clipStart
	if span := srcEnd - srcStart; span > longest {
		longest = span
	}
	if rate <= 0 {
		rate = 1.0
	}
	return time.Duration(longest / rate * float64(time.Second))
}

func (c *Card) bothStarted() bool {
	clipStart, _ := c.clip.Bounds()
	srcStart, _ := c.source.Bounds()
	clipOK := c.clip.IsEnded() || c.clip.Position() > clipStart+startEpsilon
	srcOK := c.source.IsEnded() || c.source.Position() > srcStart+startEpsilon
	return clipOK && srcOK
}

// Stop pauses both players, resolves any outstanding wait and clears
// primed/failed flags.
func (c *Card) Stop() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.state = Idle
	c.mu.Unlock()

	c.pauseBoth()
}

// ReleasePreload tears down forced preload on both players. It never
// touches a card that is currently playing; the scheduler calls this for
// scenes that fell out of the look-ahead window.
func (c *Card) ReleasePreload() {
	c.mu.Lock()
	if c.state == Playing {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.mu.Unlock()

	c.clip.Release()
	c.source.Release()
}

func (c *Card) pauseBoth() {
	c.clip.Pause()
	c.source.Pause()
}

func (c *Card) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
