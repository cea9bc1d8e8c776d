package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrReadyTimeout is returned when a readiness wait exceeds its
	// timeout. Callers treat it exactly like a load error.
	ErrReadyTimeout = errors.New("player: readiness wait timed out")
	// ErrNotUsable is returned from Play when the media is in a sticky
	// error state.
	ErrNotUsable = errors.New("player: media not usable")
)

// Config holds the per-player tunables.
type Config struct {
	ReadyTimeout time.Duration
	RetryWait    time.Duration
	PollInterval time.Duration
	MinReady     ReadyState
	MaxRetries   int
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 8 * time.Second
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 400 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MinReady == HaveNothing {
		c.MinReady = HaveFutureData
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Player presents one media resource restricted to [start, end). Position
// never leaves the range: seeks clamp, playback that reaches end pauses and
// flags ended. Load failures are sticky state queried through HasLoadError,
// never surfaced as panics to coordinators.
type Player struct {
	media  Media
	src    string
	start  float64
	end    float64
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	visible    bool
	loaded     bool
	ended      bool
	playing    bool
	retrying   bool
	loadFailed bool
	retryCount int
	rate       float64
	pollStop   chan struct{}
}

func New(media Media, src string, start, end float64, cfg Config, logger *slog.Logger) *Player {
	return &Player{
		media:  media,
		src:    src,
		start:  start,
		end:    end,
		cfg:    cfg.withDefaults(),
		logger: logger,
		rate:   1.0,
	}
}

// Bounds returns the clip range.
func (p *Player) Bounds() (start, end float64) {
	return p.start, p.end
}

// EnterView marks the player visible and triggers the lazy load. Re-entering
// visibility after LeaveView reloads from scratch.
func (p *Player) EnterView(ctx context.Context) {
	p.mu.Lock()
	p.visible = true
	alreadyLoaded := p.loaded
	p.mu.Unlock()

	if !alreadyLoaded {
		p.load(ctx, p.src)
	}
}

// LeaveView releases the media connection so off-screen players do not hold
// network or decoder resources.
func (p *Player) LeaveView() {
	p.mu.Lock()
	p.visible = false
	p.mu.Unlock()
	p.Release()
}

// ForceLoad loads immediately regardless of visibility. Schedulers use it to
// pre-warm clips before a visibility-triggered load would occur.
func (p *Player) ForceLoad(ctx context.Context) {
	p.mu.Lock()
	alreadyLoaded := p.loaded
	p.mu.Unlock()

	if !alreadyLoaded {
		p.load(ctx, p.src)
	}
}

// Release tears the media down independent of visibility.
func (p *Player) Release() {
	p.stopPoll()
	p.media.Pause()
	p.media.Unload()

	p.mu.Lock()
	p.loaded = false
	p.playing = false
	p.ended = false
	p.loadFailed = false
	p.mu.Unlock()
}

func (p *Player) load(ctx context.Context, src string) {
	err := p.media.Load(ctx, src)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.loadFailed = true
		if p.logger != nil {
			p.logger.Warn("media load failed", "src", src, "error", err)
		}
		return
	}

	p.loaded = true
	p.loadFailed = false
	p.ended = false

	// Metadata pins the position to the clip start.
	if p.media.ReadyState() >= HaveMetadata {
		p.media.Seek(p.start)
	}
}

// WaitUntilReady blocks until the media reaches min readiness, the timeout
// elapses, or ctx is cancelled. Timeout and media errors both mark the
// player failed so coordinators can poll HasLoadError afterwards.
func (p *Player) WaitUntilReady(ctx context.Context, min ReadyState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.cfg.ReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for {
		if err := p.media.Err(); err != nil {
			p.markFailed()
			return fmt.Errorf("player: media error while waiting: %w", err)
		}
		if p.media.ReadyState() >= min {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			p.markFailed()
			return ErrReadyTimeout
		case <-tick.C:
		}
	}
}

func (p *Player) markFailed() {
	p.mu.Lock()
	p.loadFailed = true
	p.playing = false
	p.mu.Unlock()
}

// Play waits for readiness if needed, resets the position into the clip
// range, and starts playback with bounds polling.
func (p *Player) Play(ctx context.Context) error {
	if p.HasLoadError() {
		return ErrNotUsable
	}

	p.ForceLoad(ctx)
	if err := p.WaitUntilReady(ctx, p.cfg.MinReady, p.cfg.ReadyTimeout); err != nil {
		return err
	}

	p.mu.Lock()
	pos := p.media.Position()
	if pos < p.start || pos >= p.end {
		p.media.Seek(p.start)
	}
	p.ended = false
	p.media.SetRate(p.rate)
	err := p.media.Play()
	if err != nil {
		p.loadFailed = true
		p.mu.Unlock()
		return fmt.Errorf("player: start playback: %w", err)
	}
	p.playing = true
	p.mu.Unlock()

	p.startPoll()
	return nil
}

// Pause stops playback without moving the position.
func (p *Player) Pause() {
	p.stopPoll()
	p.media.Pause()

	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// Stop is Pause under the name coordinators use.
func (p *Player) Stop() {
	p.Pause()
}

// Replay rewinds to the clip start and resumes. It backs the one-click
// replay affordance shown once a clip has ended.
func (p *Player) Replay(ctx context.Context) error {
	p.mu.Lock()
	p.media.Seek(p.start)
	p.ended = false
	p.mu.Unlock()
	return p.Play(ctx)
}

// Seek moves the position with clamping: below start clamps up; at or past
// end clamps down to end and flags ended.
func (p *Player) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case seconds < p.start:
		p.media.Seek(p.start)
		p.ended = false
	case seconds >= p.end:
		p.media.Pause()
		p.media.Seek(p.end)
		p.ended = true
		p.playing = false
	default:
		p.media.Seek(seconds)
		p.ended = false
	}
}

// Retry recovers from a sticky load error: full teardown, a short wait so
// the old connection is gone, then a reload with a cache-busting query
// parameter so an intermediary cache cannot replay the broken response.
func (p *Player) Retry(ctx context.Context) {
	p.mu.Lock()
	if p.retrying || p.retryCount >= p.cfg.MaxRetries {
		p.mu.Unlock()
		return
	}
	p.retrying = true
	p.retryCount++
	attempt := p.retryCount
	p.mu.Unlock()

	p.Release()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.retrying = false
		p.mu.Unlock()
		return
	case <-time.After(p.cfg.RetryWait):
	}

	p.load(ctx, cacheBustURL(p.src, attempt))

	p.mu.Lock()
	p.retrying = false
	p.mu.Unlock()
}

// HasLoadError reports the sticky failure state. Coordinators poll this
// instead of receiving exceptions.
func (p *Player) HasLoadError() bool {
	p.mu.Lock()
	failed := p.loadFailed
	p.mu.Unlock()
	return failed || p.media.Err() != nil
}

// IsPlaying reports whether playback is currently running.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.ended
}

// IsEnded reports whether playback reached the clip end.
func (p *Player) IsEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// IsRetrying reports whether a retry cycle is in flight.
func (p *Player) IsRetrying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retrying
}

// RetryCount returns how many cache-busting retries have run.
func (p *Player) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// IsLoaded reports whether the media connection is established.
func (p *Player) IsLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Position returns the current playback position.
func (p *Player) Position() float64 {
	return p.media.Position()
}

// SetRate sets the playback-rate multiplier, applied immediately when
// playing.
func (p *Player) SetRate(rate float64) {
	p.mu.Lock()
	p.rate = rate
	playing := p.playing
	p.mu.Unlock()

	if playing {
		p.media.SetRate(rate)
	}
}

func (p *Player) startPoll() {
	p.mu.Lock()
	if p.pollStop != nil {
		close(p.pollStop)
	}
	stop := make(chan struct{})
	p.pollStop = stop
	p.mu.Unlock()

	go p.poll(stop)
}

func (p *Player) stopPoll() {
	p.mu.Lock()
	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
	p.mu.Unlock()
}

// poll watches the position while playing and enforces the end bound.
func (p *Player) poll(stop chan struct{}) {
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}

		if err := p.media.Err(); err != nil {
			p.mu.Lock()
			p.loadFailed = true
			p.playing = false
			p.mu.Unlock()
			return
		}

		if p.media.Position() >= p.end {
			p.media.Pause()
			p.media.Seek(p.end)

			p.mu.Lock()
			p.ended = true
			p.playing = false
			if p.pollStop == stop {
				p.pollStop = nil
			}
			p.mu.Unlock()
			return
		}
	}
}

func cacheBustURL(src string, attempt int) string {
	u, err := url.Parse(src)
	if err != nil {
		return src
	}
	q := u.Query()
	q.Set("retry", strconv.Itoa(attempt)+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	u.RawQuery = q.Encode()
	return u.String()
}
