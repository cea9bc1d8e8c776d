package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMedia is a scriptable in-memory media surface.
type fakeMedia struct {
	mu       sync.Mutex
	state    ReadyState
	pos      float64
	rate     float64
	playing  bool
	loads    []string
	unloads  int
	loadErr  error
	playErr  error
	stickyER error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{rate: 1.0}
}

func (f *fakeMedia) Load(ctx context.Context, src string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, src)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.state = HaveEnoughData
	f.stickyER = nil
	return nil
}

func (f *fakeMedia) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	f.state = HaveNothing
	f.playing = false
}

func (f *fakeMedia) ReadyState() ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMedia) Duration() float64 { return 0 }

func (f *fakeMedia) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeMedia) Seek(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = seconds
}

func (f *fakeMedia) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = true
	return nil
}

func (f *fakeMedia) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
}

func (f *fakeMedia) SetRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
}

func (f *fakeMedia) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stickyER
}

func (f *fakeMedia) setState(s ReadyState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeMedia) advance(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos += seconds
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		ReadyTimeout: 200 * time.Millisecond,
		RetryWait:    10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   3,
	}
}

func TestSeek_Clamps(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 2.0, 5.0, fastConfig(), discard())

	p.Seek(1.0)
	if got := m.Position(); got != 2.0 {
		t.Errorf("seek below start: pos = %v, want 2.0", got)
	}
	if p.IsEnded() {
		t.Error("clamp-up must not flag ended")
	}

	p.Seek(3.5)
	if got := m.Position(); got != 3.5 {
		t.Errorf("in-range seek: pos = %v", got)
	}

	p.Seek(6.0)
	if got := m.Position(); got != 5.0 {
		t.Errorf("seek past end: pos = %v, want 5.0", got)
	}
	if !p.IsEnded() {
		t.Error("clamp-down to end must flag ended")
	}
}

func TestPlay_ResetsOutOfRangePosition(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 2.0, 5.0, fastConfig(), discard())

	m.pos = 7.0
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Pause()

	if got := m.Position(); got != 2.0 {
		t.Errorf("play from out of range: pos = %v, want clip start", got)
	}
	if !p.IsPlaying() {
		t.Error("player should report playing")
	}
}

func TestPlay_PauseThenResumeKeepsPosition(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 2.0, 5.0, fastConfig(), discard())

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.advance(1.0) // mid-clip at 3.0

	p.Pause()
	if p.IsPlaying() {
		t.Error("player should report paused")
	}
	if got := m.Position(); got != 3.0 {
		t.Errorf("pause moved the position: pos = %v, want 3.0", got)
	}

	// Resuming from an in-range position must not snap back to the start.
	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Pause()

	if got := m.Position(); got != 3.0 {
		t.Errorf("resume reset the position: pos = %v, want 3.0", got)
	}
	if !p.IsPlaying() {
		t.Error("player should report playing after resume")
	}
	if p.IsEnded() {
		t.Error("mid-clip resume must not flag ended")
	}
}

func TestPoll_EnforcesEndBound(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 0, 1.0, fastConfig(), discard())

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.advance(2.0)

	deadline := time.After(time.Second)
	for !p.IsEnded() {
		select {
		case <-deadline:
			t.Fatal("end bound never enforced")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := m.Position(); got != 1.0 {
		t.Errorf("pos after end = %v, want clamped to end", got)
	}
	if p.IsPlaying() {
		t.Error("player must stop at end")
	}
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 0, 1.0, fastConfig(), discard())

	// Stuck below the requested readiness.
	p.ForceLoad(context.Background())
	m.setState(HaveMetadata)

	err := p.WaitUntilReady(context.Background(), HaveFutureData, 50*time.Millisecond)
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("err = %v, want ErrReadyTimeout", err)
	}
	if !p.HasLoadError() {
		t.Error("timeout must leave the player in sticky failure")
	}
}

func TestPlay_NotUsableAfterFailure(t *testing.T) {
	m := newFakeMedia()
	m.loadErr = errors.New("connection refused")
	p := New(m, "clip", 0, 1.0, fastConfig(), discard())

	p.ForceLoad(context.Background())
	if !p.HasLoadError() {
		t.Fatal("load failure must be sticky")
	}
	if err := p.Play(context.Background()); !errors.Is(err, ErrNotUsable) {
		t.Errorf("err = %v, want ErrNotUsable", err)
	}
}

func TestRetry_CacheBustsAndCaps(t *testing.T) {
	m := newFakeMedia()
	m.loadErr = errors.New("connection refused")
	p := New(m, "http://host/clip.mp4", 0, 1.0, fastConfig(), discard())

	p.ForceLoad(context.Background())

	m.loadErr = nil
	p.Retry(context.Background())

	if p.HasLoadError() {
		t.Error("successful retry must clear the failure")
	}
	if p.RetryCount() != 1 {
		t.Errorf("retry count = %d, want 1", p.RetryCount())
	}
	last := m.loads[len(m.loads)-1]
	if !strings.Contains(last, "retry=1-") {
		t.Errorf("retry load %q missing cache-bust parameter", last)
	}

	p.Retry(context.Background())
	p.Retry(context.Background())
	p.Retry(context.Background())
	if p.RetryCount() > 3 {
		t.Errorf("retry count = %d, want capped at 3", p.RetryCount())
	}
}

func TestVisibilityLifecycle(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 1.0, 4.0, fastConfig(), discard())

	p.EnterView(context.Background())
	if !p.IsLoaded() {
		t.Fatal("entering view must load")
	}
	if got := m.Position(); got != 1.0 {
		t.Errorf("load must pin position to start, pos = %v", got)
	}

	p.LeaveView()
	if p.IsLoaded() {
		t.Error("leaving view must unload")
	}
	if m.unloads != 1 {
		t.Errorf("unloads = %d, want 1", m.unloads)
	}

	// Re-entering reloads from scratch.
	p.EnterView(context.Background())
	if !p.IsLoaded() {
		t.Error("re-entering view must reload")
	}
	if len(m.loads) != 2 {
		t.Errorf("loads = %d, want 2", len(m.loads))
	}
}

func TestReplay(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 2.0, 5.0, fastConfig(), discard())

	p.Seek(6.0)
	if !p.IsEnded() {
		t.Fatal("setup: expected ended")
	}

	if err := p.Replay(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Pause()

	if p.IsEnded() {
		t.Error("replay must clear ended")
	}
	if got := m.Position(); got != 2.0 {
		t.Errorf("replay pos = %v, want clip start", got)
	}
}

func TestSetRate_AppliedWhilePlaying(t *testing.T) {
	m := newFakeMedia()
	p := New(m, "clip", 0, 10, fastConfig(), discard())

	p.SetRate(3.0)
	if m.rate != 1.0 {
		t.Error("rate must not reach paused media")
	}

	if err := p.Play(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Pause()

	if m.rate != 3.0 {
		t.Errorf("media rate = %v, want 3.0 applied at play", m.rate)
	}
}
