package card

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/remaster/remaster-agent/internal/player"
)

// stubMedia is a minimal scriptable media surface for pair tests.
type stubMedia struct {
	mu      sync.Mutex
	state   player.ReadyState
	pos     float64
	loadErr error
}

func (s *stubMedia) Load(ctx context.Context, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	s.state = player.HaveEnoughData
	return nil
}

func (s *stubMedia) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = player.HaveNothing
}

func (s *stubMedia) ReadyState() player.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubMedia) Duration() float64 { return 0 }

func (s *stubMedia) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *stubMedia) Seek(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = seconds
}

func (s *stubMedia) Play() error        { return nil }
func (s *stubMedia) Pause()             {}
func (s *stubMedia) SetRate(r float64)  {}
func (s *stubMedia) Err() error         { return nil }

func (s *stubMedia) advance(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos += seconds
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPlayerConfig() player.Config {
	return player.Config{
		ReadyTimeout: 100 * time.Millisecond,
		RetryWait:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   3,
	}
}

func fastCardConfig() Config {
	return Config{
		PrepareTimeout:      100 * time.Millisecond,
		PrepareRetryTimeout: 100 * time.Millisecond,
		StallWindow:         80 * time.Millisecond,
		HardTimeout:         200 * time.Millisecond,
		WatchPoll:           5 * time.Millisecond,
	}
}

func newTestCard(t *testing.T, clipMedia, srcMedia player.Media) *Card {
	t.Helper()
	clip := player.New(clipMedia, "clip", 0, 0.2, fastPlayerConfig(), discard())
	source := player.New(srcMedia, "source", 10, 10.2, fastPlayerConfig(), discard())
	return New(7, clip, source, fastCardConfig(), discard())
}

func TestPrepare_Primes(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != Primed {
		t.Errorf("state = %v, want primed", c.State())
	}
	if clipM.Position() != 0 || srcM.Position() != 10 {
		t.Errorf("positions = %v, %v, want pinned to clip starts", clipM.Position(), srcM.Position())
	}

	// Idempotent once primed.
	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Errorf("second prepare: %v", err)
	}
}

func TestPrepare_FailsAfterOneRecovery(t *testing.T) {
	clipM := &stubMedia{loadErr: errors.New("connection refused")}
	srcM := &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	err := c.PrepareForAutoplay(context.Background())
	if !errors.Is(err, ErrPrepareFailed) {
		t.Fatalf("err = %v, want ErrPrepareFailed", err)
	}
	if c.State() != Failed {
		t.Errorf("state = %v, want failed", c.State())
	}
}

func TestPrepare_RecoverySucceeds(t *testing.T) {
	clipM := &stubMedia{loadErr: errors.New("transient")}
	srcM := &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	// Heal the transport after the first failed load so the single
	// recovery attempt succeeds.
	go func() {
		time.Sleep(20 * time.Millisecond)
		clipM.mu.Lock()
		clipM.loadErr = nil
		clipM.mu.Unlock()
	}()

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != Primed {
		t.Errorf("state = %v, want primed", c.State())
	}
}

func TestWaitBoth_ExhaustedBudgetFailsFast(t *testing.T) {
	slowDefault := fastPlayerConfig()
	slowDefault.ReadyTimeout = 5 * time.Second

	clipM := &stubMedia{state: player.HaveEnoughData}
	srcM := &stubMedia{} // never becomes ready
	clip := player.New(clipM, "clip", 0, 0.2, slowDefault, discard())
	source := player.New(srcM, "source", 10, 10.2, slowDefault, discard())
	c := New(7, clip, source, fastCardConfig(), discard())

	// The clip is ready up front, so a zero budget is gone before the
	// source's turn. The leftover must not widen into the player's
	// default ready timeout.
	start := time.Now()
	err := c.waitBoth(context.Background(), 0)
	if err == nil {
		t.Fatal("source never became ready, want error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waitBoth took %v, want prompt failure on an exhausted budget", elapsed)
	}
}

func TestPlayBoth_ResolvesWhenBothEnd(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.PlayBothAndWait(context.Background()) }()

	// Let playback start, then run both clips past their ends.
	time.Sleep(20 * time.Millisecond)
	clipM.advance(1.0)
	srcM.advance(1.0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never resolved")
	}
	if c.State() != Idle {
		t.Errorf("state = %v, want idle after completion", c.State())
	}
}

func TestPlayBoth_StallGuard(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Neither position ever moves: the stall window must fire.
	err := c.PlayBothAndWait(context.Background())
	if !errors.Is(err, ErrPlaybackStalled) {
		t.Fatalf("err = %v, want ErrPlaybackStalled", err)
	}
	if c.State() != Failed {
		t.Errorf("state = %v, want failed", c.State())
	}
}

func TestPlayBoth_StopResolvesNil(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.PlayBothAndWait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	// Keep the stall guard quiet while we wait to stop.
	clipM.advance(0.05)
	srcM.advance(0.05)
	c.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop must resolve with nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never resolved")
	}
	if c.State() != Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestPlayBoth_RejectsOverlap(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.PlayBothAndWait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	defer c.Stop()

	if err := c.PlayBothAndWait(context.Background()); !errors.Is(err, ErrAlreadyPlaying) {
		t.Errorf("err = %v, want ErrAlreadyPlaying", err)
	}

	clipM.advance(1.0)
	srcM.advance(1.0)
	<-done
}

func TestReleasePreload_SkipsPlaying(t *testing.T) {
	clipM, srcM := &stubMedia{}, &stubMedia{}
	c := newTestCard(t, clipM, srcM)

	if err := c.PrepareForAutoplay(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.PlayBothAndWait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	c.ReleasePreload()
	if c.State() != Playing {
		t.Errorf("release must not touch a playing card, state = %v", c.State())
	}

	clipM.advance(1.0)
	srcM.advance(1.0)
	<-done

	c.ReleasePreload()
	if clipM.ReadyState() != player.HaveNothing {
		t.Error("release after playback must unload")
	}
}
