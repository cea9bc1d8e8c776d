package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Tunables are the empirically tuned playback and scheduling knobs. The
// defaults mirror values that proved workable in production; every one of
// them can be overridden from the TOML file without rebuilding.
type Tunables struct {
	Player    PlayerTunables    `toml:"player"`
	Card      CardTunables      `toml:"card"`
	FastWatch FastWatchTunables `toml:"fastwatch"`
}

// PlayerTunables configure a single clipped player.
type PlayerTunables struct {
	ReadyTimeoutSeconds int `toml:"ready_timeout_seconds"`
	RetryWaitMs         int `toml:"retry_wait_ms"`
	PollIntervalMs      int `toml:"poll_interval_ms"`
	MaxRetries          int `toml:"max_retries"`
}

func (p PlayerTunables) ReadyTimeout() time.Duration {
	return time.Duration(p.ReadyTimeoutSeconds) * time.Second
}

func (p PlayerTunables) RetryWait() time.Duration {
	return time.Duration(p.RetryWaitMs) * time.Millisecond
}

func (p PlayerTunables) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// CardTunables configure the synchronized pair state machine.
type CardTunables struct {
	PrepareTimeoutSeconds      int `toml:"prepare_timeout_seconds"`
	PrepareRetryTimeoutSeconds int `toml:"prepare_retry_timeout_seconds"`
	StallWindowMs              int `toml:"stall_window_ms"`
	HardTimeoutSeconds         int `toml:"hard_timeout_seconds"`
	WatchPollMs                int `toml:"watch_poll_ms"`
}

func (c CardTunables) PrepareTimeout() time.Duration {
	return time.Duration(c.PrepareTimeoutSeconds) * time.Second
}

func (c CardTunables) PrepareRetryTimeout() time.Duration {
	return time.Duration(c.PrepareRetryTimeoutSeconds) * time.Second
}

func (c CardTunables) StallWindow() time.Duration {
	return time.Duration(c.StallWindowMs) * time.Millisecond
}

func (c CardTunables) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutSeconds) * time.Second
}

func (c CardTunables) WatchPoll() time.Duration {
	return time.Duration(c.WatchPollMs) * time.Millisecond
}

// SpeedTier maps a speed ceiling to a prefetch window. Tiers are matched in
// ascending MaxSpeed order; the first tier whose MaxSpeed is at or above the
// requested speed wins.
type SpeedTier struct {
	MaxSpeed   float64 `toml:"max_speed"`
	LookAhead  int     `toml:"look_ahead"`
	KeepBehind int     `toml:"keep_behind"`
}

// FastWatchTunables configure the sequential review scheduler.
type FastWatchTunables struct {
	MandatoryPrepare int         `toml:"mandatory_prepare"`
	MinSpeed         float64     `toml:"min_speed"`
	MaxSpeed         float64     `toml:"max_speed"`
	Tiers            []SpeedTier `toml:"tier"`
}

// WindowFor returns the look-ahead and keep-behind counts for a speed.
// Higher speeds widen the prefetch window and shrink retention.
func (f FastWatchTunables) WindowFor(speed float64) (ahead, behind int) {
	if len(f.Tiers) == 0 {
		return DefaultTunables().FastWatch.WindowFor(speed)
	}
	for _, t := range f.Tiers {
		if speed <= t.MaxSpeed {
			return t.LookAhead, t.KeepBehind
		}
	}
	last := f.Tiers[len(f.Tiers)-1]
	return last.LookAhead, last.KeepBehind
}

// ClampSpeed bounds a requested speed multiplier to the supported range.
func (f FastWatchTunables) ClampSpeed(speed float64) float64 {
	if speed < f.MinSpeed {
		return f.MinSpeed
	}
	if speed > f.MaxSpeed {
		return f.MaxSpeed
	}
	return speed
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Player: PlayerTunables{
			ReadyTimeoutSeconds: 8,
			RetryWaitMs:         400,
			PollIntervalMs:      50,
			MaxRetries:          3,
		},
		Card: CardTunables{
			PrepareTimeoutSeconds:      8,
			PrepareRetryTimeoutSeconds: 12,
			StallWindowMs:              1400,
			HardTimeoutSeconds:         12,
			WatchPollMs:                100,
		},
		FastWatch: FastWatchTunables{
			MandatoryPrepare: 2,
			MinSpeed:         0.5,
			MaxSpeed:         6.0,
			Tiers: []SpeedTier{
				{MaxSpeed: 2.0, LookAhead: 2, KeepBehind: 1},
				{MaxSpeed: 4.0, LookAhead: 3, KeepBehind: 1},
				{MaxSpeed: 6.0, LookAhead: 4, KeepBehind: 0},
			},
		},
	}
}

// LoadTunables reads a TOML tunables file layered over the defaults. A
// missing file is not an error; a malformed one is.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return t, err
	}

	if err := toml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := t.validate(); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	t.normalize()

	return t, nil
}

func (t *Tunables) validate() error {
	if t.Player.ReadyTimeoutSeconds <= 0 {
		return errors.New("player.ready_timeout_seconds must be positive")
	}
	if t.Player.PollIntervalMs <= 0 {
		return errors.New("player.poll_interval_ms must be positive")
	}
	if t.Card.StallWindowMs <= 0 {
		return errors.New("card.stall_window_ms must be positive")
	}
	if t.Card.WatchPollMs <= 0 {
		return errors.New("card.watch_poll_ms must be positive")
	}
	if len(t.FastWatch.Tiers) == 0 {
		return errors.New("fastwatch needs at least one tier")
	}
	if t.FastWatch.MinSpeed <= 0 || t.FastWatch.MaxSpeed < t.FastWatch.MinSpeed {
		return errors.New("fastwatch speed range is invalid")
	}
	for i, tier := range t.FastWatch.Tiers {
		if tier.MaxSpeed <= 0 {
			return fmt.Errorf("fastwatch tier %d: max_speed must be positive", i)
		}
		if tier.LookAhead < 0 || tier.KeepBehind < 0 {
			return fmt.Errorf("fastwatch tier %d: window counts must not be negative", i)
		}
	}
	return nil
}

func (t *Tunables) normalize() {
	sort.Slice(t.FastWatch.Tiers, func(i, j int) bool {
		return t.FastWatch.Tiers[i].MaxSpeed < t.FastWatch.Tiers[j].MaxSpeed
	})
	if t.FastWatch.MandatoryPrepare < 1 {
		t.FastWatch.MandatoryPrepare = 1
	}
}
