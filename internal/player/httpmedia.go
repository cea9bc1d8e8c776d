package player

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultProbeBytes = 256 * 1024

// HTTPMedia is the production Media implementation. Loading issues a ranged
// GET against the streamable media URL to verify the resource and warm the
// transfer; the playback clock then advances against wall time scaled by the
// rate multiplier. Decoding is delegated to the consuming surface; this
// layer only has to model connection state and position for the clipped
// player and its coordinators.
type HTTPMedia struct {
	client     *http.Client
	headers    http.Header
	probeBytes int64

	mu      sync.Mutex
	src     string
	state   ReadyState
	loadErr error
	playing bool
	rate    float64
	base    float64   // position when the clock was last anchored
	anchor  time.Time // wall-clock anchor while playing
}

// HTTPMediaOption mutates a new HTTPMedia.
type HTTPMediaOption func(*HTTPMedia)

// WithHTTPClient overrides the HTTP client used for probes.
func WithHTTPClient(c *http.Client) HTTPMediaOption {
	return func(m *HTTPMedia) { m.client = c }
}

// WithHeader adds a header to every probe request (e.g. the agent's bearer
// token when media URLs require auth).
func WithHeader(key, value string) HTTPMediaOption {
	return func(m *HTTPMedia) { m.headers.Set(key, value) }
}

func NewHTTPMedia(opts ...HTTPMediaOption) *HTTPMedia {
	m := &HTTPMedia{
		client:     &http.Client{Timeout: 15 * time.Second},
		headers:    http.Header{},
		probeBytes: defaultProbeBytes,
		rate:       1.0,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *HTTPMedia) Load(ctx context.Context, src string) error {
	m.mu.Lock()
	m.src = src
	m.state = HaveNothing
	m.loadErr = nil
	m.playing = false
	m.base = 0
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return m.fail(fmt.Errorf("create probe request: %w", err))
	}
	for k, vals := range m.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", m.probeBytes-1))

	resp, err := m.client.Do(req)
	if err != nil {
		return m.fail(fmt.Errorf("probe media: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return m.fail(fmt.Errorf("probe media: HTTP %d", resp.StatusCode))
	}

	m.mu.Lock()
	m.state = HaveMetadata
	m.mu.Unlock()

	// Pull the probe window to warm intermediary caches and the transfer.
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, m.probeBytes)); err != nil {
		return m.fail(fmt.Errorf("read probe window: %w", err))
	}

	m.mu.Lock()
	m.state = HaveEnoughData
	m.mu.Unlock()
	return nil
}

func (m *HTTPMedia) fail(err error) error {
	m.mu.Lock()
	m.loadErr = err
	m.state = HaveNothing
	m.mu.Unlock()
	return err
}

func (m *HTTPMedia) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = HaveNothing
	m.loadErr = nil
	m.playing = false
	m.base = 0
}

func (m *HTTPMedia) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Duration is unknown for progressive streams; the clipped player enforces
// the end bound itself.
func (m *HTTPMedia) Duration() float64 {
	return 0
}

func (m *HTTPMedia) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked()
}

func (m *HTTPMedia) positionLocked() float64 {
	if !m.playing {
		return m.base
	}
	return m.base + time.Since(m.anchor).Seconds()*m.rate
}

func (m *HTTPMedia) Seek(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = seconds
	m.anchor = time.Now()
}

func (m *HTTPMedia) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return m.loadErr
	}
	if m.state < HaveCurrentData {
		return fmt.Errorf("media not ready: %s", m.state)
	}
	if !m.playing {
		m.playing = true
		m.anchor = time.Now()
	}
	return nil
}

func (m *HTTPMedia) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		m.base = m.positionLocked()
		m.playing = false
	}
}

func (m *HTTPMedia) SetRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		m.base = m.positionLocked()
		m.anchor = time.Now()
	}
	m.rate = rate
}

func (m *HTTPMedia) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadErr
}
