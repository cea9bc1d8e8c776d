package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remaster/remaster-agent/internal/backend"
	"github.com/remaster/remaster-agent/internal/config"
	"github.com/remaster/remaster-agent/internal/journal"
	"github.com/remaster/remaster-agent/internal/player"
	"github.com/remaster/remaster-agent/internal/remaster"
	"github.com/remaster/remaster-agent/internal/session"
)

const testToken = "agent-token"

// memRepo is an in-memory journal.Repository for handler tests.
type memRepo struct {
	mu     sync.Mutex
	config map[string]string
	runs   []*journal.ReviewRun
}

func newMemRepo() *memRepo {
	return &memRepo{config: map[string]string{"auth_token": testToken}}
}

func (m *memRepo) GetConfig(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config[key], nil
}

func (m *memRepo) SetConfig(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *memRepo) CreateRun(ctx context.Context, projectID string, speed float64, fromScene, scenesTotal int) (*journal.ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &journal.ReviewRun{ID: fmt.Sprintf("run-%d", len(m.runs)+1), ProjectID: projectID, Speed: speed, FromScene: fromScene, ScenesTotal: scenesTotal, StartedAt: time.Now()}
	m.runs = append(m.runs, run)
	return run, nil
}

func (m *memRepo) RecordOutcome(ctx context.Context, runID string, sceneIndex int, outcome, detail string) error {
	return nil
}

func (m *memRepo) FinishRun(ctx context.Context, runID string) error { return nil }

func (m *memRepo) ListRuns(ctx context.Context, projectID string, limit int) ([]*journal.ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*journal.ReviewRun
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) RunOutcomes(ctx context.Context, runID string) ([]*journal.SceneOutcome, error) {
	return nil, nil
}

// idleMedia never needs the network; handler tests only exercise metadata
// paths, not playback.
type idleMedia struct{}

func (idleMedia) Load(ctx context.Context, src string) error { return nil }
func (idleMedia) Unload()                                    {}
func (idleMedia) ReadyState() player.ReadyState              { return player.HaveEnoughData }
func (idleMedia) Duration() float64                          { return 0 }
func (idleMedia) Position() float64                          { return 0 }
func (idleMedia) Seek(seconds float64)                       {}
func (idleMedia) Play() error                                { return nil }
func (idleMedia) Pause()                                     {}
func (idleMedia) SetRate(rate float64)                       {}
func (idleMedia) Err() error                                 { return nil }

func backendStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	scenes := []remaster.Scene{
		{Index: 0, StartTime: 0, EndTime: 2, Duration: 2},
		{Index: 1, StartTime: 2, EndTime: 5, Duration: 3},
	}
	matches := []remaster.SceneMatch{
		{SceneIndex: 0, Episode: "ep01", StartTime: 100, EndTime: 102, Confidence: 0.9},
		{SceneIndex: 1},
	}

	mux.HandleFunc("GET /api/projects/p1/scenes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(scenes)
	})
	mux.HandleFunc("GET /api/projects/p1/matches", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(matches)
	})
	mux.HandleFunc("POST /api/projects/p1/matches/1", func(w http.ResponseWriter, r *http.Request) {
		var update remaster.MatchUpdate
		json.NewDecoder(r.Body).Decode(&update)
		json.NewEncoder(w).Encode(remaster.SceneMatch{
			SceneIndex: update.SceneIndex,
			Episode:    update.Episode,
			StartTime:  update.StartTime,
			EndTime:    update.EndTime,
			Confidence: 1.0,
			Confirmed:  true,
		})
	})
	mux.HandleFunc("GET /api/projects/p1/video", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer backend-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Range") == "" {
			w.Write(make([]byte, 1000))
			return
		}
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*httptest.Server, *memRepo) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upstream := backendStub(t)
	repo := newMemRepo()

	client := backend.NewHTTPClient(upstream.URL, "backend-token", logger)
	sessions := session.NewManager(session.Deps{
		Client:       client,
		Journal:      repo,
		Tunables:     config.DefaultTunables(),
		MediaFactory: func() player.Media { return idleMedia{} },
		Logger:       logger,
	})
	t.Cleanup(sessions.CloseAll)

	srv := httptest.NewServer(NewRouter(ServerConfig{
		Port:       0,
		Sessions:   sessions,
		Repository: repo,
		Logger:     logger,
		StartTime:  time.Now(),
		DeviceID:   "device-1",
		Version:    "test",
	}))
	t.Cleanup(srv.Close)
	return srv, repo
}

func doRequest(t *testing.T, method, url, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealth_NoAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.DeviceID != "device-1" {
		t.Errorf("health = %+v", health)
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	url := srv.URL + "/projects/p1/status"

	resp := doRequest(t, http.MethodGet, url, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, url, "wrong", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, url, testToken, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", resp.StatusCode)
	}

	// Video elements cannot set headers; the query fallback must work.
	resp = doRequest(t, http.MethodGet, url+"?token="+testToken, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", resp.StatusCode)
	}
}

func TestGetMatches(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/projects/p1/matches", testToken, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out MatchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 2 || out.Confirmed != 1 || out.Complete {
		t.Errorf("matches = %+v", out)
	}
}

func TestManualMatch(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"episode":"ep02","start_time":10,"end_time":12}`)
	resp := doRequest(t, http.MethodPost, srv.URL+"/projects/p1/matches/1", testToken, body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var updated remaster.SceneMatch
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.Episode != "ep02" || !updated.WasNoMatch {
		t.Errorf("updated = %+v", updated)
	}

	// Invalid ranges are rejected before touching the backend.
	body = strings.NewReader(`{"episode":"ep02","start_time":12,"end_time":10}`)
	resp = doRequest(t, http.MethodPost, srv.URL+"/projects/p1/matches/1", testToken, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range: status = %d, want 400", resp.StatusCode)
	}
}

func TestSpeedEndpoint_Clamps(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/projects/p1/fastwatch/speed", testToken, strings.NewReader(`{"speed":99}`))
	defer resp.Body.Close()

	var out SpeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Speed != 6.0 {
		t.Errorf("speed = %v, want clamped to 6.0", out.Speed)
	}
}

func TestMediaProxy_RangePassThrough(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/projects/p1/media/clip?token="+testToken, nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-99/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 100 {
		t.Errorf("body length = %d, want 100", len(body))
	}
}

func TestEventsStream(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/projects/p1/events?token="+testToken, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	// Give the handler a beat to register its subscriber, then trigger an
	// event through a scrub.
	time.Sleep(100 * time.Millisecond)
	sc := doRequest(t, http.MethodPost, srv.URL+"/projects/p1/fastwatch/scrub", testToken, strings.NewReader(`{"scene_index":0}`))
	sc.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended early: %v", err)
		}
		if strings.HasPrefix(line, "event: fastwatch") {
			sawEvent = true
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			sawData = true
			var ev map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad data payload %q: %v", line, err)
			}
		}
	}
}

func TestRuns(t *testing.T) {
	srv, repo := newTestServer(t)

	if _, err := repo.CreateRun(context.Background(), "p1", 2.0, 0, 5); err != nil {
		t.Fatal(err)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/projects/p1/runs", testToken, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out RunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Runs) != 1 || out.Runs[0].Speed != 2.0 {
		t.Errorf("runs = %+v", out.Runs)
	}
}
