// Package backend is the HTTP client for the processing backend that owns
// scene detection, clip matching and match persistence. The agent consumes
// it purely over request/response calls and server-sent event streams.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/remaster/remaster-agent/internal/remaster"
)

// Match search stream statuses.
const (
	StatusProgress = "progress"
	StatusComplete = "complete"
	StatusError    = "error"
)

// MatchSearchEvent is one record of the match-search progress stream.
// The terminal record carries either the full match list or an error.
type MatchSearchEvent struct {
	Status     string                `json:"status"`
	Progress   float64               `json:"progress"`
	Message    string                `json:"message,omitempty"`
	SceneIndex *int                  `json:"scene_index,omitempty"`
	Matches    []remaster.SceneMatch `json:"matches,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Client is the full backend surface the agent consumes.
type Client interface {
	remaster.Backend

	// FindMatches runs the backend match search and invokes onEvent for
	// each decoded progress record. A non-nil error from onEvent aborts
	// the stream read.
	FindMatches(ctx context.Context, projectID string, mergeContinuous bool, onEvent func(MatchSearchEvent) error) error

	// VideoURL returns the streamable URL of the short input video.
	VideoURL(projectID string) string
	// SourceVideoURL returns the streamable URL of one episode file.
	SourceVideoURL(projectID, episode string) string

	// FetchMedia issues an authorized GET against a media URL. A non-empty
	// rangeHeader is passed through unchanged. The caller closes the body.
	FetchMedia(ctx context.Context, url, rangeHeader string) (*http.Response, error)
}

// APIError represents a non-2xx backend response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and network errors.
// Client errors (4xx) are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient talks to the real processing backend.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient has no overall timeout; match searches run for minutes.
	streamClient *http.Client
	logger       *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

func (c *HTTPClient) Scenes(ctx context.Context, projectID string) ([]remaster.Scene, error) {
	var scenes []remaster.Scene
	err := c.doJSON(ctx, http.MethodGet, c.projectPath(projectID, "scenes"), nil, &scenes)
	return scenes, err
}

func (c *HTTPClient) Matches(ctx context.Context, projectID string) ([]remaster.SceneMatch, error) {
	var matches []remaster.SceneMatch
	err := c.doJSON(ctx, http.MethodGet, c.projectPath(projectID, "matches"), nil, &matches)
	return matches, err
}

func (c *HTTPClient) UpdateMatch(ctx context.Context, projectID string, update remaster.MatchUpdate) (*remaster.SceneMatch, error) {
	path := c.projectPath(projectID, fmt.Sprintf("matches/%d", update.SceneIndex))
	var updated remaster.SceneMatch
	if err := c.doJSON(ctx, http.MethodPost, path, update, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *HTTPClient) UpdateMatchesBatch(ctx context.Context, projectID string, updates []remaster.MatchUpdate) error {
	body := struct {
		Updates []remaster.MatchUpdate `json:"updates"`
	}{Updates: updates}
	return c.doJSON(ctx, http.MethodPost, c.projectPath(projectID, "matches/batch"), body, nil)
}

func (c *HTTPClient) UndoMerge(ctx context.Context, projectID string, sceneIndex int) (*remaster.UndoMergeResult, error) {
	path := c.projectPath(projectID, fmt.Sprintf("matches/%d/undo-merge", sceneIndex))
	var result remaster.UndoMergeResult
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) FindMatches(ctx context.Context, projectID string, mergeContinuous bool, onEvent func(MatchSearchEvent) error) error {
	body, err := json.Marshal(struct {
		MergeContinuous bool `json:"merge_continuous"`
	}{MergeContinuous: mergeContinuous})
	if err != nil {
		return fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.projectPath(projectID, "matches/search"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	scanner := newRecordScanner(resp.Body)
	for {
		record, err := scanner.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read match search stream: %w", err)
		}

		var event MatchSearchEvent
		if err := json.Unmarshal(record, &event); err != nil {
			// One malformed record does not kill the stream.
			if c.logger != nil {
				c.logger.Warn("skipping malformed stream record", "error", err, "bytes", len(record))
			}
			continue
		}

		if err := onEvent(event); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) VideoURL(projectID string) string {
	return c.projectPath(projectID, "video")
}

func (c *HTTPClient) SourceVideoURL(projectID, episode string) string {
	return c.projectPath(projectID, "source/"+url.PathEscape(episode))
}

func (c *HTTPClient) FetchMedia(ctx context.Context, mediaURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

func (c *HTTPClient) projectPath(projectID, suffix string) string {
	return fmt.Sprintf("%s/api/projects/%s/%s", c.baseURL, url.PathEscape(projectID), suffix)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Remaster-Request-Id", uuid.NewString())
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
