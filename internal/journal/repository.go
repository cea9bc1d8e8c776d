package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded per scene during a fast-watch run.
const (
	OutcomePlayed  = "played"
	OutcomeSkipped = "skipped"
)

// ReviewRun is one fast-watch play-through.
type ReviewRun struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Speed         float64    `json:"speed"`
	FromScene     int        `json:"from_scene"`
	ScenesTotal   int        `json:"scenes_total"`
	ScenesPlayed  int        `json:"scenes_played"`
	ScenesSkipped int        `json:"scenes_skipped"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// SceneOutcome is one scene's result within a run.
type SceneOutcome struct {
	RunID      string    `json:"run_id"`
	SceneIndex int       `json:"scene_index"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Repository interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	CreateRun(ctx context.Context, projectID string, speed float64, fromScene, scenesTotal int) (*ReviewRun, error)
	RecordOutcome(ctx context.Context, runID string, sceneIndex int, outcome, detail string) error
	FinishRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, projectID string, limit int) ([]*ReviewRun, error)
	RunOutcomes(ctx context.Context, runID string) ([]*SceneOutcome, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *SQLiteRepository) CreateRun(ctx context.Context, projectID string, speed float64, fromScene, scenesTotal int) (*ReviewRun, error) {
	run := &ReviewRun{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Speed:       speed,
		FromScene:   fromScene,
		ScenesTotal: scenesTotal,
		StartedAt:   time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO review_runs (id, project_id, speed, from_scene, scenes_total, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.Speed, run.FromScene, run.ScenesTotal, run.StartedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *SQLiteRepository) RecordOutcome(ctx context.Context, runID string, sceneIndex int, outcome, detail string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scene_outcomes (run_id, scene_index, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, sceneIndex, outcome, nullString(detail), now)
	if err != nil {
		return err
	}

	column := "scenes_played"
	if outcome == OutcomeSkipped {
		column = "scenes_skipped"
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE review_runs SET `+column+` = `+column+` + 1 WHERE id = ?`, runID)
	return err
}

func (r *SQLiteRepository) FinishRun(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE review_runs SET ended_at = datetime('now') WHERE id = ? AND ended_at IS NULL
	`, runID)
	return err
}

func (r *SQLiteRepository) ListRuns(ctx context.Context, projectID string, limit int) ([]*ReviewRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, speed, from_scene, scenes_total, scenes_played, scenes_skipped, started_at, ended_at
		FROM review_runs WHERE project_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ReviewRun
	for rows.Next() {
		var run ReviewRun
		var started string
		var ended sql.NullString
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.Speed, &run.FromScene, &run.ScenesTotal,
			&run.ScenesPlayed, &run.ScenesSkipped, &started, &ended); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended.Valid {
			if t, err := time.Parse("2006-01-02 15:04:05", ended.String); err == nil {
				run.EndedAt = &t
			} else if t, err := time.Parse(time.RFC3339, ended.String); err == nil {
				run.EndedAt = &t
			}
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (r *SQLiteRepository) RunOutcomes(ctx context.Context, runID string) ([]*SceneOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, scene_index, outcome, COALESCE(detail, ''), created_at
		FROM scene_outcomes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*SceneOutcome
	for rows.Next() {
		var o SceneOutcome
		var created string
		if err := rows.Scan(&o.RunID, &o.SceneIndex, &o.Outcome, &o.Detail, &created); err != nil {
			return nil, err
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, created)
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
