// Package runs keeps the history of auto-registration batches, scheduled
// and manual.
package runs

import (
	"context"
	"time"

	"github.com/example/mealsched/internal/db"
	"github.com/example/mealsched/internal/domain/meal"
)

type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceManual    Source = "manual"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Run struct {
	ID       string
	TenantID string
	MealType meal.Type
	MealDate time.Time
	Source   Source
	Status   string

	Registered int
	Skipped    int
	Errored    int
	Abandoned  int
	LastError  *string

	StartedAt  time.Time
	FinishedAt *time.Time
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Start(ctx context.Context, run Run) error {
	return r.db.Exec(ctx, `
INSERT INTO autoreg_runs(id,tenant_id,meal_type,meal_date,source,status,started_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		run.ID, run.TenantID, run.MealType, run.MealDate, run.Source, StatusRunning, run.StartedAt)
}

func (r *Repo) Finish(ctx context.Context, run Run) error {
	return r.db.Exec(ctx, `
UPDATE autoreg_runs
SET status=$2, registered=$3, skipped=$4, errored=$5, abandoned=$6, last_error=$7, finished_at=$8
WHERE id=$1`,
		run.ID, run.Status, run.Registered, run.Skipped, run.Errored, run.Abandoned, run.LastError, run.FinishedAt)
}

func (r *Repo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Run, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,tenant_id,meal_type,meal_date,source,status,registered,skipped,errored,abandoned,last_error,started_at,finished_at
FROM autoreg_runs
WHERE tenant_id=$1
ORDER BY started_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.TenantID, &run.MealType, &run.MealDate, &run.Source, &run.Status,
			&run.Registered, &run.Skipped, &run.Errored, &run.Abandoned, &run.LastError, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
