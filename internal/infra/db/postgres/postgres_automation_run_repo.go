package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"storybook-orchestrator/internal/domain/model"
	"storybook-orchestrator/internal/domain/ports/repository"
)

var _ repository.AutomationRunRepository = (*automationRunRepo)(nil)

type automationRunRepo struct {
	pool *pgxpool.Pool
}

func NewAutomationRunRepo(pool *pgxpool.Pool) *automationRunRepo {
	return &automationRunRepo{pool: pool}
}

func (r *automationRunRepo) Save(ctx context.Context, tx repository.Tx, run *model.AutomationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.UpdatedAt = time.Now()

	assets, err := json.Marshal(run.InputAssets)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO automation_runs (id, subject_id, subject_name, prompt, status, progress, error, pages,
                             input_assets, training_job_id, storybook_job_id,
                             completed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
  subject_id = EXCLUDED.subject_id,
  status = EXCLUDED.status,
  progress = EXCLUDED.progress,
  error = EXCLUDED.error,
  input_assets = EXCLUDED.input_assets,
  training_job_id = EXCLUDED.training_job_id,
  storybook_job_id = EXCLUDED.storybook_job_id,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		run.ID, nullable(run.SubjectID), run.SubjectName, run.Prompt, run.Status, run.Progress, run.Error, run.Pages,
		assets, nullable(run.TrainingJobID), nullable(run.StorybookJobID),
		run.CompletedAt, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r *automationRunRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.AutomationRun, error) {
	const q = `
SELECT id, subject_id, subject_name, prompt, status, progress, error, pages,
       input_assets, training_job_id, storybook_job_id,
       completed_at, created_at, updated_at
FROM automation_runs WHERE id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}

	var (
		run        model.AutomationRun
		statusStr  string
		subjectID  *string
		trainingID *string
		storybookID *string
		assets     []byte
	)
	err = row.Scan(
		&run.ID, &subjectID, &run.SubjectName, &run.Prompt, &statusStr, &run.Progress, &run.Error, &run.Pages,
		&assets, &trainingID, &storybookID,
		&run.CompletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, translateScan(err)
	}
	run.Status = model.RunStatus(statusStr)
	run.SubjectID = deref(subjectID)
	run.TrainingJobID = deref(trainingID)
	run.StorybookJobID = deref(storybookID)
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &run.InputAssets); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func (r *automationRunRepo) EnsureSubject(ctx context.Context, tx repository.Tx, name string) (string, error) {
	// Upsert keyed by name; DO UPDATE makes RETURNING yield the existing
	// row's id on conflict.
	const q = `
INSERT INTO subjects (id, name, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id;`

	row, err := pickRow(ctx, r.pool, tx, q, uuid.NewString(), name, time.Now())
	if err != nil {
		return "", err
	}
	var id string
	if err := row.Scan(&id); err != nil {
		return "", translateScan(err)
	}
	return id, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
