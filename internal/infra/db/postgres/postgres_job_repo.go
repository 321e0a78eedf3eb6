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

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

// jobDoc is the JSONB sidecar for the parts of a job that have no reason to
// be individually queryable: events, logs, specs and outputs.
type jobDoc struct {
	Events     []model.JobEvent      `json:"events,omitempty"`
	Logs       []model.JobLogLine    `json:"logs,omitempty"`
	Generation *model.GenerationSpec `json:"generation,omitempty"`
	Training   *model.TrainingSpec   `json:"training,omitempty"`
	Assets     []model.AssetRef      `json:"assets,omitempty"`
}

func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()

	doc, err := json.Marshal(jobDoc{
		Events:     job.Events,
		Logs:       job.Logs,
		Generation: job.Generation,
		Training:   job.Training,
		Assets:     job.Assets,
	})
	if err != nil {
		return err
	}

	const q = `
INSERT INTO jobs (id, type, provider_job_id, attempts, status, progress, error,
                  ranked_asset_key, trained_version, doc,
                  started_at, completed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
  provider_job_id = EXCLUDED.provider_job_id,
  attempts = EXCLUDED.attempts,
  status = EXCLUDED.status,
  progress = EXCLUDED.progress,
  error = EXCLUDED.error,
  ranked_asset_key = EXCLUDED.ranked_asset_key,
  trained_version = EXCLUDED.trained_version,
  doc = EXCLUDED.doc,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.Type, job.ProviderJobID, job.Attempts, job.Status, job.Progress, job.Error,
		job.RankedAssetKey, job.TrainedVersion, doc,
		job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt)
	return err
}

const jobColumns = `id, type, provider_job_id, attempts, status, progress, error,
  ranked_asset_key, trained_version, doc, started_at, completed_at, created_at, updated_at`

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row.Scan)
}

func (r *jobRepo) List(ctx context.Context, tx repository.Tx, offset, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC OFFSET $1 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(scan func(dest ...interface{}) error) (*model.Job, error) {
	var (
		job       model.Job
		typeStr   string
		statusStr string
		raw       []byte
	)
	err := scan(
		&job.ID, &typeStr, &job.ProviderJobID, &job.Attempts, &statusStr, &job.Progress, &job.Error,
		&job.RankedAssetKey, &job.TrainedVersion, &raw,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, translateScan(err)
	}
	job.Type = model.JobType(typeStr)
	job.Status = model.JobStatus(statusStr)

	if len(raw) > 0 {
		var doc jobDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		job.Events = doc.Events
		job.Logs = doc.Logs
		job.Generation = doc.Generation
		job.Training = doc.Training
		job.Assets = doc.Assets
	}
	return &job, nil
}
