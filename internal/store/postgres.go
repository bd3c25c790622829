package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"zipball-packager/internal/models"
)

// Postgres wraps pgxpool for job and task persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, status, targets, options, scheduled, updated, version`

const taskColumns = `id, job_id, position, target, status, notes, updated, size, md5, title, images, created`

// CreateJob inserts the job row and its task rows in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	targetsJSON, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, status, targets, options, scheduled, updated, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.Type, job.Status, targetsJSON, optionsJSON, job.Scheduled, job.Updated, job.Version)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range job.Tasks {
		batch.Queue(`
			INSERT INTO tasks (id, job_id, position, target, status, notes, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.ID, job.ID, t.Position, t.Target, t.Status, t.Notes, t.Updated)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches a job and its tasks by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, err
	}

	tasks, err := s.tasksFor(ctx, []string{id})
	if err != nil {
		return models.Job{}, err
	}
	job.Tasks = tasks[id]
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY scheduled DESC, id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	var ids []string
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	if len(ids) == 0 {
		return jobs, nil
	}

	tasks, err := s.tasksFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Tasks = tasks[jobs[i].ID]
	}
	return jobs, nil
}

func (s *Postgres) CountJobs(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE ($1 = '' OR status = $1)
	`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// UpdateJobStatus checks the transition under a row lock, then writes the new
// status, bumping updated and version.
func (s *Postgres) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("job %s %s -> %s: %w", id, current, status, models.ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated = NOW(), version = version + 1 WHERE id = $1
	`, id, status); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return tx.Commit(ctx)
}

// ClaimJob takes the lease in a single conditional UPDATE. Lease deadlines
// follow the database clock.
func (s *Postgres) ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (models.Job, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, claimed_by = $3, claimed_until = NOW() + make_interval(secs => $4),
			updated = NOW(), version = version + 1
		WHERE id = $1 AND status IN ($2, $5)
			AND (claimed_until IS NULL OR claimed_until <= NOW())
	`, id, models.JobProcessing, owner, lease.Seconds(), models.JobQueued)
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if job.IsQueued() || job.IsProcessing() {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrClaimHeld)
		}
		return models.Job{}, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, models.JobProcessing, models.ErrInvalidTransition)
	}
	return s.GetJob(ctx, id)
}

func (s *Postgres) RenewClaim(ctx context.Context, id, owner string, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET claimed_until = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND claimed_by = $2
	`, id, owner, lease.Seconds())
	if err != nil {
		return fmt.Errorf("renew claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrClaimLost)
	}
	return nil
}

// ReleaseJob clears the lease under a row lock and, for a job still
// PROCESSING, writes the swept status.
func (s *Postgres) ReleaseJob(ctx context.Context, id, owner string, status models.JobStatus) (models.JobStatus, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.JobStatus
	var claimedBy string
	err = tx.QueryRow(ctx, `SELECT status, claimed_by FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lock job: %w", err)
	}
	if claimedBy != owner {
		return current, fmt.Errorf("job %s: %w", id, ErrClaimLost)
	}

	if current != models.JobProcessing {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET claimed_by = '', claimed_until = NULL WHERE id = $1
		`, id); err != nil {
			return "", fmt.Errorf("release job: %w", err)
		}
		return current, tx.Commit(ctx)
	}
	if !current.CanTransition(status) {
		return current, fmt.Errorf("job %s %s -> %s: %w", id, current, status, models.ErrInvalidTransition)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, claimed_by = '', claimed_until = NULL, updated = NOW(), version = version + 1
		WHERE id = $1
	`, id, status); err != nil {
		return "", fmt.Errorf("release job: %w", err)
	}
	return status, tx.Commit(ctx)
}

func (s *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, notes string) error {
	return s.updateTask(ctx, taskID, status, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $2, notes = $3, updated = NOW() WHERE id = $1
		`, taskID, status, notes)
		return err
	})
}

func (s *Postgres) FinishTask(ctx context.Context, taskID string, a models.Artifact) error {
	return s.updateTask(ctx, taskID, models.TaskFinished, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = $2, notes = '', updated = NOW(), size = $3, md5 = $4, title = $5, images = $6, created = $7
			WHERE id = $1
		`, taskID, models.TaskFinished, a.Size, a.MD5, a.Title, a.Images, a.Timestamp)
		return err
	})
}

func (s *Postgres) updateTask(ctx context.Context, taskID string, to models.TaskStatus, write func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}
	if !current.CanTransition(to) {
		return fmt.Errorf("task %s %s -> %s: %w", taskID, current, to, models.ErrInvalidTransition)
	}
	if err := write(tx); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetTaskByHash(ctx context.Context, jobID, md5 string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 AND md5 = $2
		ORDER BY position LIMIT 1
	`, jobID, md5)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s in job %s: %w", md5, jobID, ErrNotFound)
	}
	return task, err
}

func (s *Postgres) tasksFor(ctx context.Context, jobIDs []string) (map[string][]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE job_id = ANY($1) ORDER BY job_id, position
	`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Task, len(jobIDs))
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out[t.JobID] = append(out[t.JobID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var targetsJSON, optionsJSON []byte
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &targetsJSON, &optionsJSON, &job.Scheduled, &job.Updated, &job.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(targetsJSON, &job.Targets); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	job.Scheduled = job.Scheduled.UTC()
	job.Updated = job.Updated.UTC()
	return job, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var size pgtype.Int8
	var md5, title pgtype.Text
	var images pgtype.Int4
	var created pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.JobID, &t.Position, &t.Target, &t.Status, &t.Notes, &t.Updated, &size, &md5, &title, &images, &created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Updated = t.Updated.UTC()
	t.Size = size.Int64
	t.MD5 = textOrEmpty(md5)
	t.Title = textOrEmpty(title)
	t.Images = int(images.Int32)
	t.Timestamp = timeOrZero(created)
	return t, nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func timeOrZero(t pgtype.Timestamptz) time.Time {
	if t.Valid {
		return t.Time.UTC()
	}
	return time.Time{}
}
