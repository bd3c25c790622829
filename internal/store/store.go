package store

import (
	"context"
	"errors"
	"time"

	"zipball-packager/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrClaimHeld = errors.New("job claimed by a live sweep")
	ErrClaimLost = errors.New("job claim lost")
)

// Store is the persistence boundary for jobs and their tasks. Every write that
// changes a status also bumps the updated timestamp; job status writes bump the
// job version as well.
type Store interface {
	// CreateJob persists a job built by models.NewJob together with its tasks.
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	// ListJobs returns jobs newest first; an empty status matches all.
	ListJobs(ctx context.Context, status models.JobStatus) ([]models.Job, error)
	CountJobs(ctx context.Context, status models.JobStatus) (int64, error)

	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error
	// ClaimJob moves a QUEUED job to PROCESSING under a lease held by owner and
	// returns the job as stored after the claim. A PROCESSING job is claimable
	// only once its previous lease has lapsed. While any lease is live the claim
	// fails with ErrClaimHeld; ERRED and FINISHED jobs report ErrInvalidTransition.
	ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (models.Job, error)
	// RenewClaim pushes owner's lease deadline out by lease. It reports
	// ErrClaimLost once another owner has taken the job over.
	RenewClaim(ctx context.Context, id, owner string, lease time.Duration) error
	// ReleaseJob drops owner's lease. A job still PROCESSING moves to status; a
	// job retried in the meantime stays QUEUED. It returns the resulting status.
	ReleaseJob(ctx context.Context, id, owner string, status models.JobStatus) (models.JobStatus, error)

	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, notes string) error
	// FinishTask records the artifact, clears notes and marks the task FINISHED.
	FinishTask(ctx context.Context, taskID string, artifact models.Artifact) error
	GetTaskByHash(ctx context.Context, jobID, md5 string) (models.Task, error)
}
