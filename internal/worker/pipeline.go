package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"zipball-packager/internal/logger"
	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/store"
	"zipball-packager/internal/telemetry"
)

const defaultClaimLease = 10 * time.Minute

// Pipeline drives every unfinished task of a job through one Strategy, in job
// order, then sets the job status from the sweep. Each Run holds a claim on the
// job for the length of the sweep.
type Pipeline struct {
	store    store.Store
	jobType  models.JobType
	strategy Strategy
	lease    time.Duration
	newOwner func() string
}

func NewPipeline(st store.Store, jobType models.JobType, strategy Strategy) *Pipeline {
	return &Pipeline{
		store:    st,
		jobType:  jobType,
		strategy: strategy,
		lease:    defaultClaimLease,
		newOwner: uuid.NewString,
	}
}

// WithClaimLease sets how long a claim survives without renewal. The claim is
// renewed before every task.
func (p *Pipeline) WithClaimLease(d time.Duration) *Pipeline {
	if d > 0 {
		p.lease = d
	}
	return p
}

// Run processes the job named by msg. A FINISHED or ERRED job is left
// untouched. While another delivery holds a live claim Run returns
// store.ErrClaimHeld without touching tasks. Task failures never abort the
// sweep; only store errors, a job of the wrong type and cancellation are
// returned.
func (p *Pipeline) Run(ctx context.Context, msg queue.Message) error {
	log := logger.WithJobID(msg.ID)

	job, err := p.store.GetJob(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Type != p.jobType {
		return fmt.Errorf("job %s is %s, handler runs %s: %w", job.ID, job.Type, p.jobType, ErrTypeMismatch)
	}
	if job.IsFinished() {
		log.Debug().Msg("job already finished, nothing to do")
		return nil
	}

	owner := p.newOwner()
	job, err = p.store.ClaimJob(ctx, job.ID, owner, p.lease)
	if errors.Is(err, models.ErrInvalidTransition) {
		log.Info().Err(err).Msg("job not claimable, dropping stale delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	for _, task := range job.Tasks {
		if task.IsFinished() {
			continue
		}
		if err := ctx.Err(); err != nil {
			// the claim lapses and a later delivery resumes
			return err
		}
		if err := p.store.RenewClaim(ctx, job.ID, owner, p.lease); err != nil {
			if errors.Is(err, store.ErrClaimLost) {
				log.Warn().Str("owner", owner).Msg("claim taken over, abandoning sweep")
				return nil
			}
			return fmt.Errorf("renew claim: %w", err)
		}
		p.processTask(ctx, task, job.Options)
	}

	swept, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	status := swept.SweepStatus()
	final, err := p.store.ReleaseJob(ctx, job.ID, owner, status)
	if errors.Is(err, store.ErrClaimLost) {
		log.Warn().Str("owner", owner).Msg("claim taken over before release")
		return nil
	}
	if err != nil {
		return fmt.Errorf("set job %s: %w", status, err)
	}
	if final != status {
		// retried while this sweep ran; the queued redelivery sweeps again
		log.Info().Str("status", string(final)).Msg("job status changed during sweep")
		return nil
	}
	if status == models.JobFinished {
		telemetry.JobsFinished.Inc()
	} else {
		telemetry.JobsErred.Inc()
	}
	log.Info().Str("status", string(status)).Int("tasks", len(swept.Tasks)).Msg("job swept")
	return nil
}

func (p *Pipeline) processTask(ctx context.Context, task models.Task, opts models.Options) {
	log := logger.WithTask(task.JobID, task.ID)
	start := time.Now()

	if task.IsProcessing() {
		log.Warn().Msg("resetting task left running by a lapsed claim")
		if err := p.store.UpdateTaskStatus(ctx, task.ID, models.TaskQueued, task.Notes); err != nil {
			log.Error().Err(err).Msg("reset task")
			return
		}
	}
	if err := p.store.UpdateTaskStatus(ctx, task.ID, models.TaskProcessing, task.Notes); err != nil {
		log.Error().Err(err).Msg("mark task processing")
		return
	}

	outcome := p.execute(ctx, task, opts)
	telemetry.TaskDuration.WithLabelValues(string(p.jobType)).Observe(time.Since(start).Seconds())

	if outcome.IsFinished() {
		if err := p.store.FinishTask(ctx, task.ID, outcome.Artifact); err != nil {
			log.Error().Err(err).Msg("mark task finished")
			return
		}
		telemetry.TasksFinished.Inc()
		log.Info().Str("md5", outcome.Artifact.MD5).Int64("size", outcome.Artifact.Size).Msg("task finished")
		return
	}

	telemetry.TasksFailed.WithLabelValues(outcome.Reason).Inc()
	log.Warn().Str("target", task.Target).Str("reason", outcome.Reason).Msg(outcome.Note())
	if err := p.store.UpdateTaskStatus(ctx, task.ID, models.TaskFailed, outcome.Note()); err != nil {
		log.Error().Err(err).Msg("mark task failed")
	}
}

// execute runs the strategy for one task. A panic anywhere in the strategy
// becomes a failed outcome.
func (p *Pipeline) execute(ctx context.Context, task models.Task, opts models.Options) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(telemetry.ReasonPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.strategy.ValidTarget(ctx, task.Target); err != nil {
		return Failed(telemetry.ReasonInvalidTarget, err)
	}
	res, err := p.strategy.HandleTask(ctx, task, opts)
	if err != nil {
		return Failed(telemetry.ReasonHandle, err)
	}
	return p.strategy.HandleTaskResult(ctx, task, res, opts)
}
