// Package jobs owns job creation, retry, and post-hoc manifest edits.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"zipball-packager/internal/archive"
	"zipball-packager/internal/config"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/storage"
	"zipball-packager/internal/store"
	"zipball-packager/internal/telemetry"
)

var (
	ErrJobFinished   = errors.New("job already finished")
	ErrNoTargets     = errors.New("at least one target is required")
	ErrInvalidTarget = errors.New("invalid target")
)

// CreateRequest is the caller's job description. Extract and JavaScript default
// to true for FETCHABLE jobs when omitted.
type CreateRequest struct {
	Type    string        `json:"type"`
	Targets []string      `json:"targets"`
	Options CreateOptions `json:"options"`
}

type CreateOptions struct {
	Extract    *bool        `json:"extract,omitempty"`
	JavaScript *bool        `json:"javascript,omitempty"`
	Origin     string       `json:"origin,omitempty"`
	Meta       *models.Meta `json:"meta,omitempty"`
}

// Service is the only place jobs and tasks are created.
type Service struct {
	store     store.Store
	queue     queue.Publisher
	publisher storage.Publisher
	outDir    string
	allowed   []string
	now       func() time.Time
	newID     func() string
}

func NewService(st store.Store, q queue.Publisher, pub storage.Publisher, cfg config.Config) *Service {
	allowed := cfg.AllowedExtensions
	if len(allowed) == 0 {
		allowed = []string{"zip"}
	}
	return &Service{
		store:     st,
		queue:     q,
		publisher: pub,
		outDir:    cfg.OutDir,
		allowed:   allowed,
		now:       time.Now,
		newID:     newID,
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create validates req, persists a QUEUED job with one QUEUED task per target,
// and enqueues exactly one dispatch message for it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Job, error) {
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		return models.Job{}, err
	}
	if len(req.Targets) == 0 {
		return models.Job{}, ErrNoTargets
	}
	if err := req.Options.Meta.Validate(); err != nil {
		return models.Job{}, err
	}

	opts := models.Options{Meta: req.Options.Meta}
	switch jobType {
	case models.JobTypeFetchable:
		for _, t := range req.Targets {
			if err := validateURL(t); err != nil {
				return models.Job{}, err
			}
		}
		opts.Extract = boolOr(req.Options.Extract, true)
		opts.JavaScript = boolOr(req.Options.JavaScript, true)
	case models.JobTypeStandalone:
		if err := validateURL(req.Options.Origin); err != nil {
			return models.Job{}, fmt.Errorf("origin: %w", err)
		}
		for _, t := range req.Targets {
			if !s.allowedUpload(t) {
				return models.Job{}, fmt.Errorf("%w: %s: allowed extensions are %s", ErrInvalidTarget, filepath.Base(t), strings.Join(s.allowed, ", "))
			}
		}
		opts.Origin = req.Options.Origin
	}

	job, err := models.NewJob(jobType, req.Targets, opts, s.now(), s.newID)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}
	if err := s.queue.Publish(ctx, queue.Message{Type: job.Type, ID: job.ID}); err != nil {
		return models.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	telemetry.JobsCreated.WithLabelValues(string(job.Type)).Inc()
	logger.WithJobID(job.ID).Info().Str("type", string(job.Type)).Int("tasks", len(job.Tasks)).Msg("job created")
	return job, nil
}

// Retry resets a job that is not FINISHED to QUEUED and re-enqueues it. Tasks
// are left as they are; the pipeline skips the FINISHED ones.
func (s *Service) Retry(ctx context.Context, id string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.IsFinished() {
		return models.Job{}, fmt.Errorf("retry %s: %w", id, ErrJobFinished)
	}
	if err := s.store.UpdateJobStatus(ctx, id, models.JobQueued); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return models.Job{}, fmt.Errorf("retry %s: %w", id, ErrJobFinished)
		}
		return models.Job{}, err
	}
	if err := s.queue.Publish(ctx, queue.Message{Type: job.Type, ID: job.ID}); err != nil {
		return models.Job{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	telemetry.JobsRetried.Inc()
	logger.WithJobID(id).Info().Str("previous", string(job.Status)).Msg("job retried")
	return s.store.GetJob(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	return s.store.ListJobs(ctx, status)
}

func (s *Service) Count(ctx context.Context, status models.JobStatus) (int64, error) {
	return s.store.CountJobs(ctx, status)
}

// TaskMeta reads the manifest embedded in a finished task's zipball.
func (s *Service) TaskMeta(ctx context.Context, jobID, hash string) (map[string]any, error) {
	task, err := s.store.GetTaskByHash(ctx, jobID, hash)
	if err != nil {
		return nil, err
	}
	raw, err := archive.ReadFromZip(s.zipballPath(task), manifestMember(task))
	if err != nil {
		return nil, err
	}
	return models.DecodeManifest(raw)
}

// UpdateTaskMeta merges patch into the task's manifest and rewrites it inside the
// zipball, then republishes the zipball.
func (s *Service) UpdateTaskMeta(ctx context.Context, jobID, hash string, patch *models.Meta) (map[string]any, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	task, err := s.store.GetTaskByHash(ctx, jobID, hash)
	if err != nil {
		return nil, err
	}
	path := s.zipballPath(task)
	member := manifestMember(task)

	raw, err := archive.ReadFromZip(path, member)
	if err != nil {
		return nil, err
	}
	doc, err := models.DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	doc = models.ApplyMeta(doc, patch)
	encoded, err := models.EncodeManifest(doc)
	if err != nil {
		return nil, err
	}
	if err := archive.ReplaceInZip(path, map[string][]byte{member: encoded}); err != nil {
		return nil, err
	}
	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, path); err != nil {
			return nil, fmt.Errorf("republish %s: %w", filepath.Base(path), err)
		}
	}

	logger.WithTask(jobID, task.ID).Info().Str("md5", hash).Msg("manifest updated")
	return doc, nil
}

func (s *Service) zipballPath(task models.Task) string {
	return filepath.Join(s.outDir, task.ZipballName())
}

// manifestMember is the manifest's name inside a zipball: members live under
// the task hash.
func manifestMember(task models.Task) string {
	return task.MD5 + "/" + models.ManifestName
}

func (s *Service) allowedUpload(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, a := range s.allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidTarget, raw)
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
