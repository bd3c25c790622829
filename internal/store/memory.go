package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"zipball-packager/internal/models"
)

// Memory is an in-process Store used by tests and single-binary setups.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	// task id -> job id
	taskIndex map[string]string
	claims    map[string]claim
	now       func() time.Time
}

var _ Store = (*Memory)(nil)

type claim struct {
	owner string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      map[string]*models.Job{},
		taskIndex: map[string]string{},
		claims:    map[string]claim{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := cloneJob(&job)
	m.jobs[job.ID] = &cp
	for _, t := range job.Tasks {
		m.taskIndex[t.ID] = job.ID
	}
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, status models.JobStatus) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scheduled.Equal(out[j].Scheduled) {
			return out[i].ID < out[j].ID
		}
		return out[i].Scheduled.After(out[j].Scheduled)
	})
	return out, nil
}

func (m *Memory) CountJobs(_ context.Context, status models.JobStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, job := range m.jobs {
		if status == "" || job.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, status models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("job %s %s -> %s: %w", id, job.Status, status, models.ErrInvalidTransition)
	}
	job.Status = status
	job.Updated = m.now()
	job.Version++
	return nil
}

func (m *Memory) ClaimJob(_ context.Context, id, owner string, lease time.Duration) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !job.IsQueued() && !job.IsProcessing() {
		return models.Job{}, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, models.JobProcessing, models.ErrInvalidTransition)
	}
	now := m.now()
	if c, held := m.claims[id]; held && now.Before(c.until) {
		return models.Job{}, fmt.Errorf("job %s held by %s until %s: %w", id, c.owner, c.until.Format(time.RFC3339), ErrClaimHeld)
	}
	m.claims[id] = claim{owner: owner, until: now.Add(lease)}
	job.Status = models.JobProcessing
	job.Updated = now
	job.Version++
	return cloneJob(job), nil
}

func (m *Memory) RenewClaim(_ context.Context, id, owner string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, held := m.claims[id]
	if !held || c.owner != owner {
		return fmt.Errorf("job %s: %w", id, ErrClaimLost)
	}
	c.until = m.now().Add(lease)
	m.claims[id] = c
	return nil
}

func (m *Memory) ReleaseJob(_ context.Context, id, owner string, status models.JobStatus) (models.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if c, held := m.claims[id]; !held || c.owner != owner {
		return job.Status, fmt.Errorf("job %s: %w", id, ErrClaimLost)
	}
	if job.IsProcessing() && !job.Status.CanTransition(status) {
		return job.Status, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, status, models.ErrInvalidTransition)
	}
	delete(m.claims, id)
	if !job.IsProcessing() {
		return job.Status, nil
	}
	job.Status = status
	job.Updated = m.now()
	job.Version++
	return status, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, taskID string, status models.TaskStatus, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.task(taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(status) {
		return fmt.Errorf("task %s %s -> %s: %w", taskID, task.Status, status, models.ErrInvalidTransition)
	}
	task.Status = status
	task.Notes = notes
	task.Updated = m.now()
	return nil
}

func (m *Memory) FinishTask(_ context.Context, taskID string, artifact models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.task(taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(models.TaskFinished) {
		return fmt.Errorf("task %s %s -> %s: %w", taskID, task.Status, models.TaskFinished, models.ErrInvalidTransition)
	}
	task.Status = models.TaskFinished
	task.Notes = ""
	task.Artifact = artifact
	task.Updated = m.now()
	return nil
}

func (m *Memory) GetTaskByHash(_ context.Context, jobID, md5 string) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Task{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	for _, t := range job.Tasks {
		if t.MD5 != "" && t.MD5 == md5 {
			return t, nil
		}
	}
	return models.Task{}, fmt.Errorf("task %s in job %s: %w", md5, jobID, ErrNotFound)
}

// task must be called with mu held.
func (m *Memory) task(taskID string) (*models.Task, error) {
	jobID, ok := m.taskIndex[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	job := m.jobs[jobID]
	for i := range job.Tasks {
		if job.Tasks[i].ID == taskID {
			return &job.Tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

func cloneJob(j *models.Job) models.Job {
	cp := *j
	cp.Targets = append([]string(nil), j.Targets...)
	cp.Tasks = append([]models.Task(nil), j.Tasks...)
	if j.Options.Meta != nil {
		meta := *j.Options.Meta
		cp.Options.Meta = &meta
	}
	return cp
}
