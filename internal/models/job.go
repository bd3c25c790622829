package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidJobType    = errors.New("invalid job type")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobType selects the handler strategy for a job.
type JobType string

const (
	JobTypeFetchable  JobType = "FETCHABLE"
	JobTypeStandalone JobType = "STANDALONE"
)

// JobTypes lists every supported job type in a stable order.
var JobTypes = []JobType{JobTypeFetchable, JobTypeStandalone}

// IsValidType reports whether t names a supported job type.
func IsValidType(t string) bool {
	for _, jt := range JobTypes {
		if string(jt) == t {
			return true
		}
	}
	return false
}

// ParseJobType converts a string into a JobType, case-insensitively.
func ParseJobType(s string) (JobType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	if !IsValidType(up) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobType, s)
	}
	return JobType(up), nil
}

// JobStatus enumerates job lifecycle states persisted in the store.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobErred      JobStatus = "ERRED"
	JobFinished   JobStatus = "FINISHED"
)

// JobStatuses lists every job status, used by list filters.
var JobStatuses = []JobStatus{JobQueued, JobProcessing, JobErred, JobFinished}

func ToJobStatus(s string) JobStatus {
	switch strings.ToUpper(s) {
	case "QUEUED":
		return JobQueued
	case "PROCESSING":
		return JobProcessing
	case "ERRED":
		return JobErred
	case "FINISHED":
		return JobFinished
	default:
		return ""
	}
}

// jobTransitions is the allowed-next-state table. FINISHED is terminal. A
// PROCESSING job whose claim lapsed is taken over through the store's claim,
// not through a status write.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobQueued, JobProcessing},
	JobProcessing: {JobFinished, JobErred, JobQueued},
	JobErred:      {JobQueued},
	JobFinished:   nil,
}

// CanTransition reports whether a job may move from one status to another.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Options is the job-type-specific configuration set at creation.
type Options struct {
	// FETCHABLE
	Extract    bool `json:"extract,omitempty"`
	JavaScript bool `json:"javascript,omitempty"`

	// STANDALONE
	Origin string `json:"origin,omitempty"`

	Meta *Meta `json:"meta,omitempty"`
}

// Job is a user request spanning one or more targets.
type Job struct {
	ID        string    `json:"job_id"`
	Type      JobType   `json:"job_type"`
	Status    JobStatus `json:"status"`
	Targets   []string  `json:"targets"`
	Options   Options   `json:"options"`
	Scheduled time.Time `json:"scheduled"`
	Updated   time.Time `json:"updated"`
	// Version increments on every job status write and claim.
	Version int64  `json:"version"`
	Tasks   []Task `json:"tasks"`
}

func (j *Job) IsQueued() bool     { return j.Status == JobQueued }
func (j *Job) IsProcessing() bool { return j.Status == JobProcessing }
func (j *Job) IsErred() bool      { return j.Status == JobErred }
func (j *Job) IsFinished() bool   { return j.Status == JobFinished }

// SweepStatus reduces the task statuses into the job status after a full sweep.
func (j *Job) SweepStatus() JobStatus {
	for _, t := range j.Tasks {
		if t.Status != TaskFinished {
			return JobErred
		}
	}
	return JobFinished
}

// NewJob builds a QUEUED job with one QUEUED task per target, in target order.
// newID is called once for the job and once per task.
func NewJob(jobType JobType, targets []string, opts Options, now time.Time, newID func() string) (Job, error) {
	if !IsValidType(string(jobType)) {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	now = now.UTC()
	job := Job{
		ID:        newID(),
		Type:      jobType,
		Status:    JobQueued,
		Targets:   append([]string(nil), targets...),
		Options:   opts,
		Scheduled: now,
		Updated:   now,
		Tasks:     make([]Task, 0, len(targets)),
	}
	for i, target := range targets {
		job.Tasks = append(job.Tasks, Task{
			ID:       newID(),
			JobID:    job.ID,
			Position: i,
			Target:   target,
			Status:   TaskQueued,
			Updated:  now,
		})
	}
	return job, nil
}
