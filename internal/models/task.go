package models

import (
	"strings"
	"time"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskFailed     TaskStatus = "FAILED"
	TaskFinished   TaskStatus = "FINISHED"
)

func ToTaskStatus(s string) TaskStatus {
	switch strings.ToUpper(s) {
	case "QUEUED":
		return TaskQueued
	case "PROCESSING":
		return TaskProcessing
	case "FAILED":
		return TaskFailed
	case "FINISHED":
		return TaskFinished
	default:
		return ""
	}
}

// FAILED tasks are picked up again by a retried job without an explicit reset,
// so FAILED -> PROCESSING is allowed. PROCESSING -> QUEUED resets a task left
// behind by a sweep whose claim lapsed. FINISHED is terminal.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:     {TaskProcessing},
	TaskProcessing: {TaskQueued, TaskFailed, TaskFinished},
	TaskFailed:     {TaskQueued, TaskProcessing},
	TaskFinished:   nil,
}

// CanTransition reports whether a task may move from one status to another.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Artifact is the result metadata recorded on a FINISHED task.
type Artifact struct {
	Size      int64     `json:"size"`
	MD5       string    `json:"md5"`
	Title     string    `json:"title"`
	Images    int       `json:"images"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the unit of work for one target within a job.
type Task struct {
	ID       string     `json:"task_id"`
	JobID    string     `json:"job_id"`
	Position int        `json:"position"`
	Target   string     `json:"target"`
	Status   TaskStatus `json:"status"`
	Notes    string     `json:"notes"`
	Updated  time.Time  `json:"updated"`

	// populated only when FINISHED
	Artifact
}

func (t *Task) IsQueued() bool     { return t.Status == TaskQueued }
func (t *Task) IsProcessing() bool { return t.Status == TaskProcessing }
func (t *Task) IsFailed() bool     { return t.Status == TaskFailed }
func (t *Task) IsFinished() bool   { return t.Status == TaskFinished }

// ZipballName is the artifact file name for a finished task.
func (t *Task) ZipballName() string {
	return t.MD5 + ".zip"
}
