package worker

import (
	"context"
	"errors"
	"time"

	"zipball-packager/internal/archive"
	"zipball-packager/internal/models"
	"zipball-packager/internal/telemetry"
)

var (
	ErrTargetNotFound = errors.New("file not found")
	ErrNoHTML         = archive.ErrNoHTML
	ErrUnreachable    = errors.New("target not fetchable")
	ErrUnsupported    = errors.New("unsupported archive format")
	ErrNoHandler      = errors.New("no handler registered for job type")
	ErrTypeMismatch   = errors.New("job type does not match handler")
)

// Strategy is the job-type-specific part of task processing.
type Strategy interface {
	// ValidTarget returns nil when target can be processed; the error text
	// becomes the task note otherwise.
	ValidTarget(ctx context.Context, target string) error
	HandleTask(ctx context.Context, task models.Task, opts models.Options) (Result, error)
	// HandleTaskResult decides the task's terminal status from a handled result.
	HandleTaskResult(ctx context.Context, task models.Task, res Result, opts models.Options) Outcome
}

// Result is what a strategy produced for one target.
type Result struct {
	Size      int64
	Hash      string
	Title     string
	Images    int
	Timestamp time.Time
	// Meta is the manifest document written into the zipball.
	Meta map[string]any
	// Location is where the publisher put the zipball.
	Location string
	// Error is set by fetch primitives that report failure in-band.
	Error string
}

// Outcome is the terminal state of a task: either Finished with its artifact or
// Failed with a reason.
type Outcome struct {
	Status   models.TaskStatus
	Artifact models.Artifact
	Err      error
	// Reason labels tasks_failed_total.
	Reason string
}

func Finished(a models.Artifact) Outcome {
	return Outcome{Status: models.TaskFinished, Artifact: a}
}

func Failed(reason string, err error) Outcome {
	return Outcome{Status: models.TaskFailed, Err: err, Reason: reason}
}

func (o Outcome) IsFinished() bool { return o.Status == models.TaskFinished }

// Note is the text stored on a failed task.
func (o Outcome) Note() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// finishResult is the shared HandleTaskResult: an in-band error fails the task,
// anything else finishes it with the result fields.
func finishResult(res Result) Outcome {
	if res.Error != "" {
		return Failed(telemetry.ReasonResult, errors.New(res.Error))
	}
	return Finished(models.Artifact{
		Size:      res.Size,
		MD5:       res.Hash,
		Title:     res.Title,
		Images:    res.Images,
		Timestamp: res.Timestamp,
	})
}
