package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/store"
)

type mockStrategy struct{ mock.Mock }

func (m *mockStrategy) ValidTarget(ctx context.Context, target string) error {
	return m.Called(ctx, target).Error(0)
}

func (m *mockStrategy) HandleTask(ctx context.Context, task models.Task, opts models.Options) (Result, error) {
	args := m.Called(ctx, task, opts)
	return args.Get(0).(Result), args.Error(1)
}

func (m *mockStrategy) HandleTaskResult(_ context.Context, _ models.Task, res Result, _ models.Options) Outcome {
	return finishResult(res)
}

func seedJob(t *testing.T, st store.Store, jobType models.JobType, targets ...string) models.Job {
	t.Helper()
	n := 0
	job, err := models.NewJob(jobType, targets, models.Options{}, time.Now(), func() string {
		n++
		return "id" + strconv.Itoa(n)
	})
	require.NoError(t, err)
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func msgFor(job models.Job) queue.Message {
	return queue.Message{Type: job.Type, ID: job.ID}
}

func TestPipelineFinishesJobWhenAllTasksFinish(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).Return(Result{Hash: "h", Size: 3, Title: "T"}, nil)

	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	for _, task := range got.Tasks {
		assert.Equal(t, models.TaskFinished, task.Status)
		assert.Equal(t, "T", task.Title)
	}
	s.AssertNumberOfCalls(t, "HandleTask", 2)
}

func TestPipelineErrsJobAndKeepsGoingOnTaskFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://bad/", "http://good/")

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, "http://bad/").Return(ErrUnreachable)
	s.On("ValidTarget", mock.Anything, "http://good/").Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).Return(Result{Hash: "h"}, nil)

	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobErred, got.Status)
	assert.Equal(t, models.TaskFailed, got.Tasks[0].Status)
	assert.Equal(t, ErrUnreachable.Error(), got.Tasks[0].Notes)
	assert.Equal(t, models.TaskFinished, got.Tasks[1].Status)
}

func TestPipelineInBandErrorFailsTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/")

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).Return(Result{Error: "fetch http://a/: status 500"}, nil)

	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobErred, got.Status)
	assert.Equal(t, "fetch http://a/: status 500", got.Tasks[0].Notes)
}

func TestPipelineRecoversPanics(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool { return task.Target == "http://a/" }), mock.Anything).
		Run(func(mock.Arguments) { panic("boom") })
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).Return(Result{Hash: "h"}, nil)

	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Tasks[0].Status)
	assert.Contains(t, got.Tasks[0].Notes, "boom")
	assert.Equal(t, models.TaskFinished, got.Tasks[1].Status)
	assert.Equal(t, models.JobErred, got.Status)
}

func TestPipelineSkipsFinishedTasksOnRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")
	done := job.Tasks[1]
	require.NoError(t, st.UpdateTaskStatus(ctx, done.ID, models.TaskProcessing, ""))
	require.NoError(t, st.FinishTask(ctx, done.ID, models.Artifact{MD5: "prev", Title: "kept"}))

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, "http://a/").Return(nil)
	s.On("HandleTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool { return task.Target == "http://a/" }), mock.Anything).
		Return(Result{Hash: "new"}, nil)

	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	assert.Equal(t, "kept", got.Tasks[1].Title)
	assert.Equal(t, "prev", got.Tasks[1].MD5)
	s.AssertNotCalled(t, "ValidTarget", mock.Anything, "http://b/")
}

func TestPipelineIgnoresFinishedJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/")
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.JobProcessing))
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.JobFinished))

	s := &mockStrategy{}
	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))
	s.AssertNotCalled(t, "ValidTarget", mock.Anything, mock.Anything)
}

func TestPipelineMissingJob(t *testing.T) {
	err := NewPipeline(store.NewMemory(), models.JobTypeFetchable, &mockStrategy{}).
		Run(context.Background(), queue.Message{Type: models.JobTypeFetchable, ID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPipelineDropsErredJobDelivery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/")
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.JobProcessing))
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.JobErred))

	s := &mockStrategy{}
	require.NoError(t, NewPipeline(st, job.Type, s).Run(ctx, msgFor(job)))
	s.AssertNotCalled(t, "ValidTarget", mock.Anything, mock.Anything)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobErred, got.Status, "only an explicit retry requeues")
}

func TestPipelineRejectsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeStandalone, "/uploads/a.zip")

	s := &mockStrategy{}
	err := NewPipeline(st, models.JobTypeFetchable, s).
		Run(ctx, queue.Message{Type: models.JobTypeFetchable, ID: job.ID})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	s.AssertNotCalled(t, "ValidTarget", mock.Anything, mock.Anything)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
}

func TestPipelineOverlappingRunsSweepOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			once.Do(func() {
				close(started)
				<-release
			})
		}).
		Return(Result{Hash: "h"}, nil)

	p := NewPipeline(st, job.Type, s)
	first := make(chan error, 1)
	go func() { first <- p.Run(ctx, msgFor(job)) }()
	<-started

	// a second delivery of the same job while the first is mid-task
	err := p.Run(ctx, msgFor(job))
	assert.ErrorIs(t, err, store.ErrClaimHeld)

	close(release)
	require.NoError(t, <-first)
	s.AssertNumberOfCalls(t, "HandleTask", 2)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)

	// the postponed copy comes back after the sweep and finds nothing to do
	require.NoError(t, p.Run(ctx, msgFor(job)))
	s.AssertNumberOfCalls(t, "HandleTask", 2)
}

func TestPipelineRetriedMidSweepSweepsAgain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool { return task.Target == "http://a/" }), mock.Anything).
		Run(func(mock.Arguments) {
			// retry lands while the sweep runs
			require.NoError(t, st.UpdateJobStatus(ctx, job.ID, models.JobQueued))
		}).
		Return(Result{Hash: "a"}, nil).Once()
	s.On("HandleTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool { return task.Target == "http://b/" }), mock.Anything).
		Return(Result{Error: "fetch http://b/: status 500"}, nil).Once()
	s.On("HandleTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool { return task.Target == "http://b/" }), mock.Anything).
		Return(Result{Hash: "b"}, nil).Once()

	p := NewPipeline(st, job.Type, s)
	require.NoError(t, p.Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status, "the swept ERRED does not overwrite the retry")

	require.NoError(t, p.Run(ctx, msgFor(job)))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	s.AssertNumberOfCalls(t, "HandleTask", 3)
}

func TestPipelineTakesOverLapsedClaim(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/")

	// a worker claims the job, starts the task and dies
	_, err := st.ClaimJob(ctx, job.ID, "dead-worker", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.UpdateTaskStatus(ctx, job.Tasks[0].ID, models.TaskProcessing, ""))

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).Return(Result{Hash: "h"}, nil)
	p := NewPipeline(st, job.Type, s).WithClaimLease(time.Minute)

	err = p.Run(ctx, msgFor(job))
	assert.ErrorIs(t, err, store.ErrClaimHeld)
	s.AssertNotCalled(t, "HandleTask", mock.Anything, mock.Anything, mock.Anything)

	now = now.Add(2 * time.Minute)
	require.NoError(t, p.Run(ctx, msgFor(job)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	assert.Equal(t, models.TaskFinished, got.Tasks[0].Status)
	s.AssertNumberOfCalls(t, "HandleTask", 1)
}

func TestPipelineStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	job := seedJob(t, st, models.JobTypeFetchable, "http://a/", "http://b/")
	ctx, cancel := context.WithCancel(context.Background())

	s := &mockStrategy{}
	s.On("ValidTarget", mock.Anything, mock.Anything).Return(nil)
	s.On("HandleTask", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(Result{Hash: "h"}, nil)

	err := NewPipeline(st, job.Type, s).Run(ctx, msgFor(job))
	assert.True(t, errors.Is(err, context.Canceled))

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, models.TaskFinished, got.Tasks[0].Status)
	assert.Equal(t, models.TaskQueued, got.Tasks[1].Status)
}
