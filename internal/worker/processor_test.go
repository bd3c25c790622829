package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zipball-packager/internal/config"
	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(0, max, 4); b != 0 {
		t.Fatalf("zero base must not panic or wait, got %s", b)
	}
	if b := backoffWithJitter(base, max, 200); b > max {
		t.Fatalf("huge attempt must clamp to max, got %s", b)
	}
}

type handlerFunc func(ctx context.Context, msg queue.Message) error

func (f handlerFunc) Run(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

func newTestProcessor(t *testing.T, h Handler) (*Processor, *queue.RedisQueue, *miniredis.Miniredis) {
	return newTestProcessorWithVisibility(t, h, time.Minute)
}

func newTestProcessorWithVisibility(t *testing.T, h Handler, visibility time.Duration) (*Processor, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		VisibilityTimeout: visibility,
		DLQName:           "dispatch:dlq",
		MaxAttempts:       2,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        time.Millisecond,
	}
	q := queue.NewRedisQueue(client, cfg)
	d, err := NewDispatcher(map[models.JobType]Handler{models.JobTypeFetchable: h})
	require.NoError(t, err)
	return NewProcessor(cfg, q, d, "test-worker"), q, mr
}

func TestProcessorAcksSuccess(t *testing.T) {
	ctx := context.Background()
	var got []queue.Message
	p, q, _ := newTestProcessor(t, handlerFunc(func(_ context.Context, msg queue.Message) error {
		got = append(got, msg)
		return nil
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "j1"}))

	worked, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []queue.Message{{Type: models.JobTypeFetchable, ID: "j1"}}, got)

	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	worked, err = p.Step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "queue drained")
}

func TestProcessorDeadLettersUnknownTypeAndGarbage(t *testing.T) {
	ctx := context.Background()
	p, q, mr := newTestProcessor(t, handlerFunc(func(context.Context, queue.Message) error {
		t.Fatal("handler must not run")
		return nil
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeStandalone, ID: "j1"}))
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, raw.RPush(ctx, "dispatch:ready", "not json").Err())

	for i := 0; i < 2; i++ {
		worked, err := p.Step(ctx)
		require.NoError(t, err)
		assert.True(t, worked)
	}

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"STANDALONE","id":"j1"}`, "not json"}, dead)
}

func TestProcessorDeadLettersMissingJob(t *testing.T) {
	ctx := context.Background()
	p, q, _ := newTestProcessor(t, handlerFunc(func(context.Context, queue.Message) error {
		return store.ErrNotFound
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "gone"}))

	_, err := p.Step(ctx)
	require.NoError(t, err)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p, q, _ := newTestProcessor(t, handlerFunc(func(context.Context, queue.Message) error {
		calls++
		return errors.New("store down")
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "j1"}))

	_, err := p.Step(ctx)
	require.NoError(t, err)
	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "first failure is retried")

	time.Sleep(5 * time.Millisecond)
	worked, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked, "redelivery promoted and leased")
	assert.Equal(t, 2, calls)

	dead, err = q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1, "max attempts reached")
}

func TestDispatcherRegistry(t *testing.T) {
	_, err := NewDispatcher(map[models.JobType]Handler{"ARCHIVE": handlerFunc(nil)})
	assert.ErrorIs(t, err, models.ErrInvalidJobType)

	_, err = NewDispatcher(map[models.JobType]Handler{models.JobTypeFetchable: nil})
	assert.Error(t, err)

	d, err := NewDispatcher(map[models.JobType]Handler{})
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), queue.Message{Type: models.JobTypeFetchable, ID: "x"})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestProcessorExtendsLeaseDuringLongDispatch(t *testing.T) {
	ctx := context.Background()
	var q *queue.RedisQueue
	reclaimed := -1
	p, q, _ := newTestProcessorWithVisibility(t, handlerFunc(func(ctx context.Context, _ queue.Message) error {
		// run well past the visibility timeout, then sweep for expired leases
		// the way another worker would
		time.Sleep(500 * time.Millisecond)
		n, err := q.RequeueExpired(ctx, time.Now(), 10)
		if err != nil {
			return err
		}
		reclaimed = n
		return nil
	}), 200*time.Millisecond)
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "slow"}))

	worked, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Zero(t, reclaimed, "heartbeat kept the lease alive")

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "not redelivered")
	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight, "acked")
}

func TestProcessorDeadLettersTypeMismatch(t *testing.T) {
	ctx := context.Background()
	p, q, _ := newTestProcessor(t, handlerFunc(func(_ context.Context, msg queue.Message) error {
		return fmt.Errorf("job %s: %w", msg.ID, ErrTypeMismatch)
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "j1"}))

	_, err := p.Step(ctx)
	require.NoError(t, err)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"FETCHABLE","id":"j1"}`}, dead)
}

func TestProcessorPostponesBusyJobWithoutSpendingAttempts(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p, q, _ := newTestProcessor(t, handlerFunc(func(context.Context, queue.Message) error {
		calls++
		if calls <= 3 {
			return fmt.Errorf("claim job: %w", store.ErrClaimHeld)
		}
		return nil
	}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: models.JobTypeFetchable, ID: "busy"}))

	for i := 0; i < 50 && calls < 4; i++ {
		_, err := p.Step(ctx)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 4, calls)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "postponing is not a failed attempt")
	inflight, err := q.InflightCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}
