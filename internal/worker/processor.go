package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"zipball-packager/internal/config"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/queue"
	"zipball-packager/internal/store"
	"zipball-packager/internal/telemetry"
)

// Processor drives the worker execution loop: it leases dispatch messages and
// hands them to the Dispatcher.
type Processor struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	dispatcher *Dispatcher
	workerID   string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, d *Dispatcher, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{cfg: cfg, queue: q, dispatcher: d, workerID: workerID}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	log := p.log()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Step(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("queue step failed")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Step does queue housekeeping and handles at most one message. It reports
// whether a message was leased.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	log := p.log()
	now := time.Now()

	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		log.Error().Err(err).Msg("promote scheduled")
	} else if n > 0 {
		log.Debug().Int("count", n).Msg("promoted scheduled redeliveries")
	}
	if n, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		log.Error().Err(err).Msg("requeue expired leases")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("reclaimed expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.queue.InflightCount(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}

	d, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	msg, err := queue.Decode(d.Payload)
	if err != nil {
		return true, p.deadLetter(ctx, *d, err)
	}

	stop := p.keepLeased(ctx, d.Token)
	err = p.dispatcher.Dispatch(ctx, msg)
	stop()
	switch {
	case err == nil:
		return true, p.queue.Ack(ctx, d.Token)
	case errors.Is(err, ErrNoHandler), errors.Is(err, ErrTypeMismatch), errors.Is(err, store.ErrNotFound):
		return true, p.deadLetter(ctx, *d, err)
	case ctx.Err() != nil:
		// shutting down; the lease expires and another worker picks it up
		return true, nil
	case errors.Is(err, store.ErrClaimHeld):
		return true, p.postpone(ctx, *d, err)
	default:
		return true, p.retry(ctx, *d, err)
	}
}

// keepLeased extends the lease on token every half visibility period until
// the returned stop func is called.
func (p *Processor) keepLeased(ctx context.Context, token string) (stop func()) {
	visibility := p.queue.Visibility()
	interval := visibility / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.ExtendLease(ctx, token, visibility)
				if errors.Is(err, queue.ErrLeaseLost) {
					p.log().Warn().Str("token", token).Msg("lease lost during dispatch")
					return
				}
				if err != nil && ctx.Err() == nil {
					p.log().Error().Err(err).Str("token", token).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) retry(ctx context.Context, d queue.Delivery, cause error) error {
	d.Attempts++
	if d.Attempts >= p.cfg.MaxAttempts {
		return p.deadLetter(ctx, d, cause)
	}
	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Attempts)
	p.log().Warn().Err(cause).Str("message", d.Payload).Int("attempts", d.Attempts).Dur("backoff", wait).Msg("dispatch failed, retry scheduled")
	return p.queue.Retry(ctx, d, time.Now().Add(wait))
}

// postpone reschedules a delivery whose job is being swept by another worker.
// It does not count as a failed attempt.
func (p *Processor) postpone(ctx context.Context, d queue.Delivery, cause error) error {
	wait := backoffWithJitter(p.cfg.BackoffMax, p.cfg.BackoffMax, 1)
	p.log().Info().Err(cause).Str("message", d.Payload).Dur("wait", wait).Msg("job busy, delivery postponed")
	return p.queue.Retry(ctx, d, time.Now().Add(wait))
}

func (p *Processor) deadLetter(ctx context.Context, d queue.Delivery, cause error) error {
	telemetry.DeadLetters.Inc()
	p.log().Error().Err(cause).Str("message", d.Payload).Int("attempts", d.Attempts).Msg("message dead-lettered")
	return p.queue.DeadLetter(ctx, d)
}

func (p *Processor) log() *zerolog.Logger {
	l := logger.Logger.With().Str("worker_id", p.workerID).Logger()
	return &l
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
