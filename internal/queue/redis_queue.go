package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"zipball-packager/internal/config"
)

// ErrLeaseLost reports that a delivery is no longer in flight.
var ErrLeaseLost = errors.New("lease no longer held")

// RedisQueue coordinates the ready, in-flight, and scheduled dispatch queues in
// Redis. Every lease gets its own token: the in-flight zset maps tokens to lease
// deadlines and the leases hash maps tokens to the leased entry, so two copies
// of the same payload never share a lease. Scores are unix ms.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	leasesKey     string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

var _ Publisher = (*RedisQueue)(nil)

// Delivery is one leased copy of a dispatch message.
type Delivery struct {
	Token    string
	Payload  string
	Attempts int
}

// envelope wraps a payload that already failed delivery. It only ever lives in
// Redis; published entries are bare payloads.
type envelope struct {
	Payload  string `json:"payload"`
	Attempts int    `json:"attempts"`
}

func openEnvelope(entry string) envelope {
	var env envelope
	if err := json.Unmarshal([]byte(entry), &env); err != nil || env.Payload == "" {
		return envelope{Payload: entry}
	}
	return env
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dispatch:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "dispatch:ready",
		inflightKey:   "dispatch:inflight",
		leasesKey:     "dispatch:leases",
		scheduledKey:  "dispatch:scheduled",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Visibility is how long a lease lasts without renewal.
func (q *RedisQueue) Visibility() time.Duration {
	return q.visibilityTTL
}

// Publish enqueues msg for immediate delivery.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.Enqueue(ctx, msg, time.Time{})
}

// Enqueue inserts a message into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, runAt time.Time) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: raw}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, raw).Err()
}

// Retry releases d's lease and schedules its redelivery at runAt, carrying
// d.Attempts along.
func (q *RedisQueue) Retry(ctx context.Context, d Delivery, runAt time.Time) error {
	entry, err := json.Marshal(envelope{Payload: d.Payload, Attempts: d.Attempts})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.Token)
	pipe.HDel(ctx, q.leasesKey, d.Token)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: string(entry)})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// DequeueWithLease pops the oldest ready entry and leases it under a fresh
// token until the visibility timeout. It returns nil when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.leasesKey}, deadline, token).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	env := openEnvelope(entry)
	return &Delivery{Token: token, Payload: env.Payload, Attempts: env.Attempts}, nil
}

// ExtendLease pushes the visibility deadline of a live lease forward. It
// reports ErrLeaseLost once the lease was acked, retried or reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, token string, extension time.Duration) error {
	deadline := time.Now().Add(extension).UnixMilli()
	ok, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, token, deadline).Int()
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack drops the lease named by token.
func (q *RedisQueue) Ack(ctx context.Context, token string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, token)
	pipe.HDel(ctx, q.leasesKey, token)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, putting their entries back on
// the ready queue. It returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey, q.leasesKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// DeadLetter drops d's lease and appends its payload to the dead-letter queue.
func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	if d.Token != "" {
		pipe.ZRem(ctx, q.inflightKey, d.Token)
		pipe.HDel(ctx, q.leasesKey, d.Token)
	}
	pipe.RPush(ctx, q.dlqKey, d.Payload)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered payloads.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightCount returns the number of leased messages.
func (q *RedisQueue) InflightCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local entry = redis.call('LPOP', KEYS[1])
if entry then
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
  redis.call('HSET', KEYS[3], ARGV[2], entry)
  return entry
end
return nil
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// moveDueScript moves up to ARGV[2] members of zset KEYS[1] scored at or below
// ARGV[1] onto the tail of list KEYS[2], atomically so concurrent workers never
// move the same member twice.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, msg in ipairs(due) do
  redis.call('ZREM', KEYS[1], msg)
  redis.call('RPUSH', KEYS[2], msg)
end
return #due
`)

// reclaimScript is moveDueScript for the in-flight set: members are tokens,
// and the entry pushed back is looked up in the leases hash KEYS[2].
var reclaimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, token in ipairs(due) do
  redis.call('ZREM', KEYS[1], token)
  local entry = redis.call('HGET', KEYS[2], token)
  if entry then
    redis.call('HDEL', KEYS[2], token)
    redis.call('RPUSH', KEYS[3], entry)
  end
end
return #due
`)
