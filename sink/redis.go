// Package sink provides progress observers that fan snapshots out to
// external systems so dashboards do not have to poll the job store.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VsevolodSauta/batchpool"
)

// ErrNoSnapshot is returned by Latest when nothing was published for the job.
var ErrNoSnapshot = errors.New("sink: no progress snapshot")

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithRedisPrefix sets the key and channel prefix (default "batchpool").
func WithRedisPrefix(prefix string) RedisOption {
	return func(p *RedisPublisher) { p.prefix = prefix }
}

// WithSnapshotTTL sets how long the latest snapshot key lives (default 24h).
func WithSnapshotTTL(ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) { p.ttl = ttl }
}

// WithRedisLogger sets the logger used for publish failures.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(p *RedisPublisher) { p.logger = logger }
}

// RedisPublisher publishes progress snapshots on a per-job pub/sub channel
// and keeps the latest one under a key for pollers.
// The caller owns the Redis client lifecycle.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client redis.UniversalClient, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client: client,
		prefix: "batchpool",
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Channel returns the pub/sub channel for jobID.
func (p *RedisPublisher) Channel(jobID string) string {
	return fmt.Sprintf("%s:progress:%s", p.prefix, jobID)
}

func (p *RedisPublisher) latestKey(jobID string) string {
	return fmt.Sprintf("%s:progress:latest:%s", p.prefix, jobID)
}

// OnProgress implements batchpool.Observer. Failures are logged, never retried.
func (p *RedisPublisher) OnProgress(ctx context.Context, snapshot batchpool.ProgressSnapshot) {
	if err := p.Publish(ctx, snapshot); err != nil {
		p.logger.Warn("failed to publish progress to redis", "jobID", snapshot.JobID, "error", err)
	}
}

// Publish stores snapshot as the latest one and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, snapshot batchpool.ProgressSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sink/redis: encode snapshot: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.latestKey(snapshot.JobID), payload, p.ttl)
	pipe.Publish(ctx, p.Channel(snapshot.JobID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sink/redis: publish: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot published for jobID.
func (p *RedisPublisher) Latest(ctx context.Context, jobID string) (batchpool.ProgressSnapshot, error) {
	var snapshot batchpool.ProgressSnapshot
	payload, err := p.client.Get(ctx, p.latestKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snapshot, fmt.Errorf("%w: job %s", ErrNoSnapshot, jobID)
		}
		return snapshot, fmt.Errorf("sink/redis: get latest: %w", err)
	}
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return snapshot, fmt.Errorf("sink/redis: decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Subscribe streams snapshots published for jobID until ctx is done or the
// returned close function is called. Undecodable messages are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, jobID string) (<-chan batchpool.ProgressSnapshot, func() error, error) {
	pubsub := p.client.Subscribe(ctx, p.Channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("sink/redis: subscribe: %w", err)
	}

	out := make(chan batchpool.ProgressSnapshot)
	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var snapshot batchpool.ProgressSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snapshot); err != nil {
					p.logger.Debug("skipping malformed progress message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- snapshot:
				case <-ctx.Done():
					pubsub.Close()
					return
				}
			}
		}
	}()

	return out, pubsub.Close, nil
}
