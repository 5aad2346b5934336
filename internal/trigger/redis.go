package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-api/internal/models"
)

// RedisStreamPublisher appends events to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamPublisher constructs a publisher. maxLen caps the stream approximately; zero keeps everything.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends evt to the stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, evt models.EnrollmentEvent) error {
	values, err := EncodeEvent(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// RedisStreamConfig configures a RedisStreamSource.
type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Count     int64
	Block     time.Duration
	ClaimIdle time.Duration
}

// RedisStreamSource consumes a stream with a consumer group. Entries are acknowledged once the
// dispatcher succeeds or rejects them; retryable failures stay pending and are claimed again
// after ClaimIdle.
type RedisStreamSource struct {
	client     *redis.Client
	dispatcher *Dispatcher
	cfg        RedisStreamConfig
	logger     *zap.Logger
}

// NewRedisStreamSource constructs a stream consumer.
func NewRedisStreamSource(client *redis.Client, dispatcher *Dispatcher, cfg RedisStreamConfig, logger *zap.Logger) *RedisStreamSource {
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamSource{client: client, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// Run consumes until ctx is cancelled.
func (s *RedisStreamSource) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("enrollment stream consumer started",
		zap.String("stream", s.cfg.Stream),
		zap.String("group", s.cfg.Group),
		zap.String("consumer", s.cfg.Consumer),
	)

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastClaim) >= s.cfg.ClaimIdle {
			if err := s.claimStale(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("claim pending enrollment events failed", zap.Error(err))
			}
			lastClaim = time.Now()
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.Count,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("read enrollment stream failed", zap.Error(err))
			if err := pause(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		for _, stream := range streams {
			s.process(ctx, stream.Messages)
		}
	}
}

func (s *RedisStreamSource) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.cfg.Group, err)
	}
	return nil
}

func (s *RedisStreamSource) claimStale(ctx context.Context) error {
	start := "0-0"
	for {
		messages, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    start,
			Count:    s.cfg.Count,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim %s: %w", s.cfg.Stream, err)
		}
		s.process(ctx, messages)
		if next == "0-0" || len(messages) == 0 {
			return nil
		}
		start = next
	}
}

func (s *RedisStreamSource) process(ctx context.Context, messages []redis.XMessage) {
	var acks []string
	for _, msg := range messages {
		if s.handle(ctx, msg) {
			acks = append(acks, msg.ID)
		}
	}
	if len(acks) == 0 {
		return
	}
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, acks...).Err(); err != nil {
		s.logger.Warn("ack enrollment events failed", zap.Strings("ids", acks), zap.Error(err))
	}
}

// handle dispatches one entry and reports whether it can be acknowledged.
func (s *RedisStreamSource) handle(ctx context.Context, msg redis.XMessage) bool {
	evt, err := DecodeEvent(msg.Values)
	if err != nil {
		s.logger.Warn("dropping undecodable enrollment event", zap.String("id", msg.ID), zap.Error(err))
		return true
	}
	if err := s.dispatcher.Dispatch(ctx, TransportRedis, evt); err != nil {
		return !Retryable(err)
	}
	return true
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
