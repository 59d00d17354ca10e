package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normanking/edubuddy/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr              string `mapstructure:"addr" yaml:"addr"`
	Password          string `mapstructure:"password" yaml:"password,omitempty"`
	DB                int    `mapstructure:"db" yaml:"db"`
	ViolationStream   string `mapstructure:"violation_stream" yaml:"violation_stream"`
	InteractionStream string `mapstructure:"interaction_stream" yaml:"interaction_stream"`
	MaxLen            int64  `mapstructure:"max_len" yaml:"max_len"`
}

// DefaultRedisConfig returns the stream names used when none are set.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		ViolationStream:   "edubuddy:violations",
		InteractionStream: "edubuddy:interactions",
		MaxLen:            100000,
	}
}

// streamAdder is the subset of redis.Cmdable the sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink publishes audit records to Redis streams with XADD.
type RedisSink struct {
	client streamAdder
	closer func() error
	cfg    RedisConfig
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisSink(rdb, rdb.Close, cfg), nil
}

func newRedisSink(client streamAdder, closer func() error, cfg RedisConfig) *RedisSink {
	def := DefaultRedisConfig()
	if cfg.ViolationStream == "" {
		cfg.ViolationStream = def.ViolationStream
	}
	if cfg.InteractionStream == "" {
		cfg.InteractionStream = def.InteractionStream
	}
	return &RedisSink{client: client, closer: closer, cfg: cfg}
}

// RecordViolation publishes v to the violation stream.
func (s *RedisSink) RecordViolation(ctx context.Context, v types.SafetyViolation) error {
	return s.publish(ctx, s.cfg.ViolationStream, "safety_violation", v.ID, v)
}

// RecordInteraction publishes t to the interaction stream.
func (s *RedisSink) RecordInteraction(ctx context.Context, t types.Turn) error {
	return s.publish(ctx, s.cfg.InteractionStream, "interaction", t.ID, t)
}

func (s *RedisSink) publish(ctx context.Context, stream, kind, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type":    kind,
			"id":      id,
			"payload": string(data),
		},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
