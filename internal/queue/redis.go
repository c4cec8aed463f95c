package queue

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payloadField = "payload"

// RedisSender enqueues onto redis streams, pipelining XADDs in chunks.
type RedisSender struct {
	client *redis.Client
}

func NewRedisSender(client *redis.Client) *RedisSender {
	return &RedisSender{client: client}
}

func (s *RedisSender) Send(ctx context.Context, stream string, payloads [][]byte) error {
	for start := 0; start < len(payloads); start += SendChunkSize {
		end := start + SendChunkSize
		if end > len(payloads) {
			end = len(payloads)
		}

		pipe := s.client.Pipeline()
		for _, payload := range payloads[start:end] {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: map[string]any{payloadField: payload},
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ConsumerConfig tunes a stream consumer loop.
type ConsumerConfig struct {
	Stream    string
	Group     string
	Name      string
	BatchSize int
	Block     time.Duration
	// MinIdle is how long an unacked message stays with its original
	// consumer before it is reclaimed and redelivered.
	MinIdle time.Duration

	Handler Handler
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	return c
}

// RedisConsumer reads deliveries from a consumer group and acknowledges
// only the messages the handler resolved as Ack; the rest stay pending and
// come back via XAUTOCLAIM.
type RedisConsumer struct {
	client *redis.Client
	log    *zap.Logger
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, log *zap.Logger, cfg ConsumerConfig) *RedisConsumer {
	return &RedisConsumer{
		client: client,
		log:    log.Named("queue").With(zap.String("stream", cfg.Stream)),
		cfg:    cfg.withDefaults(),
	}
}

// Run blocks until ctx is canceled.
func (c *RedisConsumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		dispositions := c.cfg.Handler(ctx, msgs)
		c.ack(ctx, msgs, dispositions)
	}
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *RedisConsumer) fetch(ctx context.Context) ([]Message, error) {
	// Reclaim messages another (or a crashed) consumer left pending first.
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.MinIdle,
		Start:    "0-0",
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return toMessages(claimed), nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.Block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for _, stream := range streams {
		msgs = append(msgs, toMessages(stream.Messages)...)
	}
	return msgs, nil
}

func (c *RedisConsumer) ack(ctx context.Context, msgs []Message, dispositions []Disposition) {
	var ids []string
	for i, msg := range msgs {
		if i < len(dispositions) && dispositions[i] == Ack {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		// Unacked messages are redelivered; the handlers are idempotent.
		c.log.Warn("ack failed", zap.Error(err), zap.Int("count", len(ids)))
	}
}

func toMessages(raw []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		body, _ := m.Values[payloadField].(string)
		msgs = append(msgs, Message{ID: m.ID, Body: []byte(body)})
	}
	return msgs
}
