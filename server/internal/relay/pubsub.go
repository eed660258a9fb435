package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultDialTimeout = 5 * time.Second

// Config Redis 连接配置
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient 创建 Redis 客户端并 ping 一次
func NewClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultDialTimeout,
		WriteTimeout: defaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// TypedPubSub 以 JSON 编码的类型化发布订阅
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger *logrus.Entry
}

func NewTypedPubSub[T any](client goredis.UniversalClient, logger *logrus.Entry) *TypedPubSub[T] {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TypedPubSub[T]{client: client, logger: logger}
}

func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Subscribe 阻塞到 ctx 结束。订阅确认后调用 ready（可为 nil）。
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, channel string, ready func(), handler func(T)) error {
	sub := p.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var payload T
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				p.logger.WithError(err).WithField("channel", channel).Warn("Discarding malformed pubsub message")
				continue
			}
			handler(payload)
		}
	}
}
