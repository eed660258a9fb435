// Package relay 通过 Redis pub/sub 在多个实例之间转发通知事件。
//
// 每个实例把本地发布的事件打上自己的 origin 发到共享频道，收到其他实例的事件后
// 只做本地投递（不再回到事件总线），自己发出的事件按 origin 丢弃。
// 仍是尽力投递：Redis 不可用时事件只在本实例内可见。
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"postpulse/server/internal/model"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// Deliverer 本地投递（gateway.Router 实现）
type Deliverer interface {
	Deliver(ctx context.Context, event model.NotificationEvent) int
}

// Relay 跨实例事件转发
type Relay struct {
	pubsub  *TypedPubSub[model.NotificationEvent]
	channel string
	origin  string
	local   Deliverer
	queue   chan model.NotificationEvent
	logger  *logrus.Entry
	observe func(direction string)

	readyOnce sync.Once
	ready     chan struct{}

	mu        sync.Mutex
	forwarded int64
	received  int64
	dropped   int64
}

// New 创建转发器
func New(client goredis.UniversalClient, channel string, local Deliverer, logger *logrus.Entry) *Relay {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{
		pubsub:  NewTypedPubSub[model.NotificationEvent](client, logger),
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		queue:   make(chan model.NotificationEvent, defaultQueueSize),
		logger:  logger,
		ready:   make(chan struct{}),
		observe: func(string) {},
	}
}

// SetObserver 指标回调，direction 为 out / in / dropped。须在 Run 之前调用
func (r *Relay) SetObserver(fn func(direction string)) {
	if fn != nil {
		r.observe = fn
	}
}

// Origin 本实例标识
func (r *Relay) Origin() string { return r.origin }

// Ready 订阅确认后关闭
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Forward 事件总线订阅者：非阻塞入队，由 Run 中的发布协程发往 Redis
func (r *Relay) Forward(_ context.Context, event model.NotificationEvent) {
	if event.Origin != "" && event.Origin != r.origin {
		// 从其他实例收到的事件不再转发
		return
	}
	event.Origin = r.origin

	select {
	case r.queue <- event:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.observe("dropped")
		r.logger.WithField("kind", event.Kind).Warn("Relay queue full, event not forwarded")
	}
}

// Run 启动发布协程并阻塞订阅，直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	r.logger.WithFields(logrus.Fields{
		"channel": r.channel,
		"origin":  r.origin,
	}).Info("Relay subscribing")

	return r.pubsub.Subscribe(ctx, r.channel, func() {
		r.readyOnce.Do(func() { close(r.ready) })
	}, r.handleRemote)
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.pubsub.Publish(pctx, r.channel, event)
			cancel()
			if err != nil {
				r.logger.WithError(err).WithField("kind", event.Kind).Warn("Relay publish failed")
				continue
			}
			r.mu.Lock()
			r.forwarded++
			r.mu.Unlock()
			r.observe("out")
		}
	}
}

func (r *Relay) handleRemote(event model.NotificationEvent) {
	if event.Origin == r.origin {
		return
	}
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	r.observe("in")
	r.local.Deliver(context.Background(), event)
}

// Stats 转发统计
type Stats struct {
	Forwarded int64 `json:"forwarded"`
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Forwarded: r.forwarded, Received: r.received, Dropped: r.dropped}
}
