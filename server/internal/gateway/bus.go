package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"postpulse/server/internal/model"
)

// Handler 事件订阅者
type Handler func(ctx context.Context, event model.NotificationEvent)

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// EventBus 事件类型 -> 有序订阅者列表
//
// Emit 在调用方协程中按注册顺序同步调用订阅者，单个订阅者 panic 不影响其他订阅者。
// 订阅者必须自行保证不阻塞。
type EventBus struct {
	mu     sync.RWMutex
	subs   map[model.EventKind][]subscription
	nextID uint64
	logger *logrus.Entry
}

// NewEventBus 创建事件总线
func NewEventBus(logger *logrus.Entry) *EventBus {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventBus{subs: make(map[model.EventKind][]subscription), logger: logger}
}

// Subscribe 订阅某类事件，返回取消订阅函数
func (b *EventBus) Subscribe(kind model.EventKind, name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, name: name, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				// 复制而不是原地修改，正在进行的 Emit 持有旧切片
				next := make([]subscription, 0, len(list)-1)
				next = append(next, list[:i]...)
				b.subs[kind] = append(next, list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll 订阅全部事件类型
func (b *EventBus) SubscribeAll(name string, h Handler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(model.EventKinds))
	for _, kind := range model.EventKinds {
		unsubs = append(unsubs, b.Subscribe(kind, name, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Emit 依次调用订阅者
func (b *EventBus) Emit(ctx context.Context, event model.NotificationEvent) {
	b.mu.RLock()
	list := b.subs[event.Kind]
	b.mu.RUnlock()

	for _, s := range list {
		b.invoke(ctx, s, event)
	}
}

func (b *EventBus) invoke(ctx context.Context, s subscription, event model.NotificationEvent) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.WithFields(logrus.Fields{
				"subscriber": s.name,
				"kind":       event.Kind,
				"panic":      fmt.Sprint(p),
			}).Error("Event subscriber panicked")
		}
	}()
	s.handler(ctx, event)
}
