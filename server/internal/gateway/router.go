package gateway

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/model"
)

// Observer 网关指标回调
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	EventPublished(kind string, recipients int)
	DeliveryDropped(kind, reason string)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened() {}

func (nopObserver) ConnectionClosed() {}

func (nopObserver) EventPublished(string, int) {}

func (nopObserver) DeliveryDropped(string, string) {}

// Router 把通知事件投递到房间内的每个连接
//
// 尽力投递：不在线的连接收不到，也没有补发。投递失败只记录为 DeliveryError，
// 不返回给发布方。
type Router struct {
	registry *Registry
	bus      *EventBus
	observer Observer
	logger   *logrus.Entry
}

// NewRouter 创建路由器。bus、observer 可为 nil。
func NewRouter(registry *Registry, bus *EventBus, observer Observer, logger *logrus.Entry) *Router {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{registry: registry, bus: bus, observer: observer, logger: logger}
}

// Publish 本地投递后再发到事件总线（跨实例转发等订阅者在总线上）
func (r *Router) Publish(ctx context.Context, event model.NotificationEvent) {
	r.Deliver(ctx, event)
	if r.bus != nil {
		r.bus.Emit(ctx, event)
	}
}

// Deliver 只做本地投递，返回成功入队的连接数
func (r *Router) Deliver(_ context.Context, event model.NotificationEvent) int {
	if event.Room == "" {
		r.logger.WithField("kind", event.Kind).Warn("Dropping event without room")
		return 0
	}

	msg := ServerMessage{
		Type:     notificationType(event.Kind),
		Room:     event.Room,
		Payload:  event.Payload,
		ServerTS: event.CreatedAt,
	}

	delivered := 0
	for _, s := range r.registry.ConnectionsInRoom(event.Room) {
		if err := s.Enqueue(msg); err != nil {
			r.dropped(s, event, err)
			continue
		}
		delivered++
	}

	r.observer.EventPublished(string(event.Kind), delivered)
	r.logger.WithFields(logrus.Fields{
		"kind":       event.Kind,
		"room":       event.Room,
		"recipients": delivered,
	}).Debug("Event delivered")
	return delivered
}

func (r *Router) dropped(s Sender, event model.NotificationEvent, err error) {
	derr := &domain.DeliveryError{ConnID: s.ID(), Room: event.Room, Err: err}

	reason := "error"
	switch {
	case errors.Is(err, ErrOutboxFull):
		reason = "outbox_full"
	case errors.Is(err, ErrConnClosed):
		reason = "closed"
	}
	r.observer.DeliveryDropped(string(event.Kind), reason)
	r.logger.WithError(derr).WithFields(logrus.Fields{
		"kind":    event.Kind,
		"user_id": s.UserID(),
		"reason":  reason,
	}).Warn("Delivery failed")
}
