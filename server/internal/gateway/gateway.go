package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"postpulse/server/internal/model"
)

// Config 网关配置
type Config struct {
	PingInterval   time.Duration // 必须小于 PongWait
	PongWait       time.Duration
	WriteWait      time.Duration
	OutboxCapacity int
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = defaultOutboxCapacity
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// Hub 组装注册表、路由器与事件总线，负责接入新连接
type Hub struct {
	Registry *Registry
	Router   *Router
	Bus      *EventBus

	config   Config
	observer Observer
	logger   *logrus.Entry
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewHub 创建网关。observer 可为 nil。
func NewHub(config Config, observer Observer, logger *logrus.Entry) *Hub {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	registry := NewRegistry()
	bus := NewEventBus(logger.WithField("component", "event_bus"))
	return &Hub{
		Registry: registry,
		Router:   NewRouter(registry, bus, observer, logger.WithField("component", "router")),
		Bus:      bus,
		config:   config.withDefaults(),
		observer: observer,
		logger:   logger,
	}
}

// Publish 实现 store 使用的 Publisher 接口
func (h *Hub) Publish(ctx context.Context, event model.NotificationEvent) {
	h.Router.Publish(ctx, event)
}

// Serve 接管已升级的 WebSocket 连接，阻塞到连接关闭
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, userID int64) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	c := newConn(ws, userID, h)
	c.run(ctx)
}

// Shutdown 关闭所有连接并等待其退出。之后接入的连接直接关闭，
// 正在注册中的连接在注册完成后发现 closing 自行关闭。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	for _, s := range h.Registry.All() {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Conn 一个已认证的客户端连接
//
// 读协程处理控制消息；出站队列的写协程是唯一的数据写入方；pingLoop 只发控制帧。
type Conn struct {
	id     string
	userID int64
	ws     *websocket.Conn
	hub    *Hub
	outbox *Outbox
	logger *logrus.Entry

	state     atomic.Int32
	closeOnce sync.Once
	closeChan chan struct{}
}

func newConn(ws *websocket.Conn, userID int64, hub *Hub) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		userID:    userID,
		ws:        ws,
		hub:       hub,
		closeChan: make(chan struct{}),
		logger: hub.logger.WithFields(logrus.Fields{
			"conn_id": id,
			"user_id": userID,
		}),
	}
	c.state.Store(int32(StateConnecting))
	c.outbox = NewOutbox(id, hub.config.OutboxCapacity, c.writeMessage, c.logger)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() int64 { return c.userID }

// State 当前生命周期状态
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Enqueue 非阻塞入队
func (c *Conn) Enqueue(msg ServerMessage) error {
	if c.State() >= StateClosing {
		return ErrConnClosed
	}
	return c.outbox.Enqueue(msg)
}

func (c *Conn) run(ctx context.Context) {
	room, err := c.hub.Registry.Register(c)
	if err != nil {
		c.logger.WithError(err).Error("Register connection failed")
		_ = c.Close()
		return
	}
	// Shutdown 取快照之后才注册的连接不在快照里
	if c.hub.isClosing() {
		_ = c.Close()
		return
	}
	c.state.Store(int32(StateOpen))
	c.hub.observer.ConnectionOpened()
	c.logger.WithField("room", room).Info("Connection opened")

	c.send(MessageConnected, "", ConnectedPayload{
		ConnectionID: c.id,
		UserID:       c.userID,
		Rooms:        []string{room},
	})

	go c.pingLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closeChan:
		}
	}()

	c.readLoop()
}

// readLoop 读取客户端控制消息
func (c *Conn) readLoop() {
	defer c.Close()

	cfg := c.hub.config
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("Client read error")
			}
			return
		}
		// 任何入站帧都说明对端存活
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if messageType != websocket.TextMessage {
			c.sendError("", "binary frames are not supported")
			continue
		}
		c.handleClientMessage(data)
	}
}

func (c *Conn) handleClientMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message")
		return
	}

	switch msg.Type {
	case MessageJoinRoom:
		if err := c.hub.Registry.JoinRoom(c.id, msg.Room); err != nil {
			c.sendError(msg.Room, err.Error())
			return
		}
		c.logger.WithField("room", msg.Room).Debug("Joined room")
		c.send(MessageRoomJoined, msg.Room, map[string]string{"room": msg.Room})

	case MessageLeaveRoom:
		if err := c.hub.Registry.LeaveRoom(c.id, msg.Room); err != nil {
			c.sendError(msg.Room, err.Error())
			return
		}
		c.logger.WithField("room", msg.Room).Debug("Left room")
		c.send(MessageRoomLeft, msg.Room, map[string]string{"room": msg.Room})

	case MessagePing:
		c.send(MessagePong, "", nil)

	default:
		c.sendError("", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Conn) send(t MessageType, room string, payload interface{}) {
	msg := ServerMessage{Type: t, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.WithError(err).Error("Marshal payload failed")
			return
		}
		msg.Payload = data
	}
	if err := c.Enqueue(msg); err != nil && !errors.Is(err, ErrConnClosed) {
		c.logger.WithError(err).WithField("type", t).Warn("Control message dropped")
	}
}

func (c *Conn) sendError(room, text string) {
	msg := ServerMessage{Type: MessageError, Room: room, Error: text}
	_ = c.Enqueue(msg)
}

// writeMessage 由出站队列写协程调用；写失败关闭底层连接，读协程随之退出并完成清理
func (c *Conn) writeMessage(msg *ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.ws.Close()
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// pingLoop 定期发送 ping；WriteControl 可与数据写并发调用
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.config.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				_ = c.ws.Close()
				return
			}
		}
	}
}

// Close 关闭连接：注销、停止写协程、发送关闭帧。可重复调用
func (c *Conn) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		opened := c.State() == StateOpen
		c.state.Store(int32(StateClosing))

		c.hub.Registry.Unregister(c.id)
		close(c.closeChan)
		c.outbox.Close()

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		closeErr = c.ws.Close()

		c.state.Store(int32(StateClosed))
		if opened {
			c.hub.observer.ConnectionClosed()
		}
		c.logger.Info("Connection closed")
	})

	return closeErr
}
