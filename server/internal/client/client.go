// Package client 实时通道的 Go 客户端：断线自动重连、重新加入房间，连续失败超过上限后放弃。
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"postpulse/server/internal/gateway"
)

// ErrConnectivityLost 连续重连失败达到上限
var ErrConnectivityLost = errors.New("realtime connectivity lost")

type Config struct {
	URL         string // ws://host/ws
	Token       string
	Rooms       []string // 连接后额外加入的话题房间
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Dialer      *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Handler 处理一条服务端消息
type Handler func(msg gateway.ServerMessage)

type Client struct {
	cfg    Config
	retry  retrypolicy.RetryPolicy[*websocket.Conn]
	logger *logrus.Entry
}

func New(cfg Config, logger *logrus.Entry) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{cfg: cfg, logger: logger}
	c.retry = retrypolicy.NewBuilder[*websocket.Conn]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		WithJitterFactor(0.1).
		OnRetry(func(e failsafe.ExecutionEvent[*websocket.Conn]) {
			c.logger.WithError(e.LastError()).WithField("attempt", e.Attempts()).Warn("Reconnecting")
		}).
		Build()
	return c
}

// Run 建立连接并持续读取，断线后重连。ctx 取消时返回 ctx.Err()，重连耗尽时返回 ErrConnectivityLost。
func (c *Client) Run(ctx context.Context, handler Handler) error {
	for {
		conn, err := failsafe.With(c.retry).WithContext(ctx).Get(func() (*websocket.Conn, error) {
			return c.connect(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrConnectivityLost, err)
		}

		err = c.readLoop(ctx, conn, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Info("Connection dropped")
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	// 新连接不继承旧连接的房间，需重新加入
	for _, room := range c.cfg.Rooms {
		msg := gateway.ClientMessage{Type: gateway.MessageJoinRoom, Room: room}
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("join room %s: %w", room, err)
		}
	}
	c.logger.WithField("rooms", c.cfg.Rooms).Info("Connected")
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	var lastSeq int64
	for {
		var msg gateway.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if lastSeq != 0 && msg.Seq != lastSeq+1 {
			c.logger.WithFields(logrus.Fields{"expected": lastSeq + 1, "got": msg.Seq}).Warn("Sequence gap")
		}
		lastSeq = msg.Seq
		if handler != nil {
			handler(msg)
		}
	}
}
