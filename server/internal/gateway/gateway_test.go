package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"postpulse/server/internal/model"
)

// newTestHub 启动一个 httptest 服务，?user= 指定连接所属用户
func newTestHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, nil, nil)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(context.Background(), ws, userID)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string, userID int64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user="+strconv.FormatInt(userID, 10), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// 场景：握手后收到 connected，包含自动加入的 user 房间
func TestHub_ConnectedHandshake(t *testing.T) {
	hub, url := newTestHub(t, Config{})
	conn := dial(t, url, 1)

	msg := readMessage(t, conn)
	if msg.Type != MessageConnected || msg.Seq != 1 {
		t.Fatalf("unexpected first message: %+v", msg)
	}
	var payload ConnectedPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	if payload.UserID != 1 || len(payload.Rooms) != 1 || payload.Rooms[0] != "user:1" || payload.ConnectionID == "" {
		t.Fatalf("unexpected connected payload: %+v", payload)
	}
	if n := len(hub.Registry.ConnectionsInRoom("user:1")); n != 1 {
		t.Fatalf("expected 1 registered connection, got %d", n)
	}
}

// 场景：加入话题房间后收到该房间的事件；控制消息与通知按序编号
func TestHub_JoinRoomAndReceive(t *testing.T) {
	hub, url := newTestHub(t, Config{})
	conn := dial(t, url, 2)
	readMessage(t, conn) // connected

	if err := conn.WriteJSON(ClientMessage{Type: MessageJoinRoom, Room: "post:9"}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	joined := readMessage(t, conn)
	if joined.Type != MessageRoomJoined || joined.Room != "post:9" || joined.Seq != 2 {
		t.Fatalf("unexpected join reply: %+v", joined)
	}

	event, _ := model.NewEvent(model.EventNewComment, "post:9", map[string]string{"text": "hi"}, time.Now())
	hub.Publish(context.Background(), event)

	got := readMessage(t, conn)
	if got.Type != MessageType(model.EventNewComment) || got.Room != "post:9" || got.Seq != 3 {
		t.Fatalf("unexpected event: %+v", got)
	}

	if err := conn.WriteJSON(ClientMessage{Type: MessageLeaveRoom, Room: "post:9"}); err != nil {
		t.Fatalf("write leave: %v", err)
	}
	if left := readMessage(t, conn); left.Type != MessageRoomLeft {
		t.Fatalf("unexpected leave reply: %+v", left)
	}
	if n := len(hub.Registry.ConnectionsInRoom("post:9")); n != 0 {
		t.Fatalf("expected empty room after leave, got %d", n)
	}
}

// 场景：非法控制消息返回 error，连接保持
func TestHub_ControlErrors(t *testing.T) {
	_, url := newTestHub(t, Config{})
	conn := dial(t, url, 3)
	readMessage(t, conn)

	_ = conn.WriteJSON(ClientMessage{Type: MessageJoinRoom, Room: "user:1"})
	if msg := readMessage(t, conn); msg.Type != MessageError || msg.Error == "" {
		t.Fatalf("expected error for foreign user room, got %+v", msg)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if msg := readMessage(t, conn); msg.Type != MessageError {
		t.Fatalf("expected error for invalid json, got %+v", msg)
	}

	_ = conn.WriteJSON(ClientMessage{Type: MessagePing})
	if msg := readMessage(t, conn); msg.Type != MessagePong {
		t.Fatalf("expected pong, got %+v", msg)
	}
}

// 场景：客户端断开后连接被注销，之后的事件不会投递
func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, url := newTestHub(t, Config{})
	conn := dial(t, url, 4)
	readMessage(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, func() bool { return hub.Registry.Stats().Connections == 0 })

	event, _ := model.NewEvent(model.EventNewMessage, "user:4", map[string]string{}, time.Now())
	if n := hub.Router.Deliver(context.Background(), event); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

// 场景：服务端按 ping 间隔发送 ping，客户端自动回 pong，连接保持
func TestHub_PingKeepsAlive(t *testing.T) {
	hub, url := newTestHub(t, Config{PingInterval: 20 * time.Millisecond, PongWait: 200 * time.Millisecond})
	conn := dial(t, url, 5)

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	// 读协程驱动控制帧处理
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(time.Second):
			t.Fatal("no ping received")
		}
	}
	if hub.Registry.Stats().Connections != 1 {
		t.Fatal("connection dropped despite pongs")
	}
}

// 场景：Shutdown 之后接入的连接立即被关闭且不注册
func TestHub_ServeAfterShutdown(t *testing.T) {
	hub, url := newTestHub(t, Config{})
	if err := hub.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	conn := dial(t, url, 6)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if n := hub.Registry.Stats().Connections; n != 0 {
		t.Fatalf("expected no registered connections, got %d", n)
	}
}

// 场景：Shutdown 取快照时仍在握手中的连接，注册完成后自行关闭
func TestHub_RegisterDuringShutdown(t *testing.T) {
	hub := NewHub(Config{}, nil, nil)
	upgrader := websocket.Upgrader{}
	exited := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// 模拟已通过 Serve 检查、尚未注册的连接
		if err := hub.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		newConn(ws, 7, hub).run(context.Background())
		close(exited)
	}))
	defer server.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(server.URL, "http"), 7)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("connection registered after shutdown stayed open")
	}
	if n := hub.Registry.Stats().Connections; n != 0 {
		t.Fatalf("expected connection to be unregistered, got %d", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
