package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpulse/server/internal/auth"
	"postpulse/server/internal/comment"
	"postpulse/server/internal/config"
	"postpulse/server/internal/feed"
	"postpulse/server/internal/gateway"
	"postpulse/server/internal/interest"
	"postpulse/server/internal/logging"
	"postpulse/server/internal/metrics"
	"postpulse/server/internal/model"
	"postpulse/server/internal/post"
	"postpulse/server/internal/storage/storagetest"
	"postpulse/server/internal/user"
)

const testSecret = "api-test-secret"

type testEnv struct {
	server *httptest.Server
	hub    *gateway.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewDiscard()
	db := storagetest.Open(t)
	users := user.NewDirectory(db, time.Minute)
	collector := metrics.New("test")
	hub := gateway.NewHub(gateway.Config{}, collector, logging.Component(logger, "gateway"))

	srv, err := NewServer(config.ServerConfig{}, Services{
		Users:     users,
		Posts:     post.NewStore(db, users),
		Interests: interest.NewLedger(db, users, hub, logger),
		Comments:  comment.NewThread(db, users, hub, logger),
		Feed:      feed.NewReader(db, users, feed.DefaultLimit, feed.MaxLimit),
		Hub:       hub,
		Verifier:  auth.NewVerifier(testSecret),
		Metrics:   collector,
		Health:    metrics.NewHealthChecker("postpulse", "test"),
	}, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{server: ts, hub: hub}
}

func token(t *testing.T, id int64, name string) string {
	t.Helper()
	tok, err := auth.GenerateToken(id, name, time.Hour, testSecret)
	require.NoError(t, err)
	return tok
}

// do 发送 JSON 请求并解码响应体
func (e *testEnv) do(t *testing.T, method, path, tok string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) dial(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) gateway.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg gateway.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func feedEntry(t *testing.T, body map[string]interface{}, postID float64) map[string]interface{} {
	t.Helper()
	posts, ok := body["posts"].([]interface{})
	require.True(t, ok, "posts missing: %v", body)
	for _, p := range posts {
		entry := p.(map[string]interface{})
		if entry["id"] == postID {
			return entry
		}
	}
	t.Fatalf("post %v not in feed", postID)
	return nil
}

// 场景：A 发帖寻找合伙人，B 表示感兴趣；计数为 1，B 视角 userInterested=true，C 为 false，
// A 的在线连接收到带 B 用户名的 post_interest
func TestCoFounderScenario(t *testing.T) {
	env := newTestEnv(t)
	tokA, tokB, tokC := token(t, 1, "A"), token(t, 2, "B"), token(t, 3, "C")

	connA := env.dial(t, tokA)
	connected := readServerMessage(t, connA)
	require.Equal(t, gateway.MessageConnected, connected.Type)

	status, body := env.do(t, http.MethodPost, "/posts", tokA, map[string]interface{}{
		"content": "Looking for a co-founder",
		"tags":    []string{"startup"},
		"images":  []string{},
	})
	require.Equal(t, http.StatusCreated, status, body)
	created := body["post"].(map[string]interface{})
	postID := created["id"].(float64)
	assert.Equal(t, []interface{}{"startup"}, created["tags"])

	status, body = env.do(t, http.MethodPut, "/posts/"+jsonID(postID)+"/interest", tokB, map[string]bool{"interested": true})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["interested"])
	assert.Equal(t, float64(1), body["interestCount"])

	msg := readServerMessage(t, connA)
	require.Equal(t, gateway.MessageType(model.EventPostInterest), msg.Type)
	assert.Equal(t, "user:1", msg.Room)
	var payload model.InterestPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, int64(postID), payload.PostID)
	assert.Equal(t, int64(2), payload.UserID)
	assert.Equal(t, "B", payload.Username)

	_, feedB := env.do(t, http.MethodGet, "/posts/feed", tokB, nil)
	entryB := feedEntry(t, feedB, postID)
	assert.Equal(t, float64(1), entryB["interestCount"])
	assert.Equal(t, true, entryB["userInterested"])

	_, feedC := env.do(t, http.MethodGet, "/posts/feed", tokC, nil)
	entryC := feedEntry(t, feedC, postID)
	assert.Equal(t, float64(1), entryC["interestCount"])
	assert.Equal(t, false, entryC["userInterested"])
	assert.Equal(t, "A", entryC["author"].(map[string]interface{})["username"])
}

// 场景：评论推送给作者；作者自己的评论不推送
func TestCommentNotifiesAuthor(t *testing.T) {
	env := newTestEnv(t)
	tokA, tokB := token(t, 1, "A"), token(t, 2, "B")

	_, body := env.do(t, http.MethodPost, "/posts", tokA, map[string]string{"content": "hello"})
	postID := jsonID(body["post"].(map[string]interface{})["id"].(float64))

	connA := env.dial(t, tokA)
	readServerMessage(t, connA)

	status, body := env.do(t, http.MethodPost, "/posts/"+postID+"/comments", tokA, map[string]string{"text": "self"})
	require.Equal(t, http.StatusCreated, status, body)
	status, body = env.do(t, http.MethodPost, "/posts/"+postID+"/comments", tokB, map[string]string{"text": "nice"})
	require.Equal(t, http.StatusCreated, status, body)

	// 第一条推送必须是 B 的评论
	msg := readServerMessage(t, connA)
	require.Equal(t, gateway.MessageType(model.EventNewComment), msg.Type)
	var payload model.CommentPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "nice", payload.Comment.Content)
	assert.Equal(t, "B", payload.Username)

	status, body = env.do(t, http.MethodGet, "/posts/"+postID+"/comments", tokA, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["comments"], 2)
}

// 场景：错误映射为统一的 {success:false, message}
func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	tokA := token(t, 1, "A")

	status, body := env.do(t, http.MethodGet, "/posts/feed", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	status, body = env.do(t, http.MethodPost, "/posts", tokA, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])

	status, _ = env.do(t, http.MethodPut, "/posts/999/interest", tokA, map[string]bool{"interested": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPut, "/posts/abc/interest", tokA, map[string]bool{"interested": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/posts/999/comments", tokA, map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/posts/feed?page=x", tokA, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// 场景：owner-only 帖子对他人不可见，包括按 id 读取
func TestOwnerOnlyVisibility(t *testing.T) {
	env := newTestEnv(t)
	tokA, tokB := token(t, 1, "A"), token(t, 2, "B")

	_, body := env.do(t, http.MethodPost, "/posts", tokA, map[string]string{"content": "draft", "visibility": "owner-only"})
	postID := jsonID(body["post"].(map[string]interface{})["id"].(float64))

	status, _ := env.do(t, http.MethodGet, "/posts/"+postID, tokA, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, "/posts/"+postID, tokB, nil)
	assert.Equal(t, http.StatusNotFound, status)

	_, feedB := env.do(t, http.MethodGet, "/posts/feed", tokB, nil)
	assert.Empty(t, feedB["posts"])
}

// 场景：他人对 owner-only 帖子的评论串与兴趣操作一律 404，作者不收到任何推送
func TestOwnerOnlyPostRejectsOthers(t *testing.T) {
	env := newTestEnv(t)
	tokA, tokB := token(t, 1, "A"), token(t, 2, "B")

	_, body := env.do(t, http.MethodPost, "/posts", tokA, map[string]string{"content": "draft", "visibility": "owner-only"})
	postID := jsonID(body["post"].(map[string]interface{})["id"].(float64))
	status, body := env.do(t, http.MethodPost, "/posts/"+postID+"/comments", tokA, map[string]string{"text": "private note to self"})
	require.Equal(t, http.StatusCreated, status, body)

	connA := env.dial(t, tokA)
	readServerMessage(t, connA) // connected

	status, body = env.do(t, http.MethodGet, "/posts/"+postID+"/comments", tokB, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Nil(t, body["comments"])

	status, _ = env.do(t, http.MethodPut, "/posts/"+postID+"/interest", tokB, map[string]bool{"interested": true})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/posts/"+postID+"/comments", tokB, map[string]string{"text": "peek"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/posts/"+postID+"/comments", tokA, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["comments"], 1)
	status, body = env.do(t, http.MethodGet, "/posts/"+postID, tokA, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["post"].(map[string]interface{})["interestCount"])

	// A 的连接上不应出现 B 触发的通知
	_ = connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg gateway.ServerMessage
	assert.Error(t, connA.ReadJSON(&msg), "unexpected push: %+v", msg)
}

// 场景：WebSocket 握手必须携带有效令牌
func TestWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	srv := &Server{origins: map[string]struct{}{"https://app.example.com": {}}}

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
	assert.True(t, srv.checkOrigin(r), "no origin header")

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, srv.checkOrigin(r))

	r.Header.Set("Origin", "http://api.example.com")
	assert.True(t, srv.checkOrigin(r), "same origin")

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, srv.checkOrigin(r))
}

func jsonID(id float64) string {
	return strconv.FormatInt(int64(id), 10)
}
