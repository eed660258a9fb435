package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// 场景：网关回调与事务结果计入对应指标
func TestCollector_Observers(t *testing.T) {
	c := New("test")

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	if got := testutil.ToFloat64(c.wsConnections); got != 1 {
		t.Fatalf("expected 1 active connection, got %v", got)
	}

	c.EventPublished("new_comment", 2)
	c.DeliveryDropped("new_comment", "outbox_full")
	c.ObserveTx("commit")
	c.ObserveTx("commit")
	c.RelayMessage("out")

	if got := testutil.ToFloat64(c.eventsPublished.WithLabelValues("new_comment")); got != 1 {
		t.Fatalf("expected 1 published event, got %v", got)
	}
	if got := testutil.ToFloat64(c.deliveriesDropped.WithLabelValues("new_comment", "outbox_full")); got != 1 {
		t.Fatalf("expected 1 dropped delivery, got %v", got)
	}
	if got := testutil.ToFloat64(c.transactions.WithLabelValues("commit")); got != 2 {
		t.Fatalf("expected 2 commits, got %v", got)
	}
}

// 场景：中间件按路由模板计数，/metrics 输出指标文本
func TestCollector_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New("test")
	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/posts/:postID", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })
	router.GET("/metrics", c.Handler())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/posts/1", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/posts/2", nil))

	if got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/posts/:postID", "204")); got != 2 {
		t.Fatalf("expected 2 requests for route template, got %v", got)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "postpulse_http_requests_total") {
		t.Fatal("metrics output missing http counter")
	}
}

// 场景：任一检查失败整体为 unhealthy，处理器返回 503
func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("postpulse", "test")
	hc.AddCheck("database", func(context.Context) error { return nil })

	if s := hc.CheckHealth(context.Background()); s.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", s)
	}

	hc.AddCheck("relay", func(context.Context) error { return errors.New("connection refused") })
	s := hc.CheckHealth(context.Background())
	if s.Status != StatusUnhealthy || s.Checks["relay"].Message != "connection refused" {
		t.Fatalf("expected unhealthy relay, got %+v", s)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/healthz", hc.Handler())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

// 场景：附加信息随健康报告输出，不影响状态
func TestHealthCheckerInfo(t *testing.T) {
	hc := NewHealthChecker("postpulse", "test")
	if s := hc.CheckHealth(context.Background()); s.Info != nil {
		t.Fatalf("expected no info, got %+v", s.Info)
	}

	forwarded := 0
	hc.AddInfo("relay", func() interface{} {
		forwarded++
		return map[string]int{"forwarded": forwarded}
	})
	s := hc.CheckHealth(context.Background())
	if s.Status != StatusHealthy {
		t.Fatalf("info must not change status, got %s", s.Status)
	}
	if got, ok := s.Info["relay"].(map[string]int); !ok || got["forwarded"] != 1 {
		t.Fatalf("unexpected relay info: %+v", s.Info)
	}
}
