package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus 整体健康状态
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
	Info      map[string]interface{} `json:"info,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// PingFunc 依赖的连通性探测，例如 DB.Ping
type PingFunc func(ctx context.Context) error

// InfoFunc 附加到健康报告的运行时信息，不影响健康状态
type InfoFunc func() interface{}

// HealthChecker 依次执行已注册的检查
type HealthChecker struct {
	service string
	version string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]PingFunc
	info   map[string]InfoFunc
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		timeout: 3 * time.Second,
		checks:  make(map[string]PingFunc),
		info:    make(map[string]InfoFunc),
	}
}

// AddCheck 注册检查项，同名覆盖
func (hc *HealthChecker) AddCheck(name string, ping PingFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = ping
}

// AddInfo 注册附加信息，同名覆盖
func (hc *HealthChecker) AddInfo(name string, fn InfoFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.info[name] = fn
}

// CheckHealth 执行全部检查，任一失败即 unhealthy
func (hc *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := hc.checks
	var info map[string]interface{}
	if len(hc.info) > 0 {
		info = make(map[string]interface{}, len(hc.info))
		for name, fn := range hc.info {
			info[name] = fn()
		}
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:    StatusHealthy,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(names)),
		Info:      info,
	}
	for _, name := range names {
		result := hc.run(ctx, checks[name])
		status.Checks[name] = result
		if result.Status != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

func (hc *HealthChecker) run(ctx context.Context, ping PingFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start).String()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Latency: latency}
	}
	return CheckResult{Status: StatusHealthy, Latency: latency}
}

// Handler /healthz 处理器，unhealthy 时返回 503
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth(c.Request.Context())
		code := http.StatusOK
		if health.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, health)
	}
}
