package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"postpulse/server/internal/auth"
	"postpulse/server/internal/comment"
	"postpulse/server/internal/config"
	"postpulse/server/internal/feed"
	"postpulse/server/internal/gateway"
	"postpulse/server/internal/interest"
	"postpulse/server/internal/logging"
	"postpulse/server/internal/metrics"
	"postpulse/server/internal/post"
	"postpulse/server/internal/user"
)

// Services 服务依赖，由 main 显式构造后注入
type Services struct {
	Users     *user.Directory
	Posts     *post.Store
	Interests *interest.Ledger
	Comments  *comment.Thread
	Feed      *feed.Reader
	Hub       *gateway.Hub
	Verifier  *auth.Verifier

	// 以下可为 nil
	Metrics *metrics.Collector
	Health  *metrics.HealthChecker
}

type Server struct {
	config config.ServerConfig
	svc    Services
	logger logging.Logger
	log    *logrus.Entry

	origins  map[string]struct{}
	anyOrig  bool
	upgrader websocket.Upgrader
}

func NewServer(cfg config.ServerConfig, svc Services, logger logging.Logger) (*Server, error) {
	if svc.Posts == nil || svc.Interests == nil || svc.Comments == nil || svc.Feed == nil {
		return nil, errors.New("api: post, interest, comment and feed services are required")
	}
	if svc.Hub == nil || svc.Verifier == nil {
		return nil, errors.New("api: hub and verifier are required")
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	s := &Server{
		config:  cfg,
		svc:     svc,
		logger:  logger,
		log:     logging.Component(logger, "api"),
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			s.anyOrig = true
			continue
		}
		if o != "" {
			s.origins[o] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(requestIDMiddleware(), loggingMiddleware(s.logger), recoveryMiddleware(s.logger), s.corsMiddleware())
	if s.svc.Metrics != nil {
		engine.Use(s.svc.Metrics.Middleware())
		engine.GET("/metrics", s.svc.Metrics.Handler())
	}

	if s.svc.Health != nil {
		engine.GET("/healthz", s.svc.Health.Handler())
	} else {
		engine.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	// 浏览器 WebSocket 无法设置头，令牌可放在 ?token=
	engine.GET("/ws", s.handleWS)

	posts := engine.Group("/posts", auth.Middleware(s.svc.Verifier, s.rememberUser))
	posts.GET("/feed", s.handleFeed)
	posts.POST("", s.handleCreatePost)
	posts.GET("/:postID", s.handleGetPost)
	posts.PUT("/:postID/interest", s.handleSetInterest)
	posts.POST("/:postID/comments", s.handleAddComment)
	posts.GET("/:postID/comments", s.handleListComments)
	return engine
}

// checkOrigin 没有 Origin 头的非浏览器客户端放行；否则必须同源或在白名单内
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrig {
		return true
	}
	if _, ok := s.origins[strings.TrimRight(origin, "/")]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleWS(c *gin.Context) {
	id, err := s.svc.Verifier.VerifyRequest(c.Request, true)
	if err != nil {
		fail(c, http.StatusUnauthorized, err.Error())
		return
	}
	s.rememberUser(c.Request.Context(), id)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回错误响应
		s.log.WithError(err).WithField("user_id", id.UserID).Warn("WebSocket upgrade failed")
		return
	}
	s.svc.Hub.Serve(c.Request.Context(), ws, id.UserID)
}
