package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"postpulse/server/internal/api"
	"postpulse/server/internal/auth"
	"postpulse/server/internal/comment"
	"postpulse/server/internal/config"
	"postpulse/server/internal/feed"
	"postpulse/server/internal/gateway"
	"postpulse/server/internal/interest"
	"postpulse/server/internal/logging"
	"postpulse/server/internal/metrics"
	"postpulse/server/internal/post"
	"postpulse/server/internal/relay"
	"postpulse/server/internal/storage"
	"postpulse/server/internal/user"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *logrus.Logger, extra ...storage.Option) (*storage.DB, error) {
	opts := append([]storage.Option{
		storage.WithTxTimeout(cfg.Database.TxTimeout),
		storage.WithLogger(logger),
	}, extra...)
	return storage.Open(ctx, storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, opts...)
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "main")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if logging.ParseLevel(cfg.Logging.Level) != logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	collector := metrics.New(version)
	db, err := openDatabase(ctx, cfg, logger, storage.WithObserver(collector.ObserveTx))
	if err != nil {
		return err
	}
	defer db.Close()

	health := metrics.NewHealthChecker("postpulse", version)
	health.AddCheck("database", db.Ping)

	hub := gateway.NewHub(gateway.Config{
		PingInterval:   cfg.Gateway.PingInterval,
		PongWait:       cfg.Gateway.PongWait,
		WriteWait:      cfg.Gateway.WriteWait,
		OutboxCapacity: cfg.Gateway.OutboxCapacity,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
	}, collector, logging.Component(logger, "gateway"))

	relayDone := make(chan struct{})
	if cfg.Relay.Enabled {
		client, err := relay.NewClient(ctx, relay.Config{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		r := relay.New(client, cfg.Relay.Channel, hub.Router, logging.Component(logger, "relay"))
		r.SetObserver(collector.RelayMessage)
		hub.Bus.SubscribeAll("relay", r.Forward)
		health.AddCheck("relay", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		health.AddInfo("relay", func() interface{} { return r.Stats() })
		go func() {
			defer close(relayDone)
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Relay stopped")
			}
		}()
	} else {
		close(relayDone)
	}

	users := user.NewDirectory(db, 0)
	srv, err := api.NewServer(cfg.Server, api.Services{
		Users:     users,
		Posts:     post.NewStore(db, users),
		Interests: interest.NewLedger(db, users, hub, logger),
		Comments:  comment.NewThread(db, users, hub, logger),
		Feed:      feed.NewReader(db, users, cfg.Feed.DefaultLimit, cfg.Feed.MaxLimit),
		Hub:       hub,
		Verifier:  auth.NewVerifier(cfg.Auth.JWTSecret),
		Metrics:   collector,
		Health:    health,
	}, logger)
	if err != nil {
		return err
	}

	// WriteTimeout 只作用到 WebSocket 握手，长连接本身由网关的写超时控制
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"driver":  cfg.Database.Driver,
			"relay":   cfg.Relay.Enabled,
			"version": version,
		}).Info("postpulse listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	cancel()
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// 先关 WebSocket 连接，否则被劫持的连接会让 Hub.Serve 一直阻塞
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Gateway shutdown incomplete")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
	}
	log.Info("Stopped")
	return nil
}
