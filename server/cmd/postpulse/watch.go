package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"postpulse/server/internal/client"
	"postpulse/server/internal/gateway"
	"postpulse/server/internal/logging"
)

// newWatchCommand 连接实时通道并把收到的消息逐行打印为 JSON
func newWatchCommand() *cobra.Command {
	var (
		url   string
		token string
		rooms []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime notifications to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			// 不需要服务端配置，日志写 stderr，stdout 只输出消息
			logger := logging.New(logging.Options{Level: "info", Format: "text", Output: "stderr"})
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := json.NewEncoder(cmd.OutOrStdout())
			c := client.New(client.Config{URL: url, Token: token, Rooms: rooms}, logging.Component(logger, "watch"))
			err := c.Run(ctx, func(msg gateway.ServerMessage) {
				_ = out.Encode(msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "websocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "extra rooms to join, e.g. post:42")
	return cmd
}
