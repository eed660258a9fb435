package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"postpulse/server/internal/config"
	"postpulse/server/internal/logging"
)

// rootOptions 全局参数
type rootOptions struct {
	ConfigPath string
	EnvFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "postpulse",
		Short:         "Post, interest and comment service with realtime notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml)")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load (default .env, .env.dev)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

// load 读取 .env 与配置文件，并按配置创建 logger
func (o *rootOptions) load() (*config.Config, *logrus.Logger, error) {
	loaded := config.LoadEnv(o.EnvFiles...)

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if len(loaded) > 0 {
		logger.WithField("files", loaded).Debug("Loaded env files")
	}
	return cfg, logger, nil
}
