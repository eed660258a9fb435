package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger 服务内统一使用的日志类型。
type Logger = *logrus.Logger

// Fields 结构化字段。
type Fields = logrus.Fields

// Options 日志配置。
type Options struct {
	Level  string // debug | info | warn | error
	Format string // json | text
	Output string // stdout | stderr | 文件路径
}

// New 根据配置创建 logger。输出文件打不开时退回 stderr。
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(opts.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(ParseLevel(opts.Level))
	logger.SetOutput(openOutput(opts.Output))
	return logger
}

// NewDiscard 返回丢弃所有输出的 logger，测试用。
func NewDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ParseLevel 解析日志级别，未知值按 info 处理。
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Component 返回带 component 字段的 entry。
func Component(logger Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

func openOutput(output string) io.Writer {
	switch output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr
	}
	return f
}
