package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New 创建结构化日志器。format 为 "json" 时输出 JSON，否则输出带时间戳的文本。
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// FormatFor 根据运行环境选择默认日志格式。
func FormatFor(env, override string) string {
	if override != "" {
		return override
	}
	if env == "production" {
		return "json"
	}
	return "text"
}

// Discard 返回丢弃所有输出的日志器，供测试使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
