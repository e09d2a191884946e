package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger 按配置创建 slog 日志并设为默认，format 为 json 或 text
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Trace 记录一段操作的耗时，用法：defer util.Trace("inpaint")()
func Trace(msg string) func() {
	start := time.Now()
	slog.Debug("enter " + msg)
	return func() {
		slog.Info("exit "+msg, "elapsed", time.Since(start))
	}
}
