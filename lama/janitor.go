package lama

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner 可以按最近使用时间清理的缓存
type Pruner interface {
	Prune(maxAge time.Duration) (int, error)
}

// Janitor 按 cron 表达式定期清理模型/结果缓存
type Janitor struct {
	cron   *cron.Cron
	pruner Pruner
	maxAge time.Duration
	logger *slog.Logger
}

func NewJanitor(pruner Pruner, spec string, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		cron:   cron.New(),
		pruner: pruner,
		maxAge: maxAge,
		logger: logger,
	}
	if _, err := j.cron.AddFunc(spec, j.RunOnce); err != nil {
		return nil, err
	}
	return j, nil
}

// RunOnce 立即清理一次
func (j *Janitor) RunOnce() {
	removed, err := j.pruner.Prune(j.maxAge)
	if err != nil {
		j.logger.Warn("cache prune failed", "error", err)
		return
	}
	j.logger.Info("cache pruned", "removed", removed, "max_age", j.maxAge)
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop 等待正在执行的清理结束
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
