package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chaos-io/inpaint/cache"
	"github.com/chaos-io/inpaint/config"
	"github.com/chaos-io/inpaint/handler"
	"github.com/chaos-io/inpaint/inpaint"
	"github.com/chaos-io/inpaint/lama"
	nhttp "github.com/chaos-io/inpaint/util/http"
)

// app 装配好的各个组件
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   cache.Store
	loader  *lama.Loader
	service *inpaint.Service
	janitor *lama.Janitor

	closers []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := a.newStore()
	if err != nil {
		return nil, err
	}
	a.store = store

	var ai inpaint.Strategy
	if !cfg.Model.Disabled {
		runtime := lama.NewORTRuntime(cfg.Model.LibraryPath)
		if cfg.Model.Threads > 0 {
			runtime.Threads = cfg.Model.Threads
		}
		a.loader = lama.NewLoader(lama.LoaderOptions{
			URL:     cfg.Model.URL,
			Cache:   store,
			Fetcher: nhttp.NewStreamer(),
			Runtime: runtime,
			Logger:  logger.With("component", "loader"),
		})
		a.closers = append(a.closers, a.loader.Reset)
		ai = lama.NewInpainter(a.loader, lama.InpainterOptions{
			Size:             cfg.Model.Size,
			PreserveUnmasked: cfg.Model.PreserveUnmasked,
			Logger:           logger.With("component", "ai"),
		})
	}

	local := inpaint.NewLocal(inpaint.LocalOptions{
		Iterations: cfg.Local.Iterations,
		Radius:     cfg.Local.Radius,
		Workers:    cfg.Local.Workers,
		Logger:     logger.With("component", "local"),
	})
	a.service = inpaint.NewService(ai, local, logger)
	return a, nil
}

func (a *app) newStore() (cache.Store, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		r := cache.NewRedis(cache.RedisOptions{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			TTL:      a.cfg.Redis.TTL,
		})
		if err := r.Ping(context.Background()); err != nil {
			a.logger.Warn("redis connection failed, cache disabled", "error", err)
			_ = r.Close()
			return cache.Nop{}, nil
		}
		a.logger.Info("redis connected successfully", "addr", a.cfg.Redis.Addr)
		a.closers = append(a.closers, r.Close)
		return r, nil
	case "none":
		return cache.Nop{}, nil
	}

	d, err := cache.NewDisk(a.cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	if a.cfg.Cache.PruneSchedule != "" && a.cfg.Cache.MaxAge > 0 {
		a.janitor, err = lama.NewJanitor(d, a.cfg.Cache.PruneSchedule, a.cfg.Cache.MaxAge, a.logger.With("component", "janitor"))
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// model 未启用神经网络时返回 nil 接口，避免把 nil *lama.Loader 当成有效模型
func (a *app) model() handler.Model {
	if a.loader == nil {
		return nil
	}
	return a.loader
}

func (a *app) Close() error {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
