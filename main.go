package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/inpaint/config"
	"github.com/chaos-io/inpaint/handler"
	"github.com/chaos-io/inpaint/inpaint"
	"github.com/chaos-io/inpaint/middleware"
	"github.com/chaos-io/inpaint/progress"
	"github.com/chaos-io/inpaint/surface"
	"github.com/chaos-io/inpaint/util"
	nhttp "github.com/chaos-io/inpaint/util/http"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const usage = `Usage: %s <command> [options]

Commands:
  run     inpaint one image with a mask and write a PNG
  serve   start the HTTP API
  status  query model status of a running server
`

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, os.Args[2:], os.Stdout)
	case "serve":
		err = serveCommand(ctx, os.Args[2:])
	case "status":
		err = statusCommand(ctx, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		_, _ = fmt.Fprintf(os.Stdout, usage, os.Args[0])
	default:
		_, _ = fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) *config.Config {
	cfg := config.New(path)
	util.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg
}

func runCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to config file")
	imagePath := fs.String("image", "", "Input image path or URL")
	maskPath := fs.String("mask", "", "Mask image path or URL (red or alpha > 0 marks pixels to fill)")
	outPath := fs.String("out", "", "Output PNG path (default output/<id>.png)")
	engineName := fs.String("engine", "auto", "Inpainting engine: auto, ai or local")
	maxSide := fs.Int("max-side", 0, "Downscale so the longest side is at most N pixels (0 keeps original size)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *maskPath == "" {
		fs.Usage()
		return errors.New("-image and -mask are required")
	}
	engine, err := inpaint.ParseEngine(*engineName)
	if err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	a, err := newApp(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	img, err := loadImage(ctx, *imagePath)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	mask, err := loadImage(ctx, *maskPath)
	if err != nil {
		return fmt.Errorf("load mask: %w", err)
	}
	img, mask = surface.ResizeWithinMax(img, mask, *maxSide)

	defer util.Trace("inpaint " + engine.String())()
	res := a.service.Run(ctx, engine, img, mask, func(e progress.Event) {
		slog.Info("progress", "stage", e.Stage, "percent", e.Percent, "message", e.Message)
	})
	if !res.OK() {
		return res.Err
	}

	out := *outPath
	if out == "" {
		out = filepath.Join("output", ksuid.New().String()+".png")
	}
	if err := util.SavePNG(out, res.Image); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "%s\t%s\n", res.Engine, out)
	return nil
}

func loadImage(ctx context.Context, path string) (*image.NRGBA, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return util.DownloadImage(ctx, path)
	}
	return util.OpenImage(path)
}

func serveCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	logger := slog.Default()
	logger.Info("starting inpaint server",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close app", "error", err)
		}
	}()

	if a.janitor != nil {
		a.janitor.RunOnce()
		a.janitor.Start()
	}

	if cfg.Model.Preload && a.loader != nil {
		go func() {
			if _, err := a.loader.GetOrLoad(context.Background(), func(e progress.Event) {
				logger.Debug("model preload", "stage", e.Stage, "percent", e.Percent, "message", e.Message)
			}); err != nil {
				logger.Warn("model preload failed", "error", err)
				return
			}
			logger.Info("model preloaded", "url", a.loader.URL())
		}()
	}

	opts := handler.Options{MaxUpload: cfg.Server.MaxUpload, Logger: logger}
	if cfg.Cache.Results {
		opts.Results = a.store
	}
	inpaintHandler := handler.NewInpaintHandler(a.service, a.model(), opts)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.Server.MaxUpload * 2

	r.GET("/health", handler.Health(Version))

	api := r.Group("/api/v1")
	{
		api.POST("/inpaint", inpaintHandler.Inpaint)
		api.GET("/model", inpaintHandler.ModelStatus)
		api.POST("/model/load", inpaintHandler.LoadModel)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// statusCommand 查询运行中服务的模型状态
func statusCommand(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server base URL")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var resp handler.ModelResponse
	err := nhttp.NewHTTPClient().DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: strings.TrimRight(*addr, "/") + "/api/v1/model",
		Method:     http.MethodGet,
		Header:     map[string]string{middleware.HeaderRequestID: ksuid.New().String()},
		Response:   &resp,
		Timeout:    *timeout,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "loaded=%t url=%s\n", resp.Loaded, resp.URL)
	return nil
}
