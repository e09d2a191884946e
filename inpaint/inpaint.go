// Package inpaint 组合神经网络修复和本地回退修复。
// 先尝试 AI，失败（模型不可用、推理出错）再显式回退到本地算法；输入不合法时直接返回错误。
package inpaint

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/chaos-io/inpaint/progress"
	"github.com/chaos-io/inpaint/surface"
)

type Engine string

const (
	EngineAuto  Engine = "auto"
	EngineAI    Engine = "ai"
	EngineLocal Engine = "local"
)

func (e Engine) String() string {
	return string(e)
}

// ParseEngine 空字符串视为 auto
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case "", EngineAuto:
		return EngineAuto, nil
	case EngineAI:
		return EngineAI, nil
	case EngineLocal:
		return EngineLocal, nil
	}
	return "", fmt.Errorf("unknown engine %q", s)
}

// ErrNoEngine 没有配置对应的修复引擎
var ErrNoEngine = errors.New("inpaint engine not configured")

// Strategy 一种修复实现，返回与输入同尺寸的新图像
type Strategy interface {
	Name() string
	Inpaint(ctx context.Context, img, mask image.Image, onProgress progress.Func) (*image.NRGBA, error)
}

// Result 一次修复尝试的结果
type Result struct {
	Image  *image.NRGBA
	Engine string
	Err    error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Try 运行一次 strategy，把返回值收敛成 Result
func Try(ctx context.Context, s Strategy, img, mask image.Image, onProgress progress.Func) Result {
	if s == nil {
		return Result{Err: ErrNoEngine}
	}
	out, err := s.Inpaint(ctx, img, mask, onProgress)
	return Result{Image: out, Engine: s.Name(), Err: err}
}

// OrElse 成功或输入不合法时原样返回，否则调用 fallback
func (r Result) OrElse(fallback func(err error) Result) Result {
	if r.Err == nil || errors.Is(r.Err, surface.ErrInvalidSurface) {
		return r
	}
	return fallback(r.Err)
}

// Service 对外暴露的两个操作和它们的组合
type Service struct {
	ai     Strategy
	local  Strategy
	logger *slog.Logger
}

// NewService ai 可以为 nil（例如没有 onnxruntime），此时 auto 直接走本地
func NewService(ai, local Strategy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ai: ai, local: local, logger: logger}
}

// RunAIInpainting 只走神经网络，失败直接返回，由调用方决定是否回退
func (s *Service) RunAIInpainting(ctx context.Context, img, mask image.Image, onProgress progress.Func) (*image.NRGBA, error) {
	r := Try(ctx, s.ai, img, mask, onProgress)
	return r.Image, r.Err
}

// RunSimpleInpainting 本地确定性修复，始终可用
func (s *Service) RunSimpleInpainting(ctx context.Context, img, mask image.Image, onProgress progress.Func) (*image.NRGBA, error) {
	r := Try(ctx, s.local, img, mask, onProgress)
	return r.Image, r.Err
}

// Run 按 engine 选择实现；auto 先 AI 后本地
func (s *Service) Run(ctx context.Context, engine Engine, img, mask image.Image, onProgress progress.Func) Result {
	switch engine {
	case EngineAI:
		return Try(ctx, s.ai, img, mask, onProgress)
	case EngineLocal:
		return Try(ctx, s.local, img, mask, onProgress)
	}

	return Try(ctx, s.ai, img, mask, onProgress).OrElse(func(err error) Result {
		s.logger.Warn("AI inpainting unavailable, falling back to local", "error", err)
		onProgress.Status(progress.StageFallback, "AI unavailable, using local processing")
		return Try(ctx, s.local, img, mask, onProgress)
	})
}
