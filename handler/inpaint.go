package handler

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/inpaint/cache"
	"github.com/chaos-io/inpaint/inpaint"
	"github.com/chaos-io/inpaint/lama"
	"github.com/chaos-io/inpaint/middleware"
	"github.com/chaos-io/inpaint/progress"
	"github.com/chaos-io/inpaint/surface"
	"github.com/chaos-io/inpaint/util"
)

const HeaderEngine = "X-Inpaint-Engine"

// Runner 按引擎执行修复，由 inpaint.Service 实现
type Runner interface {
	Run(ctx context.Context, engine inpaint.Engine, img, mask image.Image, onProgress progress.Func) inpaint.Result
}

// Model 神经网络模型的加载状态，由 lama.Loader 实现
type Model interface {
	URL() string
	Loaded() bool
	GetOrLoad(ctx context.Context, onProgress progress.Func) (lama.Session, error)
}

type Options struct {
	// MaxUpload 单个文件大小上限，0 表示不限制
	MaxUpload int64
	// Results 修复结果缓存，nil 表示不缓存
	Results cache.Store
	Logger  *slog.Logger
}

type InpaintHandler struct {
	runner    Runner
	model     Model
	maxUpload int64
	results   cache.Store
	logger    *slog.Logger
}

// NewInpaintHandler model 可以为 nil（未启用神经网络）
func NewInpaintHandler(runner Runner, model Model, opts Options) *InpaintHandler {
	h := &InpaintHandler{
		runner:    runner,
		model:     model,
		maxUpload: opts.MaxUpload,
		results:   opts.Results,
		logger:    opts.Logger,
	}
	if h.results == nil {
		h.results = cache.Nop{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Inpaint 处理修复请求，返回 PNG
func (h *InpaintHandler) Inpaint(c *gin.Context) {
	logger := h.logger.With("request_id", middleware.GetRequestID(c))

	imgData, err := h.readFile(c, "image")
	if err != nil {
		badRequest(c, "请上传图片文件", err)
		return
	}
	maskData, err := h.readFile(c, "mask")
	if err != nil {
		badRequest(c, "请上传 mask 文件", err)
		return
	}

	engine, err := inpaint.ParseEngine(c.PostForm("engine"))
	if err != nil {
		badRequest(c, "不支持的引擎，仅支持 auto/ai/local", err)
		return
	}
	maxSide := 0
	if s := c.PostForm("max_side"); s != "" {
		maxSide, err = strconv.Atoi(s)
		if err != nil || maxSide < 0 {
			badRequest(c, "max_side 必须是非负整数", fmt.Errorf("invalid max_side %q", s))
			return
		}
	}

	key := resultKey(imgData, maskData, engine, maxSide)
	if cached, err := h.results.Get(c.Request.Context(), key); err == nil {
		if name, png, ok := bytes.Cut(cached, []byte{0}); ok {
			logger.Info("result cache hit", "key", key)
			c.Header(HeaderEngine, string(name))
			c.Data(http.StatusOK, "image/png", png)
			return
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		logger.Warn("failed to get cache", "error", err)
	}

	img, err := util.DecodeImage(bytes.NewReader(imgData))
	if err != nil {
		badRequest(c, "图片解码失败", err)
		return
	}
	mask, err := util.DecodeImage(bytes.NewReader(maskData))
	if err != nil {
		badRequest(c, "mask 解码失败", err)
		return
	}
	if maxSide > 0 {
		img, mask = surface.ResizeWithinMax(img, mask, maxSide)
	}

	logger.Info("inpaint started",
		"engine", engine,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
		"masked", surface.CountMasked(mask))

	res := h.runner.Run(c.Request.Context(), engine, img, mask, func(e progress.Event) {
		logger.Debug("inpaint progress", "stage", e.Stage, "percent", e.Percent, "message", e.Message)
	})
	if !res.OK() {
		logger.Error("failed to inpaint", "engine", engine, "error", res.Err)
		status, msg := statusOf(res.Err)
		c.JSON(status, ErrorResponse{
			Success: false,
			Message: msg,
			Error:   res.Err.Error(),
		})
		return
	}

	out, err := util.EncodePNG(res.Image)
	if err != nil {
		logger.Error("failed to encode result", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Success: false,
			Message: "结果编码失败",
			Error:   err.Error(),
		})
		return
	}

	entry := make([]byte, 0, len(res.Engine)+1+len(out))
	entry = append(append(append(entry, res.Engine...), 0), out...)
	if err := h.results.Put(c.Request.Context(), key, entry); err != nil {
		logger.Warn("failed to set cache", "error", err)
	}

	logger.Info("inpaint finished", "engine", res.Engine, "bytes", len(out))
	c.Header(HeaderEngine, res.Engine)
	c.Data(http.StatusOK, "image/png", out)
}

// ModelStatus 查询模型是否已加载
func (h *InpaintHandler) ModelStatus(c *gin.Context) {
	if h.model == nil {
		c.JSON(http.StatusOK, ModelResponse{Success: true, Message: "AI 引擎未启用"})
		return
	}
	c.JSON(http.StatusOK, ModelResponse{
		Success: true,
		Loaded:  h.model.Loaded(),
		URL:     h.model.URL(),
	})
}

// LoadModel 预热模型；并发请求共享同一次加载
func (h *InpaintHandler) LoadModel(c *gin.Context) {
	if h.model == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Success: false,
			Message: "AI 引擎未启用",
		})
		return
	}

	logger := h.logger.With("request_id", middleware.GetRequestID(c))
	_, err := h.model.GetOrLoad(c.Request.Context(), func(e progress.Event) {
		logger.Debug("model progress", "stage", e.Stage, "percent", e.Percent, "message", e.Message)
	})
	if err != nil {
		logger.Error("failed to load model", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Success: false,
			Message: "模型加载失败",
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ModelResponse{
		Success: true,
		Loaded:  true,
		URL:     h.model.URL(),
		Message: "模型已加载",
	})
}

func (h *InpaintHandler) readFile(c *gin.Context, field string) ([]byte, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		return nil, fmt.Errorf("file %s exceeds %d bytes", field, h.maxUpload)
	}
	return readMultipart(file)
}

func readMultipart(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

func resultKey(img, mask []byte, engine inpaint.Engine, maxSide int) string {
	h := md5.New()
	h.Write(img)
	h.Write([]byte{0})
	h.Write(mask)
	_, _ = fmt.Fprintf(h, "\x00%s\x00%d", engine, maxSide)
	return hex.EncodeToString(h.Sum(nil))
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, surface.ErrInvalidSurface):
		return http.StatusBadRequest, "图片与 mask 尺寸不一致或为空"
	case errors.Is(err, lama.ErrModelUnavailable), errors.Is(err, inpaint.ErrNoEngine):
		return http.StatusServiceUnavailable, "AI 模型不可用"
	}
	return http.StatusInternalServerError, "图片处理失败"
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Message: msg,
		Error:   err.Error(),
	})
}
