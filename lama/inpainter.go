package lama

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/chaos-io/inpaint/progress"
	"github.com/chaos-io/inpaint/surface"
	"github.com/chaos-io/inpaint/tensor"
)

type InpainterOptions struct {
	// Size 模型固定输入边长，默认 512
	Size int
	// PreserveUnmasked 把 mask 之外的像素还原为原图，避免 512 分辨率往返带来的模糊
	PreserveUnmasked bool
	Logger           *slog.Logger
}

// Inpainter 神经网络修复路径：加载模型 -> 编码 -> 一次推理 -> 解码。
// 不做重试，任何失败都返回给上层决定是否回退。
type Inpainter struct {
	loader           *Loader
	size             int
	preserveUnmasked bool
	logger           *slog.Logger
}

func NewInpainter(loader *Loader, opts InpainterOptions) *Inpainter {
	in := &Inpainter{
		loader:           loader,
		size:             opts.Size,
		preserveUnmasked: opts.PreserveUnmasked,
		logger:           opts.Logger,
	}
	if in.size <= 0 {
		in.size = tensor.DefaultSize
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

func (in *Inpainter) Name() string {
	return "ai"
}

// Inpaint 返回新的图像，尺寸与输入一致
func (in *Inpainter) Inpaint(ctx context.Context, img, mask image.Image, onProgress progress.Func) (*image.NRGBA, error) {
	if err := surface.ValidatePair(img, mask); err != nil {
		return nil, err
	}

	session, err := in.loader.GetOrLoad(ctx, onProgress)
	if err != nil {
		return nil, err
	}

	onProgress.Status(progress.StageAI, "Preprocessing image...")
	src := surface.ToNRGBA(img)
	maskSrc := surface.ToNRGBA(mask)

	imageTensor, w, h, err := tensor.EncodeImage(src, in.size)
	if err != nil {
		return nil, err
	}
	maskTensor, err := tensor.EncodeMask(maskSrc, src, in.size)
	if err != nil {
		return nil, err
	}

	onProgress.Status(progress.StageAI, "Running AI inpainting...")
	out, err := session.Run(imageTensor, maskTensor)
	if err != nil {
		in.logger.Error("LaMa inference failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: missing %q output", ErrInference, OutputName)
	}

	onProgress.Status(progress.StageAI, "Postprocessing result...")
	result, err := tensor.DecodeOutput(out, w, h, in.size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	if in.preserveUnmasked {
		restoreUnmasked(result, src, maskSrc)
	}
	return result, nil
}

// restoreUnmasked 未标记的像素直接取原图
func restoreUnmasked(dst, src, mask *image.NRGBA) {
	for i, m := range surface.MaskBits(mask) {
		if m {
			continue
		}
		copy(dst.Pix[i*4:i*4+4], src.Pix[i*4:i*4+4])
	}
}
