package tensor

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/chaos-io/inpaint/surface"
)

// letterboxCanvas 黑底 Size×Size 画布，原图按 Letterbox 居中绘制
func letterboxCanvas(img image.Image, lb Letterbox) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, lb.Size, lb.Size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(canvas, lb.Content, img, img.Bounds(), draw.Over, nil)
	return canvas
}

// EncodeImage 图像 -> [1,3,S,S] 张量，R/G/B 三个平面依次排列，值归一化到 [0,1]，丢弃 alpha。
// 返回原图宽高，解码时需要用它们还原同一套 letterbox。
func EncodeImage(img image.Image, size int) (*Tensor, int, int, error) {
	if err := surface.Validate(img); err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	lb, err := NewLetterbox(b.Dx(), b.Dy(), size)
	if err != nil {
		return nil, 0, 0, err
	}

	canvas := letterboxCanvas(surface.ToNRGBA(img), lb)

	plane := size * size
	t := Zeros(1, 3, int64(size), int64(size))
	for i := 0; i < plane; i++ {
		t.Data[i] = float32(canvas.Pix[i*4]) / 255.0
		t.Data[plane+i] = float32(canvas.Pix[i*4+1]) / 255.0
		t.Data[2*plane+i] = float32(canvas.Pix[i*4+2]) / 255.0
	}
	return t, b.Dx(), b.Dy(), nil
}

// EncodeMask mask -> [1,1,S,S] 张量，值只有 0 和 1。
// 缩放比例和偏移取自参考图像的尺寸，保证与 EncodeImage 对齐。
func EncodeMask(mask, ref image.Image, size int) (*Tensor, error) {
	if err := surface.ValidatePair(ref, mask); err != nil {
		return nil, err
	}
	rb := ref.Bounds()
	lb, err := NewLetterbox(rb.Dx(), rb.Dy(), size)
	if err != nil {
		return nil, err
	}

	// 先在原分辨率上按 红色||alpha 二值化，避免缩放时预乘把只有红色的标记抹掉。
	// 缩小时核覆盖所有源像素，只剩一行的细长图也不会丢掉标记
	bin := surface.Binarize(surface.ToNRGBA(mask))
	canvas := image.NewGray(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(canvas, lb.Content, bin, bin.Bounds(), draw.Src, nil)

	t := Zeros(1, 1, int64(size), int64(size))
	for i, v := range canvas.Pix {
		if v > 0 {
			t.Data[i] = 1.0
		}
	}
	return t, nil
}

// ToImage 把 [1,3,S,S] 输出张量反归一化成 S×S 的不透明 RGBA 画布
func ToImage(t *Tensor, size int) (*image.RGBA, error) {
	if !t.Is(1, 3, int64(size), int64(size)) || t.Len() != 3*size*size {
		return nil, fmt.Errorf("%w: want [1 3 %d %d], got %v", ErrShape, size, size, t.Shape)
	}

	plane := size * size
	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < plane; i++ {
		canvas.Pix[i*4] = denormalize(t.Data[i])
		canvas.Pix[i*4+1] = denormalize(t.Data[plane+i])
		canvas.Pix[i*4+2] = denormalize(t.Data[2*plane+i])
		canvas.Pix[i*4+3] = 255
	}
	return canvas, nil
}

// DecodeOutput 输出张量 -> 原尺寸图像。
// 重新计算编码时的 letterbox，只取居中的有效区域，双线性采样回 originalW×originalH，黑边不会进入结果。
func DecodeOutput(t *Tensor, originalW, originalH, size int) (*image.NRGBA, error) {
	lb, err := NewLetterbox(originalW, originalH, size)
	if err != nil {
		return nil, err
	}
	canvas, err := ToImage(t, size)
	if err != nil {
		return nil, err
	}

	content := lb.Content
	out := surface.New(originalW, originalH)
	for y := 0; y < originalH; y++ {
		for x := 0; x < originalW; x++ {
			tx, ty := lb.TargetPoint(x, y)
			r, g, b := sampleBilinear(canvas, content, tx, ty)
			i := out.PixOffset(x, y)
			out.Pix[i] = r
			out.Pix[i+1] = g
			out.Pix[i+2] = b
			out.Pix[i+3] = 255
		}
	}
	return out, nil
}

// sampleBilinear 在 (fx, fy) 处双线性采样，采样点限制在 clip 内
func sampleBilinear(img *image.RGBA, clip image.Rectangle, fx, fy float64) (uint8, uint8, uint8) {
	sx := fx - 0.5
	sy := fy - 0.5
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))
	wx := sx - float64(x0)
	wy := sy - float64(y0)

	x1 := clampInt(x0+1, clip.Min.X, clip.Max.X-1)
	y1 := clampInt(y0+1, clip.Min.Y, clip.Max.Y-1)
	x0 = clampInt(x0, clip.Min.X, clip.Max.X-1)
	y0 = clampInt(y0, clip.Min.Y, clip.Max.Y-1)

	var out [3]uint8
	for c := 0; c < 3; c++ {
		p00 := float64(img.Pix[img.PixOffset(x0, y0)+c])
		p10 := float64(img.Pix[img.PixOffset(x1, y0)+c])
		p01 := float64(img.Pix[img.PixOffset(x0, y1)+c])
		p11 := float64(img.Pix[img.PixOffset(x1, y1)+c])
		top := p00*(1-wx) + p10*wx
		bottom := p01*(1-wx) + p11*wx
		out[c] = uint8(math.Round(top*(1-wy) + bottom*wy))
	}
	return out[0], out[1], out[2]
}

func denormalize(v float32) uint8 {
	f := float64(v) * 255
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 255 {
		return 255
	}
	return uint8(math.Round(f))
}
