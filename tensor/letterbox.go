package tensor

import (
	"fmt"
	"image"
	"math"

	"github.com/chaos-io/inpaint/surface"
)

// Letterbox 把 W×H 的原图等比缩放后居中放进 Size×Size 的正方形，其余部分填黑。
// 内容区域对齐到整像素且至少 1×1，编码和解码都只用 Content，否则结果会错位或混入黑边。
type Letterbox struct {
	Size    int
	Width   int
	Height  int
	Scale   float64
	OffsetX int
	OffsetY int
	Content image.Rectangle
}

func NewLetterbox(w, h, size int) (Letterbox, error) {
	if w <= 0 || h <= 0 {
		return Letterbox{}, fmt.Errorf("%w: zero-area image %dx%d", surface.ErrInvalidSurface, w, h)
	}
	if size <= 0 {
		return Letterbox{}, fmt.Errorf("invalid target size %d", size)
	}

	s := float64(size)
	scale := math.Min(s/float64(w), s/float64(h))
	cw := clampInt(int(math.Round(float64(w)*scale)), 1, size)
	ch := clampInt(int(math.Round(float64(h)*scale)), 1, size)
	ox := (size - cw) / 2
	oy := (size - ch) / 2
	return Letterbox{
		Size:    size,
		Width:   w,
		Height:  h,
		Scale:   scale,
		OffsetX: ox,
		OffsetY: oy,
		Content: image.Rect(ox, oy, ox+cw, oy+ch),
	}, nil
}

// TargetPoint 原图像素中心 (x+0.5, y+0.5) 映射到 Content 内的连续坐标，与编码时的缩放一致
func (l Letterbox) TargetPoint(x, y int) (float64, float64) {
	sx := float64(l.Content.Dx()) / float64(l.Width)
	sy := float64(l.Content.Dy()) / float64(l.Height)
	return float64(l.Content.Min.X) + (float64(x)+0.5)*sx, float64(l.Content.Min.Y) + (float64(y)+0.5)*sy
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
