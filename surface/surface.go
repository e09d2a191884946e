package surface

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// ErrInvalidSurface 输入图像或 mask 不合法（空、零面积、尺寸不一致），属于调用方 bug，不做兜底
var ErrInvalidSurface = errors.New("invalid surface")

// New 创建 w×h 的 RGBA 画布（非预乘），原点在 (0,0)
func New(w, h int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// ToNRGBA 转为原点在 (0,0)、行间无空隙的 NRGBA，已经是的话直接返回
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) && nrgba.Stride == 4*nrgba.Rect.Dx() {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Clone 深拷贝，结果不与输入共享 Pix
func Clone(img *image.NRGBA) *image.NRGBA {
	dst := New(img.Rect.Dx(), img.Rect.Dy())
	for y := 0; y < dst.Rect.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+dst.Rect.Dx()*4], img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):])
	}
	return dst
}

// Validate 校验单张图像：非 nil 且面积大于 0
func Validate(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidSurface)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: zero-area image %dx%d", ErrInvalidSurface, b.Dx(), b.Dy())
	}
	return nil
}

// ValidatePair 校验图像和 mask 是否可以配对处理
func ValidatePair(img, mask image.Image) error {
	if err := Validate(img); err != nil {
		return err
	}
	if err := Validate(mask); err != nil {
		return fmt.Errorf("mask: %w", err)
	}
	ib, mb := img.Bounds(), mask.Bounds()
	if ib.Dx() != mb.Dx() || ib.Dy() != mb.Dy() {
		return fmt.Errorf("%w: image %dx%d does not match mask %dx%d",
			ErrInvalidSurface, ib.Dx(), ib.Dy(), mb.Dx(), mb.Dy())
	}
	return nil
}
