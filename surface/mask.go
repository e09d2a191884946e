package surface

import (
	"image"
)

// IsMasked mask 约定：红色通道或 alpha 通道任一非 0 即为需要修复的像素。
// 涂抹层（alpha）和生成的二值 mask（红色）两种来源都要识别。
func IsMasked(r, a uint8) bool {
	return r > 0 || a > 0
}

// MaskBits 把 mask 转成每像素一个 bool，按行优先排列
func MaskBits(mask *image.NRGBA) []bool {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	bits := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := mask.PixOffset(mask.Rect.Min.X, mask.Rect.Min.Y+y)
		for x := 0; x < w; x++ {
			i := row + x*4
			bits[y*w+x] = IsMasked(mask.Pix[i], mask.Pix[i+3])
		}
	}
	return bits
}

// Binarize 二值化成灰度图：需要修复为 255，保留为 0
func Binarize(mask *image.NRGBA) *image.Gray {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for i, m := range MaskBits(mask) {
		if m {
			gray.Pix[i] = 255
		}
	}
	return gray
}

// BinaryMask 规范化 mask：需要修复为不透明白色，其余全透明黑色
func BinaryMask(mask *image.NRGBA) *image.NRGBA {
	w, h := mask.Rect.Dx(), mask.Rect.Dy()
	out := New(w, h)
	for i, m := range MaskBits(mask) {
		if m {
			copy(out.Pix[i*4:i*4+4], []uint8{255, 255, 255, 255})
		}
	}
	return out
}

// CountMasked 统计被标记的像素数
func CountMasked(mask *image.NRGBA) int {
	n := 0
	for _, m := range MaskBits(mask) {
		if m {
			n++
		}
	}
	return n
}
