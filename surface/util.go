package surface

import (
	"image"

	"github.com/nfnt/resize"
)

// ResizeWithinMax 同比例缩放图像和 mask（最长边 <= maxSize），maxSize <= 0 不缩放。
// 图像用 Lanczos3；mask 先规范化成白色/透明再最近邻缩放，避免预乘丢掉只有红色通道的标记。
// 尺寸不一致时原样返回，留给 ValidatePair 报错。
func ResizeWithinMax(img, mask *image.NRGBA, maxSize int) (*image.NRGBA, *image.NRGBA) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize || !img.Bounds().Size().Eq(mask.Bounds().Size()) {
		return img, mask
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resizedImg := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	resizedMask := resize.Resize(uint(newW), uint(newH), BinaryMask(mask), resize.NearestNeighbor)
	return ToNRGBA(resizedImg), ToNRGBA(resizedMask)
}
