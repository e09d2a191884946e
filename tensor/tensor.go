// Package tensor 负责图像/mask 与 LaMa 固定尺寸输入张量之间的互相转换
package tensor

import (
	"errors"
	"fmt"
)

// DefaultSize LaMa 的固定输入尺寸
const DefaultSize = 512

var ErrShape = errors.New("tensor shape mismatch")

// Tensor 扁平的 float32 缓冲区 + 形状描述，按 NCHW 行优先排列
type Tensor struct {
	Shape []int64
	Data  []float32
}

// New 校验数据长度与形状一致
func New(shape []int64, data []float32) (*Tensor, error) {
	n := numElements(shape)
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", ErrShape, shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Zeros 按形状分配一个全 0 张量
func Zeros(shape ...int64) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float32, numElements(shape))}
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Is 判断形状是否完全相同
func (t *Tensor) Is(shape ...int64) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

func numElements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}
