// Package lama 在本进程内运行 LaMa (Large Mask Inpainting) ONNX 模型：
// 下载/缓存模型、单飞加载推理会话、张量预处理与后处理。
package lama

import (
	"errors"

	"github.com/chaos-io/inpaint/tensor"
)

const (
	// DefaultModelURL LaMa fp32 ONNX 权重，约 208MB
	DefaultModelURL = "https://huggingface.co/Carve/LaMa-ONNX/resolve/main/lama_fp32.onnx"
	// FallbackContentLength 服务端没有返回 Content-Length 时用于计算进度的估计值
	FallbackContentLength = 220_000_000

	InputImage = "image"
	InputMask  = "mask"
	OutputName = "output"
)

var (
	// ErrModelUnavailable 模型下载、缓存读取或会话创建失败，调用方应回退到本地修复
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInference 前向推理失败或输出不合法，同样回退
	ErrInference = errors.New("inference error")
)

// Runtime 从内存中的模型字节创建推理会话
type Runtime interface {
	NewSession(model []byte) (Session, error)
}

// Session 一次前向推理：image [1,3,S,S] + mask [1,1,S,S] -> [1,3,S,S]
type Session interface {
	Run(image, mask *tensor.Tensor) (*tensor.Tensor, error)
	Destroy() error
}
