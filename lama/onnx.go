package lama

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chaos-io/inpaint/tensor"
)

// ORTRuntime 基于 onnxruntime 共享库的 CPU 推理后端
type ORTRuntime struct {
	// LibraryPath onnxruntime 共享库路径，为空使用系统默认
	LibraryPath string
	InputNames  []string
	OutputName  string
	// Threads 算子内并行线程数，默认 1
	Threads int

	initOnce sync.Once
	initErr  error
}

func NewORTRuntime(libraryPath string) *ORTRuntime {
	return &ORTRuntime{
		LibraryPath: libraryPath,
		InputNames:  []string{InputImage, InputMask},
		OutputName:  OutputName,
		Threads:     1,
	}
}

func (r *ORTRuntime) init() error {
	r.initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if r.LibraryPath != "" {
			ort.SetSharedLibraryPath(r.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			r.initErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return r.initErr
}

func (r *ORTRuntime) NewSession(model []byte) (Session, error) {
	if err := r.init(); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("new session options: %w", err)
	}
	defer func() {
		_ = opts.Destroy()
	}()

	threads := max(1, r.Threads)
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableBasic); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model, r.InputNames, []string{r.OutputName}, opts)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &ortSession{session: session}, nil
}

type ortSession struct {
	session *ort.DynamicAdvancedSession
}

func (s *ortSession) Run(image, mask *tensor.Tensor) (*tensor.Tensor, error) {
	imageInput, err := ort.NewTensor(ort.NewShape(image.Shape...), image.Data)
	if err != nil {
		return nil, fmt.Errorf("create image tensor: %w", err)
	}
	defer func() { _ = imageInput.Destroy() }()

	maskInput, err := ort.NewTensor(ort.NewShape(mask.Shape...), mask.Data)
	if err != nil {
		return nil, fmt.Errorf("create mask tensor: %w", err)
	}
	defer func() { _ = maskInput.Destroy() }()

	// 输出传 nil，由 onnxruntime 分配
	outs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{imageInput, maskInput}, outs); err != nil {
		return nil, err
	}
	if outs[0] == nil {
		return nil, fmt.Errorf("no output from model")
	}
	defer func() { _ = outs[0].Destroy() }()

	out, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("invalid output tensor type %T", outs[0])
	}

	// 拷贝一份，原始缓冲区随 Destroy 释放
	data := append([]float32(nil), out.GetData()...)
	return tensor.New([]int64(out.GetShape()), data)
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}
