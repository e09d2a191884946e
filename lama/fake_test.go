package lama

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chaos-io/inpaint/cache"
	"github.com/chaos-io/inpaint/tensor"
)

// fakeSession 恒等模型：把输入图像张量原样返回
type fakeSession struct {
	model     []byte
	runErr    error
	destroyed atomic.Bool

	mu        sync.Mutex
	runShapes [][]int64
}

func (s *fakeSession) Run(image, mask *tensor.Tensor) (*tensor.Tensor, error) {
	s.mu.Lock()
	s.runShapes = append(s.runShapes, image.Shape, mask.Shape)
	s.mu.Unlock()
	if s.runErr != nil {
		return nil, s.runErr
	}
	return tensor.New(image.Shape, append([]float32(nil), image.Data...))
}

func (s *fakeSession) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

type fakeRuntime struct {
	err    error
	runErr error
	// reject 与之相同的模型字节会创建失败，模拟损坏的缓存
	reject []byte
	calls  atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
}

func (r *fakeRuntime) NewSession(model []byte) (Session, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	if r.reject != nil && bytes.Equal(model, r.reject) {
		return nil, errBoom
	}
	s := &fakeSession{model: model, runErr: r.runErr}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

func (r *fakeRuntime) created() []*fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeSession(nil), r.sessions...)
}

// fakeFetcher 可以阻塞到 release 关闭，用来制造并发加载
type fakeFetcher struct {
	payload       []byte
	contentLength int64
	err           error
	release       chan struct{}
	calls         atomic.Int32
}

func (f *fakeFetcher) Stream(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(&smallReader{r: bytes.NewReader(f.payload)}), f.contentLength, nil
}

// smallReader 每次最多返回 1000 字节，模拟分块到达
type smallReader struct {
	r io.Reader
}

func (s *smallReader) Read(p []byte) (int, error) {
	if len(p) > 1000 {
		p = p[:1000]
	}
	return s.r.Read(p)
}

type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	putErr error
	gets   atomic.Int32
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, error) {
	m.gets.Add(1)
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return d, nil
}

func (m *memCache) Put(_ context.Context, key string, data []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

var errBoom = errors.New("boom")
