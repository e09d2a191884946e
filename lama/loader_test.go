package lama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/inpaint/progress"
	nhttp "github.com/chaos-io/inpaint/util/http"
)

const testURL = "https://example.com/lama.onnx"

func percents(events []progress.Event) []int {
	var out []int
	for _, e := range events {
		if e.Percent >= 0 {
			out = append(out, e.Percent)
		}
	}
	return out
}

func recorder() (progress.Func, func() []progress.Event) {
	var mu sync.Mutex
	var events []progress.Event
	return func(e progress.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}, func() []progress.Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]progress.Event(nil), events...)
		}
}

func TestLoader_SingleFlight(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		payload:       []byte("lama-weights"),
		contentLength: 12,
		release:       make(chan struct{}),
	}
	mc := newMemCache()
	rt := &fakeRuntime{}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: rt})

	const n = 16
	sessions := make([]Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = l.GetOrLoad(context.Background(), nil)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, int32(1), mc.gets.Load())
	assert.Equal(t, int32(1), rt.calls.Load())
	assert.True(t, l.Loaded())
}

func TestLoader_SingleFlight_CacheHit(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	mc.data[testURL] = []byte("cached")
	fetcher := &fakeFetcher{}
	rt := &fakeRuntime{}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: rt})

	var wg sync.WaitGroup
	var same atomic.Int32
	first, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := l.GetOrLoad(context.Background(), nil)
			if err == nil && s == first {
				same.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), same.Load())
	assert.Equal(t, int32(1), mc.gets.Load())
	assert.Zero(t, fetcher.calls.Load())
	assert.Equal(t, []byte("cached"), first.(*fakeSession).model)
}

func TestLoader_CacheHitProgress(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	mc.data[testURL] = []byte("cached")
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: &fakeFetcher{}, Runtime: &fakeRuntime{}})

	onProgress, events := recorder()
	_, err := l.GetOrLoad(context.Background(), onProgress)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 10, 90, 90, 100}, percents(events()))
}

func TestLoader_DownloadProgressAndCacheWrite(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 10_000)
	fetcher := &fakeFetcher{payload: payload, contentLength: int64(len(payload))}
	mc := newMemCache()
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: &fakeRuntime{}})

	onProgress, events := recorder()
	s, err := l.GetOrLoad(context.Background(), onProgress)
	require.NoError(t, err)
	assert.Len(t, s.(*fakeSession).model, len(payload))

	var download []int
	for _, e := range events() {
		if e.Stage == progress.StageDownload && e.Percent >= 0 {
			download = append(download, e.Percent)
		}
	}
	require.NotEmpty(t, download)
	for i := 1; i < len(download); i++ {
		assert.GreaterOrEqual(t, download[i], download[i-1])
	}
	assert.Equal(t, 85, download[len(download)-1])

	all := percents(events())
	assert.Equal(t, []int{90, 100}, all[len(all)-2:])

	mc.mu.Lock()
	defer mc.mu.Unlock()
	assert.Equal(t, payload, mc.data[testURL])
}

func TestLoader_UnknownContentLength(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: make([]byte, 5000), contentLength: -1}
	l := NewLoader(LoaderOptions{URL: testURL, Fetcher: fetcher, Runtime: &fakeRuntime{}})

	onProgress, events := recorder()
	_, err := l.GetOrLoad(context.Background(), onProgress)
	require.NoError(t, err)

	for _, e := range events() {
		if e.Stage == progress.StageDownload {
			// 5000 / 220MB，进度停留在很小的值
			assert.LessOrEqual(t, e.Percent, 1)
		}
	}
}

func TestLoader_CacheFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	mc.getErr = errBoom
	mc.putErr = errBoom
	fetcher := &fakeFetcher{payload: []byte("weights"), contentLength: 7}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: &fakeRuntime{}})

	s, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), s.(*fakeSession).model)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestLoader_FailureThenRetry(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errBoom}
	rt := &fakeRuntime{}
	l := NewLoader(LoaderOptions{URL: testURL, Fetcher: fetcher, Runtime: rt})

	_, err := l.GetOrLoad(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, l.Loaded())
	assert.Zero(t, rt.calls.Load())

	fetcher.err = nil
	fetcher.payload = []byte("ok")
	fetcher.contentLength = 2
	s, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestLoader_SessionError(t *testing.T) {
	t.Parallel()

	l := NewLoader(LoaderOptions{
		URL:     testURL,
		Fetcher: &fakeFetcher{payload: []byte("corrupt"), contentLength: 7},
		Runtime: &fakeRuntime{err: errBoom},
	})

	_, err := l.GetOrLoad(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.False(t, l.Loaded())
}

func TestLoader_NoRuntime(t *testing.T) {
	l := NewLoader(LoaderOptions{URL: testURL, Fetcher: &fakeFetcher{}})
	_, err := l.GetOrLoad(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoader_TruncatedDownload(t *testing.T) {
	t.Parallel()

	l := NewLoader(LoaderOptions{
		URL:     testURL,
		Fetcher: &fakeFetcher{payload: []byte("short"), contentLength: 100},
		Runtime: &fakeRuntime{},
	})
	_, err := l.GetOrLoad(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "truncated")
}

func TestLoader_Reset(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	fetcher := &fakeFetcher{payload: []byte("weights"), contentLength: 7}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: &fakeRuntime{}})

	first, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, l.Reset())
	assert.True(t, first.(*fakeSession).destroyed.Load())
	assert.False(t, l.Loaded())

	second, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	// 第二次从缓存加载
	assert.Equal(t, int32(1), fetcher.calls.Load())

	assert.NoError(t, NewLoader(LoaderOptions{}).Reset())
}

func TestLoader_ResetDuringLoad(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{payload: []byte("weights"), contentLength: 7, release: make(chan struct{})}
	rt := &fakeRuntime{}
	l := NewLoader(LoaderOptions{URL: testURL, Fetcher: fetcher, Runtime: rt})

	errCh := make(chan error, 1)
	go func() {
		_, err := l.GetOrLoad(context.Background(), nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, l.Reset())
	close(fetcher.release)

	err := <-errCh
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.False(t, l.Loaded())

	// Reset 之后才完成的加载不能留下没人销毁的会话
	sessions := rt.created()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].destroyed.Load())

	s, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, l.Loaded())
	assert.False(t, s.(*fakeSession).destroyed.Load())
}

func TestLoader_CorruptCacheRedownloads(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	mc.data[testURL] = []byte("corrupt")
	fetcher := &fakeFetcher{payload: []byte("weights"), contentLength: 7}
	rt := &fakeRuntime{reject: []byte("corrupt")}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: rt})

	s, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), s.(*fakeSession).model)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, int32(2), rt.calls.Load())

	// 缓存被覆盖，下次直接命中
	mc.mu.Lock()
	assert.Equal(t, []byte("weights"), mc.data[testURL])
	mc.mu.Unlock()

	require.NoError(t, l.Reset())
	_, err = l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestLoader_CorruptCacheAndDownloadFails(t *testing.T) {
	t.Parallel()

	mc := newMemCache()
	mc.data[testURL] = []byte("corrupt")
	fetcher := &fakeFetcher{err: errBoom}
	l := NewLoader(LoaderOptions{URL: testURL, Cache: mc, Fetcher: fetcher, Runtime: &fakeRuntime{reject: []byte("corrupt")}})

	_, err := l.GetOrLoad(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	// 每次加载都会再尝试下载，不会被坏缓存永久卡住
	fetcher.err = nil
	fetcher.payload = []byte("weights")
	fetcher.contentLength = 7
	s, err := l.GetOrLoad(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), s.(*fakeSession).model)
}

func TestLoader_HTTPDownload(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	payload := []byte("onnx-bytes-over-http")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	l := NewLoader(LoaderOptions{URL: server.URL, Fetcher: nhttp.NewStreamer(), Runtime: &fakeRuntime{}})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := l.GetOrLoad(context.Background(), nil)
			assert.NoError(t, err)
			if s != nil {
				assert.Equal(t, payload, s.(*fakeSession).model)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadPercent(t *testing.T) {
	assert.Equal(t, 0, downloadPercent(0, 100))
	assert.Equal(t, 43, downloadPercent(50, 100))
	assert.Equal(t, 85, downloadPercent(100, 100))
	assert.Equal(t, 85, downloadPercent(500, 100))
}
