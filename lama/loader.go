package lama

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/chaos-io/inpaint/cache"
	"github.com/chaos-io/inpaint/progress"
	nhttp "github.com/chaos-io/inpaint/util/http"
)

const chunkSize = 1 << 20

type LoaderOptions struct {
	URL     string
	Cache   cache.Store
	Fetcher nhttp.IStreamer
	Runtime Runtime
	Logger  *slog.Logger
}

// Loader 惰性加载 LaMa 会话。
// 会话只创建一次并一直复用；会话尚不存在时并发的 GetOrLoad 共享同一次加载，不会重复下载。
type Loader struct {
	url     string
	cache   cache.Store
	fetcher nhttp.IStreamer
	runtime Runtime
	logger  *slog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	session Session
	// gen 每次 Reset 加一，用来丢弃 Reset 之前发起的加载结果
	gen uint64
}

func NewLoader(opts LoaderOptions) *Loader {
	l := &Loader{
		url:     opts.URL,
		cache:   opts.Cache,
		fetcher: opts.Fetcher,
		runtime: opts.Runtime,
		logger:  opts.Logger,
	}
	if l.url == "" {
		l.url = DefaultModelURL
	}
	if l.cache == nil {
		l.cache = cache.Nop{}
	}
	if l.fetcher == nil {
		l.fetcher = nhttp.NewStreamer()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

func (l *Loader) URL() string {
	return l.url
}

// Loaded 会话是否已经可用
func (l *Loader) Loaded() bool {
	return l.current() != nil
}

func (l *Loader) current() Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

// GetOrLoad 返回已有会话，或发起/加入唯一一次加载。
// 进度只回调给真正发起加载的调用者；加载本身不受调用者 ctx 取消影响，失败后下次调用会重新加载。
func (l *Loader) GetOrLoad(ctx context.Context, onProgress progress.Func) (Session, error) {
	if s := l.current(); s != nil {
		return s, nil
	}

	v, err, _ := l.group.Do(l.url, func() (interface{}, error) {
		// 上一轮加载可能刚好在 current() 之后完成
		l.mu.RLock()
		s, gen := l.session, l.gen
		l.mu.RUnlock()
		if s != nil {
			return s, nil
		}

		s, err := l.load(context.WithoutCancel(ctx), onProgress)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		if l.gen != gen {
			l.mu.Unlock()
			_ = s.Destroy()
			return nil, fmt.Errorf("%w: loader reset during load", ErrModelUnavailable)
		}
		l.session = s
		l.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

// Reset 销毁当前会话，之后的 GetOrLoad 会重新加载（缓存命中时不会重新下载）。
// 只能在没有进行中的推理时调用；Reset 之前发起、之后才完成的加载会被丢弃并销毁。
func (l *Loader) Reset() error {
	l.mu.Lock()
	s := l.session
	l.session = nil
	l.gen++
	l.mu.Unlock()
	l.group.Forget(l.url)

	if s == nil {
		return nil
	}
	return s.Destroy()
}

func (l *Loader) load(ctx context.Context, onProgress progress.Func) (Session, error) {
	if l.runtime == nil {
		return nil, fmt.Errorf("%w: no inference runtime configured", ErrModelUnavailable)
	}

	onProgress.Percent(progress.StageDownload, 1)

	model, fromCache, err := l.readModel(ctx, onProgress, false)
	if err != nil {
		l.logger.Error("failed to load LaMa model", "url", l.url, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	onProgress.Percent(progress.StageSession, 90)
	l.logger.Info("creating inference session", "bytes", len(model), "from_cache", fromCache)

	s, err := l.runtime.NewSession(model)
	if err != nil && fromCache {
		// 缓存内容可能已损坏：重新下载一次并覆盖缓存
		l.logger.Warn("cached model rejected, downloading again", "error", err)
		model, _, err = l.readModel(ctx, onProgress, true)
		if err != nil {
			l.logger.Error("failed to load LaMa model", "url", l.url, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		onProgress.Percent(progress.StageSession, 90)
		s, err = l.runtime.NewSession(model)
	}
	if err != nil {
		l.logger.Error("failed to create inference session", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	onProgress.Percent(progress.StageSession, 100)
	l.logger.Info("LaMa model loaded", "from_cache", fromCache)
	return s, nil
}

// readModel 先查缓存，未命中、缓存读取出错或 skipCache 时下载并回写缓存
func (l *Loader) readModel(ctx context.Context, onProgress progress.Func, skipCache bool) ([]byte, bool, error) {
	var (
		data []byte
		err  = cache.ErrMiss
	)
	if !skipCache {
		data, err = l.cache.Get(ctx, l.url)
	}
	switch {
	case err == nil && len(data) > 0:
		l.logger.Info("loading LaMa model from cache", "bytes", len(data))
		onProgress.Percent(progress.StageCache, 10)
		onProgress.Percent(progress.StageCache, 90)
		return data, true, nil
	case err != nil && !errors.Is(err, cache.ErrMiss):
		l.logger.Warn("model cache read failed, downloading", "error", err)
	}

	data, err = l.download(ctx, onProgress)
	if err != nil {
		return nil, false, err
	}

	if err := l.cache.Put(ctx, l.url, data); err != nil {
		l.logger.Warn("failed to cache model", "error", err)
	} else {
		l.logger.Info("LaMa model cached", "bytes", len(data))
	}
	return data, false, nil
}

// download 分块读取，进度按已接收字节映射到 [0,85]
func (l *Loader) download(ctx context.Context, onProgress progress.Func) ([]byte, error) {
	l.logger.Info("downloading LaMa model", "url", l.url)

	body, contentLength, err := l.fetcher.Stream(ctx, l.url)
	if err != nil {
		return nil, fmt.Errorf("download model: %w", err)
	}
	defer func() {
		_ = body.Close()
	}()

	total := contentLength
	if total <= 0 {
		total = FallbackContentLength
	}

	var (
		chunks [][]byte
		loaded int64
		last   = -1
		buf    = make([]byte, chunkSize)
	)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunks = append(chunks, bytes.Clone(buf[:n]))
			loaded += int64(n)

			pct := downloadPercent(loaded, total)
			if pct != last {
				onProgress.Percent(progress.StageDownload, pct)
				last = pct
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read model body: %w", err)
		}
	}

	if contentLength > 0 && loaded != contentLength {
		return nil, fmt.Errorf("truncated model download: got %d of %d bytes", loaded, contentLength)
	}

	data := bytes.Join(chunks, nil)
	l.logger.Info("model downloaded", "mb", fmt.Sprintf("%.1f", float64(len(data))/1024/1024))
	return data, nil
}

func downloadPercent(loaded, total int64) int {
	return int(math.Min(85, math.Round(float64(loaded)/float64(total)*85)))
}
