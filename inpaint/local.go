package inpaint

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/inpaint/progress"
	"github.com/chaos-io/inpaint/surface"
)

const (
	DefaultIterations = 5
	DefaultRadius     = 10
)

type LocalOptions struct {
	Iterations int
	Radius     int
	// Workers 每轮迭代并行处理的行带数量上限，默认 GOMAXPROCS
	Workers int
	Logger  *slog.Logger
}

// Local 不依赖模型的本地修复：对每个被标记像素，用邻域内已知像素按 1/(1+距离) 加权平均。
// 第一轮只用原 mask 之外的像素；之后每轮把上一轮填好的像素也当作已知，逐圈向内收敛。
// 效果比神经网络差（会发糊），但结果确定、从不改动未标记像素。
type Local struct {
	iterations int
	radius     int
	workers    int
	logger     *slog.Logger
}

func NewLocal(opts LocalOptions) *Local {
	l := &Local{
		iterations: opts.Iterations,
		radius:     opts.Radius,
		workers:    opts.Workers,
		logger:     opts.Logger,
	}
	if l.iterations <= 0 {
		l.iterations = DefaultIterations
	}
	if l.radius <= 0 {
		l.radius = DefaultRadius
	}
	if l.workers <= 0 {
		l.workers = runtime.GOMAXPROCS(0)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

func (l *Local) Name() string {
	return EngineLocal.String()
}

type neighbor struct {
	dx, dy int
	weight float64
}

func (l *Local) kernel() []neighbor {
	r := l.radius
	ks := make([]neighbor, 0, (2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			dist := math.Sqrt(float64(dx*dx + dy*dy))
			ks = append(ks, neighbor{dx: dx, dy: dy, weight: 1 / (1 + dist)})
		}
	}
	return ks
}

func (l *Local) Inpaint(ctx context.Context, img, mask image.Image, onProgress progress.Func) (*image.NRGBA, error) {
	if err := surface.ValidatePair(img, mask); err != nil {
		return nil, err
	}

	onProgress.Status(progress.StageLocal, "Processing locally...")

	result := surface.Clone(surface.ToNRGBA(img))
	w, h := result.Rect.Dx(), result.Rect.Dy()

	masked := surface.MaskBits(surface.ToNRGBA(mask))
	known := make([]bool, len(masked))
	pending := 0
	for i, m := range masked {
		known[i] = !m
		if m {
			pending++
		}
	}

	ks := l.kernel()
	bandRows := max(1, h/(l.workers*4))

	for iter := 0; iter < l.iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if pending > 0 {
			filled := make([]bool, len(known))

			// 本轮只读 known 快照和已知像素，只写未知像素，各行带之间没有数据竞争
			g := new(errgroup.Group)
			g.SetLimit(l.workers)
			for y0 := 0; y0 < h; y0 += bandRows {
				y1 := min(h, y0+bandRows)
				g.Go(func() error {
					l.fillRows(result, known, filled, ks, w, h, y0, y1)
					return nil
				})
			}
			_ = g.Wait()

			for i, f := range filled {
				if f {
					known[i] = true
					pending--
				}
			}
		}

		onProgress.Report(progress.Event{
			Stage:   progress.StageLocal,
			Percent: (iter + 1) * 100 / l.iterations,
			Message: fmt.Sprintf("Processing locally... (%d/%d)", iter+1, l.iterations),
		})
	}

	if pending > 0 {
		l.logger.Debug("local inpainting left pixels unfilled", "pending", pending, "radius", l.radius, "iterations", l.iterations)
	}
	return result, nil
}

func (l *Local) fillRows(result *image.NRGBA, known, filled []bool, ks []neighbor, w, h, y0, y1 int) {
	pix := result.Pix
	stride := result.Stride
	for y := y0; y < y1; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if known[i] {
				continue
			}

			var r, g, b, total float64
			for _, k := range ks {
				nx, ny := x+k.dx, y+k.dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h || !known[ny*w+nx] {
					continue
				}
				o := ny*stride + nx*4
				r += float64(pix[o]) * k.weight
				g += float64(pix[o+1]) * k.weight
				b += float64(pix[o+2]) * k.weight
				total += k.weight
			}
			if total == 0 {
				continue
			}

			o := y*stride + x*4
			pix[o] = uint8(math.Round(r / total))
			pix[o+1] = uint8(math.Round(g / total))
			pix[o+2] = uint8(math.Round(b / total))
			pix[o+3] = 255
			filled[i] = true
		}
	}
}
