// Package progress 统一模型加载（百分比）和修复阶段（状态文本）两种进度回调
package progress

import "fmt"

type Stage string

const (
	StageDownload Stage = "download"
	StageCache    Stage = "cache"
	StageSession  Stage = "session"
	StageAI       Stage = "ai"
	StageFallback Stage = "fallback"
	StageLocal    Stage = "local"
)

// Event 一次进度事件。Percent 为 -1 表示该事件只有状态文本
type Event struct {
	Stage   Stage
	Percent int
	Message string
}

func (e Event) String() string {
	if e.Percent < 0 {
		return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %d%% %s", e.Stage, e.Percent, e.Message)
}

// Func 进度回调，可以为 nil
type Func func(Event)

// Report 回调为 nil 时什么也不做
func (f Func) Report(e Event) {
	if f != nil {
		f(e)
	}
}

// Percent 上报百分比
func (f Func) Percent(stage Stage, pct int) {
	f.Report(Event{Stage: stage, Percent: pct})
}

// Status 上报状态文本
func (f Func) Status(stage Stage, msg string) {
	f.Report(Event{Stage: stage, Percent: -1, Message: msg})
}
