package timeline

import (
	"sync"
	"time"

	"pitchtalk/server/internal/model"
)

// DebugLog 是只追加的调试审计日志，随会话一起持久化。
type DebugLog struct {
	mu     sync.RWMutex
	events []model.DebugEvent
	now    func() time.Time
}

func NewDebugLog(now func() time.Time) *DebugLog {
	if now == nil {
		now = time.Now
	}
	return &DebugLog{now: now}
}

// Add 追加一条事件。payload 由调用方构造，追加后不再修改。
func (d *DebugLog) Add(kind model.DebugKind, payload map[string]any) {
	evt := model.DebugEvent{TS: d.now(), Kind: kind, Payload: payload}

	d.mu.Lock()
	d.events = append(d.events, evt)
	d.mu.Unlock()
}

// Events 返回副本。
func (d *DebugLog) Events() []model.DebugEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.DebugEvent, len(d.events))
	copy(out, d.events)
	return out
}

// Count 返回指定类型的事件数。
func (d *DebugLog) Count(kind model.DebugKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, e := range d.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
