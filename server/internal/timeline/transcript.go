package timeline

import (
	"strings"
	"sync"
	"time"

	"pitchtalk/server/internal/model"
)

// Transcript 是单个会话的只追加对话记录。
// 约定：Seq 单调递增；相同 ItemID 的追加幂等，返回已分配的 Seq。
type Transcript struct {
	mu      sync.RWMutex
	turns   []model.Turn
	itemIDs map[string]int64
}

func NewTranscript() *Transcript {
	return &Transcript{itemIDs: make(map[string]int64)}
}

// Append 追加一轮对话，返回 seq 以及本次是否真正写入。
// 空文本不会写入。
func (t *Transcript) Append(speaker model.Speaker, text, itemID string, ts time.Time) (model.Turn, bool) {
	text = strings.TrimSpace(text)

	t.mu.Lock()
	defer t.mu.Unlock()

	if itemID != "" {
		if seq, ok := t.itemIDs[itemID]; ok {
			return t.turns[seq-1], false
		}
	}
	if text == "" {
		return model.Turn{}, false
	}

	turn := model.Turn{
		Seq:     int64(len(t.turns) + 1),
		Speaker: speaker,
		Text:    text,
		TS:      ts,
		ItemID:  itemID,
	}
	t.turns = append(t.turns, turn)
	if itemID != "" {
		t.itemIDs[itemID] = turn.Seq
	}
	return turn, true
}

// Turns 返回全部轮次的副本。
func (t *Transcript) Turns() []model.Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// ExchangeCount 是客户（Agent）说话的轮数。
func (t *Transcript) ExchangeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CountExchanges(t.turns)
}

// CountExchanges 统计 Agent 轮次。
func CountExchanges(turns []model.Turn) int {
	n := 0
	for _, turn := range turns {
		if turn.Speaker == model.SpeakerAgent {
			n++
		}
	}
	return n
}

// Render 把对话渲染为 "名字: 内容" 的纯文本，供评估与评分使用。
func Render(turns []model.Turn, traineeLabel, agentLabel string) string {
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := traineeLabel
		if turn.Speaker == model.SpeakerAgent {
			label = agentLabel
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	return b.String()
}
