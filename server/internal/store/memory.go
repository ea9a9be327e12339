package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pitchtalk/server/internal/model"
)

// Memory 是基于内存的记录存储。
// 重启即丢数据，用于测试和不需要落盘的部署。
type Memory struct {
	mu      sync.RWMutex
	records []model.SessionRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, rec *model.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	stored := *rec
	if rec.Score != nil {
		score := *rec.Score
		stored.Score = &score
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].ID == rec.ID {
			m.records[i] = stored
			return nil
		}
	}
	m.records = append(m.records, stored)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return model.SessionRecord{}, ErrNotFound
}

func (m *Memory) ListByUser(_ context.Context, userName string) ([]model.SessionRecord, error) {
	return m.newest(func(r model.SessionRecord) bool { return r.UserName == userName }, 0), nil
}

func (m *Memory) ListRecent(_ context.Context, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return m.newest(nil, limit), nil
}

func (m *Memory) ListUsers(_ context.Context) ([]model.UserSummary, error) {
	byUser := make(map[string]*model.UserSummary)
	for _, r := range m.newest(nil, 0) {
		u, ok := byUser[r.UserName]
		if !ok {
			u = &model.UserSummary{UserName: r.UserName, LastPlayed: r.CreatedAt}
			byUser[r.UserName] = u
		}
		u.Attempts++
	}

	out := make([]model.UserSummary, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastPlayed.Equal(out[j].LastPlayed) {
			return out[i].LastPlayed.After(out[j].LastPlayed)
		}
		return out[i].UserName < out[j].UserName
	})
	return out, nil
}

func (m *Memory) Leaderboard(_ context.Context) ([]model.LeaderboardEntry, error) {
	return leaderboard(m.newest(nil, 0)), nil
}

func (m *Memory) Close() error { return nil }

// newest 返回按 CreatedAt 倒序的副本，limit=0 表示不限。
func (m *Memory) newest(keep func(model.SessionRecord) bool, limit int) []model.SessionRecord {
	m.mu.RLock()
	out := make([]model.SessionRecord, 0, len(m.records))
	for _, r := range m.records {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
