// Package store 持久化已结束的会话记录，并提供按用户查询与排行榜聚合。
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/model"
)

var ErrNotFound = errors.New("record not found")

// DefaultRecentLimit 是 ListRecent 未指定数量时的上限。
const DefaultRecentLimit = 100

// Repository 是会话记录的存储接口。写入失败不应阻塞报告展示，调用方按 best-effort 处理。
type Repository interface {
	// Save 写入一条记录，ID 为空时自动生成。
	Save(ctx context.Context, rec *model.SessionRecord) error

	Get(ctx context.Context, id string) (model.SessionRecord, error)

	// ListByUser 按时间倒序返回某个用户的记录。
	ListByUser(ctx context.Context, userName string) ([]model.SessionRecord, error)

	// ListRecent 按时间倒序返回最近的记录，limit<=0 时使用 DefaultRecentLimit。
	ListRecent(ctx context.Context, limit int) ([]model.SessionRecord, error)

	ListUsers(ctx context.Context) ([]model.UserSummary, error)

	Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)

	Close() error
}

// Open 按配置选择存储实现。
func Open(cfg config.StorageConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.Path, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// leaderboard 把记录按用户聚合。记录的顺序不影响结果。
func leaderboard(records []model.SessionRecord) []model.LeaderboardEntry {
	type acc struct {
		entry     model.LeaderboardEntry
		total     int
		hasBest   bool
		bestScore int
	}
	byUser := make(map[string]*acc)
	var order []string

	for _, r := range records {
		a, ok := byUser[r.UserName]
		if !ok {
			a = &acc{entry: model.LeaderboardEntry{UserName: r.UserName}}
			byUser[r.UserName] = a
			order = append(order, r.UserName)
		}
		score := r.OverallScore()
		a.entry.Attempts++
		a.total += score
		if r.Outcome == model.OutcomeConverted {
			a.entry.Conversions++
			if a.entry.BestDurationMs == 0 || r.DurationMs < a.entry.BestDurationMs {
				a.entry.BestDurationMs = r.DurationMs
			}
		}
		if !a.hasBest || score > a.bestScore || (score == a.bestScore && r.Outcome == model.OutcomeConverted) {
			a.hasBest = true
			a.bestScore = score
			a.entry.BestScore = score
			a.entry.BestOutcome = r.Outcome
		}
	}

	out := make([]model.LeaderboardEntry, 0, len(order))
	for _, name := range order {
		a := byUser[name]
		a.entry.AvgScore = math.Round(float64(a.total)/float64(a.entry.Attempts)*10) / 10
		out = append(out, a.entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BestScore != out[j].BestScore {
			return out[i].BestScore > out[j].BestScore
		}
		if out[i].Conversions != out[j].Conversions {
			return out[i].Conversions > out[j].Conversions
		}
		return out[i].UserName < out[j].UserName
	})
	return out
}
