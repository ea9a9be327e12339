package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchtalk/server/internal/model"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func record(user string, minutes int, outcome model.Outcome, overall int, durationMs int64) *model.SessionRecord {
	return &model.SessionRecord{
		SessionID:     "s-" + user,
		UserName:      user,
		PersonaID:     "pete",
		PersonaName:   "Pete",
		Outcome:       outcome,
		EndTrigger:    "end_conversation:" + string(outcome),
		Transcript:    []model.Turn{{Seq: 1, Speaker: model.SpeakerTrainee, Text: "Hi", TS: base}},
		MoodHistory:   []int{3, 4},
		FinalAttitude: 4,
		Score:         &model.ScoreReport{Overall: overall, Outcome: outcome, Improvements: []string{"More questions."}},
		DebugEvents:   []model.DebugEvent{{TS: base, Kind: model.DebugConnected, Payload: map[string]any{"voice": "ash"}}},
		DurationMs:    durationMs,
		ExchangeCount: 4,
		CreatedAt:     base.Add(time.Duration(minutes) * time.Minute),
	}
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	lite, err := NewSQLite(filepath.Join(t.TempDir(), "db", "records.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]Repository{"memory": NewMemory(), "sqlite": lite}
}

func TestRepositorySaveAndGet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("anna", 0, model.OutcomeConverted, 82, 90_000)
			require.NoError(t, repo.Save(ctx, rec))
			require.NotEmpty(t, rec.ID)

			got, err := repo.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, "anna", got.UserName)
			assert.Equal(t, model.OutcomeConverted, got.Outcome)
			assert.Equal(t, []int{3, 4}, got.MoodHistory)
			require.Len(t, got.Transcript, 1)
			assert.Equal(t, "Hi", got.Transcript[0].Text)
			require.NotNil(t, got.Score)
			assert.Equal(t, 82, got.Score.Overall)
			assert.Equal(t, []string{"More questions."}, got.Score.Improvements)
			require.Len(t, got.DebugEvents, 1)
			assert.Equal(t, model.DebugConnected, got.DebugEvents[0].Kind)
			assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

			_, err = repo.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepositorySaveWithoutScore(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("anna", 0, model.OutcomeWalkedAway, 0, 1000)
			rec.Score = nil
			require.NoError(t, repo.Save(ctx, rec))

			got, err := repo.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Nil(t, got.Score)
			assert.Zero(t, got.OverallScore())
		})
	}
}

func TestRepositoryListings(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Save(ctx, record("anna", 0, model.OutcomeRejected, 40, 60_000)))
			require.NoError(t, repo.Save(ctx, record("ben", 1, model.OutcomeConverted, 70, 80_000)))
			require.NoError(t, repo.Save(ctx, record("anna", 2, model.OutcomeConverted, 75, 120_000)))

			byUser, err := repo.ListByUser(ctx, "anna")
			require.NoError(t, err)
			require.Len(t, byUser, 2)
			assert.Equal(t, 75, byUser[0].OverallScore())
			assert.Equal(t, 40, byUser[1].OverallScore())

			none, err := repo.ListByUser(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, none)

			recent, err := repo.ListRecent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "anna", recent[0].UserName)
			assert.Equal(t, "ben", recent[1].UserName)

			all, err := repo.ListRecent(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			users, err := repo.ListUsers(ctx)
			require.NoError(t, err)
			require.Len(t, users, 2)
			assert.Equal(t, "anna", users[0].UserName)
			assert.Equal(t, 2, users[0].Attempts)
			assert.True(t, users[0].LastPlayed.Equal(base.Add(2*time.Minute)))
			assert.Equal(t, "ben", users[1].UserName)
			assert.Equal(t, 1, users[1].Attempts)
		})
	}
}

func TestRepositoryLeaderboard(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, r := range []*model.SessionRecord{
				record("anna", 0, model.OutcomeRejected, 40, 60_000),
				record("anna", 1, model.OutcomeConverted, 75, 120_000),
				record("anna", 2, model.OutcomeConverted, 60, 90_000),
				record("ben", 3, model.OutcomeWalkedAway, 75, 30_000),
				record("cleo", 4, model.OutcomeConverted, 90, 200_000),
			} {
				require.NoError(t, repo.Save(ctx, r))
			}

			board, err := repo.Leaderboard(ctx)
			require.NoError(t, err)
			require.Len(t, board, 3)

			assert.Equal(t, "cleo", board[0].UserName)
			assert.Equal(t, 90, board[0].BestScore)

			// anna 与 ben 最高分相同，成交次数多者在前
			assert.Equal(t, model.LeaderboardEntry{
				UserName:       "anna",
				Attempts:       3,
				Conversions:    2,
				BestScore:      75,
				BestOutcome:    model.OutcomeConverted,
				AvgScore:       58.3,
				BestDurationMs: 90_000,
			}, board[1])
			assert.Equal(t, model.LeaderboardEntry{
				UserName:    "ben",
				Attempts:    1,
				BestScore:   75,
				BestOutcome: model.OutcomeWalkedAway,
				AvgScore:    75,
			}, board[2])
		})
	}
}

func TestRepositorySaveOverwritesByID(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("anna", 0, model.OutcomeRejected, 40, 60_000)
			require.NoError(t, repo.Save(ctx, rec))

			rec.Score.Overall = 55
			require.NoError(t, repo.Save(ctx, rec))

			all, err := repo.ListRecent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 55, all[0].OverallScore())
		})
	}
}
