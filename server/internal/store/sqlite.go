package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pitchtalk/server/internal/model"
)

// SQLite 基于 SQLite 的记录存储。大字段（对话、情绪曲线、报告、调试日志）以 JSON 列保存。
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex // 串行化写入，避免 SQLITE_BUSY
	logger  *zap.Logger
}

func NewSQLite(dbPath string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db, logger: logger.Named("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	s.logger.Info("sqlite store ready", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_records (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		persona_id TEXT NOT NULL,
		persona_name TEXT NOT NULL,
		outcome TEXT NOT NULL,
		end_trigger TEXT NOT NULL,
		overall INTEGER,
		final_attitude INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		exchange_count INTEGER NOT NULL,
		transcript_json TEXT NOT NULL,
		mood_json TEXT NOT NULL,
		score_json TEXT,
		debug_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_user ON session_records(user_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_created ON session_records(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save 写入或覆盖一条记录。
func (s *SQLite) Save(ctx context.Context, rec *model.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	transcript, err := json.Marshal(nonNilTurns(rec.Transcript))
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	mood, err := json.Marshal(nonNilInts(rec.MoodHistory))
	if err != nil {
		return fmt.Errorf("encode mood history: %w", err)
	}
	debug, err := json.Marshal(nonNilEvents(rec.DebugEvents))
	if err != nil {
		return fmt.Errorf("encode debug events: %w", err)
	}
	var score, overall any
	if rec.Score != nil {
		raw, err := json.Marshal(rec.Score)
		if err != nil {
			return fmt.Errorf("encode score: %w", err)
		}
		score, overall = string(raw), rec.Score.Overall
	}

	query := `
	INSERT INTO session_records (
		id, session_id, user_name, persona_id, persona_name, outcome, end_trigger,
		overall, final_attitude, duration_ms, exchange_count,
		transcript_json, mood_json, score_json, debug_json, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		outcome = excluded.outcome,
		end_trigger = excluded.end_trigger,
		overall = excluded.overall,
		final_attitude = excluded.final_attitude,
		duration_ms = excluded.duration_ms,
		exchange_count = excluded.exchange_count,
		transcript_json = excluded.transcript_json,
		mood_json = excluded.mood_json,
		score_json = excluded.score_json,
		debug_json = excluded.debug_json`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.UserName, rec.PersonaID, rec.PersonaName,
		string(rec.Outcome), rec.EndTrigger,
		overall, rec.FinalAttitude, rec.DurationMs, rec.ExchangeCount,
		string(transcript), string(mood), score, string(debug),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

const recordColumns = `id, session_id, user_name, persona_id, persona_name, outcome, end_trigger,
	final_attitude, duration_ms, exchange_count, transcript_json, mood_json, score_json, debug_json, created_at`

func (s *SQLite) Get(ctx context.Context, id string) (model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM session_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLite) ListByUser(ctx context.Context, userName string) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM session_records WHERE user_name = ? ORDER BY created_at DESC`, userName)
	if err != nil {
		return nil, fmt.Errorf("list records by user: %w", err)
	}
	return collect(rows)
}

func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM session_records ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	return collect(rows)
}

func (s *SQLite) ListUsers(ctx context.Context) ([]model.UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_name, COUNT(*), MAX(created_at)
		FROM session_records
		GROUP BY user_name
		ORDER BY MAX(created_at) DESC, user_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := []model.UserSummary{}
	for rows.Next() {
		var u model.UserSummary
		var last int64
		if err := rows.Scan(&u.UserName, &u.Attempts, &last); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		u.LastPlayed = time.Unix(0, last)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Leaderboard 只读取聚合需要的列，在内存中按用户汇总。
func (s *SQLite) Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_name, outcome, overall, duration_ms FROM session_records`)
	if err != nil {
		return nil, fmt.Errorf("leaderboard query: %w", err)
	}
	defer rows.Close()

	var records []model.SessionRecord
	for rows.Next() {
		var r model.SessionRecord
		var outcome string
		var overall sql.NullInt64
		if err := rows.Scan(&r.UserName, &outcome, &overall, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		r.Outcome = model.Outcome(outcome)
		if overall.Valid {
			r.Score = &model.ScoreReport{Overall: int(overall.Int64)}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return leaderboard(records), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.SessionRecord, error) {
	var rec model.SessionRecord
	var outcome, transcript, mood, debug string
	var score sql.NullString
	var created int64

	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.UserName, &rec.PersonaID, &rec.PersonaName, &outcome, &rec.EndTrigger,
		&rec.FinalAttitude, &rec.DurationMs, &rec.ExchangeCount, &transcript, &mood, &score, &debug, &created,
	)
	if err != nil {
		return rec, err
	}

	rec.Outcome = model.Outcome(outcome)
	rec.CreatedAt = time.Unix(0, created)
	if err := json.Unmarshal([]byte(transcript), &rec.Transcript); err != nil {
		return rec, fmt.Errorf("decode transcript of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(mood), &rec.MoodHistory); err != nil {
		return rec, fmt.Errorf("decode mood history of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(debug), &rec.DebugEvents); err != nil {
		return rec, fmt.Errorf("decode debug events of %s: %w", rec.ID, err)
	}
	if score.Valid {
		rec.Score = &model.ScoreReport{}
		if err := json.Unmarshal([]byte(score.String), rec.Score); err != nil {
			return rec, fmt.Errorf("decode score of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func collect(rows *sql.Rows) ([]model.SessionRecord, error) {
	defer rows.Close()

	out := []model.SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nonNilTurns(v []model.Turn) []model.Turn {
	if v == nil {
		return []model.Turn{}
	}
	return v
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilEvents(v []model.DebugEvent) []model.DebugEvent {
	if v == nil {
		return []model.DebugEvent{}
	}
	return v
}
