package model

import "time"

// CheckVerdict 是单项合规检查的结论。
type CheckVerdict string

const (
	CheckPassed  CheckVerdict = "passed"
	CheckSkipped CheckVerdict = "skipped"
	CheckFailed  CheckVerdict = "failed"
)

// CategoryScores 是评分维度，取值在配置的区间内。
type CategoryScores struct {
	Relationship        int `json:"relationship"`
	NeedsDiscovery      int `json:"needs_discovery"`
	ProductPresentation int `json:"product_presentation"`
	Compliance          int `json:"compliance"`
}

// ComplianceDetails 是报告中的合规结论。
type ComplianceDetails struct {
	AgeVerification  CheckVerdict `json:"age_verification"`
	EligibilityCheck CheckVerdict `json:"eligibility_check"`
	ForbiddenWords   []string     `json:"forbidden_words"`
}

// PhaseHandling 描述学员在各阶段的处理情况。
type PhaseHandling struct {
	SkepticismBreakthrough bool `json:"skepticism_breakthrough"`
	InterestRecognized     bool `json:"interest_recognized"`
	WeakPointsUsed         bool `json:"weak_points_used"`
	DecisionHelped         bool `json:"decision_helped"`
}

// ScoreReport 在会话结束时生成一次，之后不可变。
type ScoreReport struct {
	Overall           int               `json:"overall"`
	Categories        CategoryScores    `json:"categories"`
	ComplianceDetails ComplianceDetails `json:"compliance_details"`
	PhaseHandling     PhaseHandling     `json:"phase_handling"`
	Highlights        []string          `json:"highlights"`
	Improvements      []string          `json:"improvements"`
	Fails             []string          `json:"fails"`
	Summary           string            `json:"summary,omitempty"`
	Outcome           Outcome           `json:"outcome"`
	Fallback          bool              `json:"fallback,omitempty"`
}

// SessionRecord 是持久化的完整会话。
type SessionRecord struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	UserName      string       `json:"user_name"`
	PersonaID     string       `json:"persona_id"`
	PersonaName   string       `json:"persona_name"`
	Outcome       Outcome      `json:"outcome"`
	EndTrigger    string       `json:"end_trigger"`
	Transcript    []Turn       `json:"transcript"`
	MoodHistory   []int        `json:"mood_history"`
	FinalAttitude int          `json:"final_attitude"`
	Score         *ScoreReport `json:"score,omitempty"`
	DebugEvents   []DebugEvent `json:"debug_events"`
	DurationMs    int64        `json:"duration_ms"`
	ExchangeCount int          `json:"exchange_count"`
	CreatedAt     time.Time    `json:"created_at"`
}

// OverallScore 返回总分，没有报告时为 0。
func (r SessionRecord) OverallScore() int {
	if r.Score == nil {
		return 0
	}
	return r.Score.Overall
}

// UserSummary 是用户列表中的一项。
type UserSummary struct {
	UserName   string    `json:"user_name"`
	Attempts   int       `json:"attempts"`
	LastPlayed time.Time `json:"last_played"`
}

// LeaderboardEntry 是排行榜中的一项。
type LeaderboardEntry struct {
	UserName       string  `json:"user_name"`
	Attempts       int     `json:"attempts"`
	Conversions    int     `json:"conversions"`
	BestScore      int     `json:"best_score"`
	BestOutcome    Outcome `json:"best_outcome"`
	AvgScore       float64 `json:"avg_score"`
	BestDurationMs int64   `json:"best_duration_ms"`
}
