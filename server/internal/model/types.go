package model

import "time"

// Speaker 标识一轮对话的说话方。
type Speaker string

const (
	// SpeakerTrainee 是正在接受训练的销售人员（真人）。
	SpeakerTrainee Speaker = "trainee"
	// SpeakerAgent 是扮演客户的实时语音模型。
	SpeakerAgent Speaker = "agent"
)

// Turn 表示对话中的一个轮次。追加后不可变。
type Turn struct {
	Seq     int64     `json:"seq"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	TS      time.Time `json:"ts"`
	// ItemID 是传输层给出的条目 ID，用于去重；可为空。
	ItemID string `json:"item_id,omitempty"`
}

// Direction 是态度的变化方向。
type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionFalling Direction = "falling"
	DirectionStable  Direction = "stable"
)

// ParseDirection 解析方向字符串，无法识别时 ok=false。
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionRising, DirectionFalling, DirectionStable:
		return Direction(s), true
	}
	return DirectionStable, false
}

// AttitudeScale 是态度分值的闭区间。
type AttitudeScale struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Clamp 把 v 限制在 [Min, Max]。
func (s AttitudeScale) Clamp(v int) int {
	if v < s.Min {
		return s.Min
	}
	if v > s.Max {
		return s.Max
	}
	return v
}

// AttitudeState 由 Supervision Loop 独占写入。
type AttitudeState struct {
	Current   int       `json:"current"`
	Direction Direction `json:"direction"`
}

// EndReason 是评估方给出的结束原因词表。
type EndReason string

const (
	EndReasonNone           EndReason = ""
	EndReasonConverted      EndReason = "converted"
	EndReasonWalkedAway     EndReason = "walked_away"
	EndReasonGaveUp         EndReason = "gave_up"
	EndReasonComplianceFail EndReason = "compliance_fail"
)

// ParseEndReason 解析结束原因，未知值返回 EndReasonNone。
func ParseEndReason(s string) EndReason {
	switch EndReason(s) {
	case EndReasonConverted, EndReasonWalkedAway, EndReasonGaveUp, EndReasonComplianceFail:
		return EndReason(s)
	}
	return EndReasonNone
}

// Outcome 是面向学员的最终结局词表。
type Outcome string

const (
	OutcomeConverted      Outcome = "converted"
	OutcomeRejected       Outcome = "rejected"
	OutcomeWalkedAway     Outcome = "walked_away"
	OutcomeComplianceFail Outcome = "compliance_fail"
)

// ParseOutcome 解析结局字符串。
func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(s) {
	case OutcomeConverted, OutcomeRejected, OutcomeWalkedAway, OutcomeComplianceFail:
		return Outcome(s), true
	}
	return OutcomeRejected, false
}

// OutcomeFor 把评估方的结束原因映射到学员侧结局。
func OutcomeFor(r EndReason) Outcome {
	switch r {
	case EndReasonConverted:
		return OutcomeConverted
	case EndReasonWalkedAway:
		return OutcomeWalkedAway
	case EndReasonComplianceFail:
		return OutcomeComplianceFail
	default:
		return OutcomeRejected
	}
}

// Evaluation 是一次评估调用被接受后的结果，只在当前周期内使用。
type Evaluation struct {
	Attitude      int                `json:"attitude"`
	Direction     Direction          `json:"direction"`
	Guidance      string             `json:"guidance"`
	TopicsCovered []string           `json:"topics_covered"`
	IsOnTrack     bool               `json:"is_on_track"`
	ShouldEnd     bool               `json:"should_end"`
	EndReason     EndReason          `json:"end_reason,omitempty"`
	Compliance    ComplianceSnapshot `json:"compliance"`
}

// DebugKind 是调试事件的类型。
type DebugKind string

const (
	DebugEvaluation        DebugKind = "evaluation"
	DebugDirectiveInjected DebugKind = "directive-injected"
	DebugAgentToolCall     DebugKind = "agent-tool-call"
	DebugError             DebugKind = "error"
	DebugConnected         DebugKind = "connected"
)

// DebugEvent 是只追加的审计记录。
type DebugEvent struct {
	TS      time.Time      `json:"ts"`
	Kind    DebugKind      `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}
