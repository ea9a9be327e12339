package model

import "time"

// ViolationKind 区分违规来源。
type ViolationKind string

const (
	ViolationForbiddenPhrase ViolationKind = "forbidden-phrase"
	ViolationFlow            ViolationKind = "flow-violation"
)

// Severity 是违规的严重程度。
type Severity string

const (
	SeverityWarning    Severity = "warning"
	SeverityViolation  Severity = "violation"
	SeverityInstantEnd Severity = "instant-end"
)

// FlowCode 标识被跳过的前置步骤。
type FlowCode string

const (
	FlowNoAgeCheck         FlowCode = "no-age-check"
	FlowNoEligibilityCheck FlowCode = "no-eligibility-check"
)

// Violation 是一条合规违规记录。
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Matched    string        `json:"matched"`
	Context    string        `json:"context"`
	Correction string        `json:"correction,omitempty"`
	Code       FlowCode      `json:"code,omitempty"`
	TS         time.Time     `json:"ts"`
}

// FlowViolation 是顺序违规：在前置检查完成前提到了受限产品。
type FlowViolation struct {
	Code     FlowCode  `json:"code"`
	Severity Severity  `json:"severity"`
	Matched  string    `json:"matched"`
	Context  string    `json:"context"`
	TS       time.Time `json:"ts"`
}

// AsViolation 把顺序违规转换为通用违规记录。
func (f FlowViolation) AsViolation() Violation {
	return Violation{
		Kind:     ViolationFlow,
		Severity: f.Severity,
		Matched:  f.Matched,
		Context:  f.Context,
		Code:     f.Code,
		TS:       f.TS,
	}
}

// ComplianceState 在会话内单调变化：三个布尔一旦为 true 不再回退，Violations 只增不减。
type ComplianceState struct {
	AgeCheckDone         bool        `json:"age_check_done"`
	EligibilityCheckDone bool        `json:"eligibility_check_done"`
	TopicMentioned       bool        `json:"topic_mentioned"`
	Violations           []Violation `json:"violations"`
}

// Snapshot 提取传给评估方的合规提示。
func (s ComplianceState) Snapshot() ComplianceSnapshot {
	snap := ComplianceSnapshot{
		AgeCheckDone:         s.AgeCheckDone,
		EligibilityCheckDone: s.EligibilityCheckDone,
		TopicMentioned:       s.TopicMentioned,
	}
	for _, v := range s.Violations {
		if v.Severity == SeverityInstantEnd {
			snap.InstantEndTrigger = true
			snap.InstantEndReason = string(v.Code)
			if v.Code == "" {
				snap.InstantEndReason = v.Matched
			}
			break
		}
	}
	return snap
}

// Clone 返回深拷贝。
func (s ComplianceState) Clone() ComplianceState {
	out := s
	out.Violations = append([]Violation(nil), s.Violations...)
	return out
}

// ComplianceSnapshot 是评估结果中携带的合规视图。
type ComplianceSnapshot struct {
	AgeCheckDone         bool   `json:"age_check_done"`
	EligibilityCheckDone bool   `json:"eligibility_check_done"`
	TopicMentioned       bool   `json:"topic_mentioned"`
	InstantEndTrigger    bool   `json:"instant_end_trigger"`
	InstantEndReason     string `json:"instant_end_reason,omitempty"`
}
