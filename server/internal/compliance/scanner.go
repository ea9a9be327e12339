// Package compliance 扫描学员话语中的必经步骤（年龄、吸烟者确认）与禁用表述。
package compliance

import (
	"fmt"
	"time"

	"pitchtalk/server/internal/model"
)

const contextRadius = 30

type forbiddenMatcher struct {
	rule ForbiddenRule
	m    matcher
}

// Scanner 编译后不可变，可被多个会话并发使用。
type Scanner struct {
	strategy     Strategy
	age          []matcher
	eligibility  []matcher
	topic        []matcher
	forbidden    []forbiddenMatcher
	flowSeverity model.Severity
}

// Result 是一次扫描的产出。
type Result struct {
	State model.ComplianceState
	// Violations 仅包含本轮新增的禁用表述违规。
	Violations []model.Violation
	// Flow 是本轮的顺序违规，每轮至多一条。
	Flow *model.FlowViolation
}

func NewScanner(rules Rules, strategy Strategy) (*Scanner, error) {
	s := &Scanner{strategy: strategy, flowSeverity: rules.FlowSeverity}
	if s.flowSeverity == "" {
		s.flowSeverity = model.SeverityInstantEnd
	}

	var err error
	if s.age, err = compileAll(strategy, rules.AgePatterns); err != nil {
		return nil, fmt.Errorf("age patterns: %w", err)
	}
	if s.eligibility, err = compileAll(strategy, rules.EligibilityPatterns); err != nil {
		return nil, fmt.Errorf("eligibility patterns: %w", err)
	}
	if s.topic, err = compileAll(strategy, rules.TopicPatterns); err != nil {
		return nil, fmt.Errorf("topic patterns: %w", err)
	}
	for _, rule := range rules.Forbidden {
		switch rule.Severity {
		case model.SeverityWarning, model.SeverityViolation:
		case "":
			rule.Severity = model.SeverityWarning
		default:
			return nil, fmt.Errorf("forbidden phrase %q: unsupported severity %q", rule.Phrase, rule.Severity)
		}
		m, err := newMatcher(strategy, rule.Phrase)
		if err != nil {
			return nil, fmt.Errorf("forbidden phrase %q: %w", rule.Phrase, err)
		}
		s.forbidden = append(s.forbidden, forbiddenMatcher{rule: rule, m: m})
	}
	return s, nil
}

func compileAll(strategy Strategy, patterns []string) ([]matcher, error) {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		m, err := newMatcher(strategy, p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Scan 对一条学员话语做纯函数式扫描，不修改 prior。
// 本轮先更新年龄/吸烟者标记，再判断产品提及，所以同一句里先问年龄再介绍产品不算违规。
func (s *Scanner) Scan(text string, prior model.ComplianceState, ts time.Time) Result {
	state := prior.Clone()

	if !state.AgeCheckDone && firstMatch(s.age, text) != nil {
		state.AgeCheckDone = true
	}
	if !state.EligibilityCheckDone && firstMatch(s.eligibility, text) != nil {
		state.EligibilityCheckDone = true
	}

	var flow *model.FlowViolation
	if sp := firstMatch(s.topic, text); sp != nil {
		state.TopicMentioned = true

		var code model.FlowCode
		switch {
		case !state.AgeCheckDone:
			code = model.FlowNoAgeCheck
		case !state.EligibilityCheckDone:
			code = model.FlowNoEligibilityCheck
		}
		if code != "" {
			flow = &model.FlowViolation{
				Code:     code,
				Severity: s.flowSeverity,
				Matched:  text[sp.start:sp.end],
				Context:  snippet(text, *sp, contextRadius),
				TS:       ts,
			}
		}
	}

	var found []model.Violation
	for _, fm := range s.forbidden {
		for _, sp := range fm.m.findAll(text) {
			found = append(found, model.Violation{
				Kind:       model.ViolationForbiddenPhrase,
				Severity:   fm.rule.Severity,
				Matched:    text[sp.start:sp.end],
				Context:    snippet(text, sp, contextRadius),
				Correction: fm.rule.Correction,
				TS:         ts,
			})
		}
	}

	state.Violations = append(state.Violations, found...)
	if flow != nil {
		state.Violations = append(state.Violations, flow.AsViolation())
	}
	return Result{State: state, Violations: found, Flow: flow}
}

// ForbiddenPhrases 对完整文本做一次独立的禁用表述预扫描，返回命中的规则短语（按表顺序去重）。
func (s *Scanner) ForbiddenPhrases(texts ...string) []string {
	var out []string
	for _, fm := range s.forbidden {
		for _, text := range texts {
			if len(fm.m.findAll(text)) > 0 {
				out = append(out, fm.rule.Phrase)
				break
			}
		}
	}
	return out
}

func firstMatch(ms []matcher, text string) *span {
	for _, m := range ms {
		if spans := m.findAll(text); len(spans) > 0 {
			return &spans[0]
		}
	}
	return nil
}
