// Package supervisor 实时监督对话：评估客户态度、合规检查、生成注入指令，并驱动结束协议。
package supervisor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
)

const fallbackGuidance = "Continue as before."

// EvaluationRequest 是一次评估的完整输入。
type EvaluationRequest struct {
	Persona         model.Persona
	Transcript      []model.Turn
	MoodHistory     []int
	CurrentAttitude int
	Compliance      model.ComplianceSnapshot
	ExchangeCount   int
}

// Evaluator 总是返回可用的评估；error 非空表示本次使用了兜底值，只用于调试记录。
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (model.Evaluation, error)
}

// LLMEvaluator 通过判定模型完成评估。
type LLMEvaluator struct {
	client llm.Client
	cfg    config.SupervisorConfig
	logger *zap.Logger
}

func NewLLMEvaluator(client llm.Client, cfg config.SupervisorConfig, logger *zap.Logger) *LLMEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMEvaluator{client: client, cfg: cfg, logger: logger.Named("evaluator")}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (model.Evaluation, error) {
	scale := ScaleFor(req.Persona, e.cfg.Scale)
	current := scale.Clamp(req.CurrentAttitude)

	messages := []llm.Message{
		{Role: "system", Content: buildSystemPrompt(req.Persona, scale)},
		{Role: "user", Content: buildUserPrompt(req, scale, e.cfg)},
	}

	raw, err := e.client.Complete(ctx, messages, evaluationSchema(scale))
	if err != nil {
		return Fallback(current), fmt.Errorf("evaluation call: %w", err)
	}
	obj, err := llm.DecodeObject(raw)
	if err != nil {
		e.logger.Warn("unparseable evaluation", zap.String("raw", truncate(raw, 300)), zap.Error(err))
		return Fallback(current), fmt.Errorf("evaluation output: %w", err)
	}
	return Sanitize(obj, current, scale, req.Compliance), nil
}

// ScaleFor 返回人设自带的量表，未配置时使用默认量表。
func ScaleFor(p model.Persona, def model.AttitudeScale) model.AttitudeScale {
	if p.Scale.Max > p.Scale.Min {
		return p.Scale
	}
	return def
}

// Fallback 是判定调用失败时的确定性结果。
func Fallback(current int) model.Evaluation {
	return model.Evaluation{
		Attitude:  current,
		Direction: model.DirectionStable,
		Guidance:  fallbackGuidance,
		IsOnTrack: true,
	}
}

// Sanitize 逐字段校验原始输出：缺失或类型错误的字段单独回落，态度钳制到量表内，
// 合规即时结束条件（来自提示或原始输出）强制 shouldEnd=true 与 compliance_fail。
func Sanitize(obj map[string]any, current int, scale model.AttitudeScale, hints model.ComplianceSnapshot) model.Evaluation {
	current = scale.Clamp(current)
	ev := model.Evaluation{
		Attitude:  current,
		Guidance:  fallbackGuidance,
		IsOnTrack: true,
	}

	if v, ok := llm.Int(obj, "attitude"); ok {
		ev.Attitude = scale.Clamp(v)
	}

	ev.Direction = deriveDirection(current, ev.Attitude)
	if s, ok := llm.String(obj, "direction"); ok {
		if d, ok := model.ParseDirection(strings.ToLower(s)); ok {
			ev.Direction = d
		}
	}

	if s, ok := llm.String(obj, "guidance"); ok && s != "" {
		ev.Guidance = s
	}
	ev.TopicsCovered = dedup(llm.Strings(obj, "topicsCovered"))
	if b, ok := llm.Bool(obj, "isOnTrack"); ok {
		ev.IsOnTrack = b
	}

	if b, ok := llm.Bool(obj, "shouldEnd"); ok && b {
		ev.ShouldEnd = true
		s, _ := llm.String(obj, "endReason")
		ev.EndReason = model.ParseEndReason(strings.ToLower(s))
		if ev.EndReason == model.EndReasonNone {
			ev.EndReason = model.EndReasonGaveUp
		}
	}

	rawC := llm.Object(obj, "compliance")
	ev.Compliance = model.ComplianceSnapshot{
		AgeCheckDone:         hints.AgeCheckDone || boolField(rawC, "ageCheckDone"),
		EligibilityCheckDone: hints.EligibilityCheckDone || boolField(rawC, "eligibilityCheckDone"),
		TopicMentioned:       hints.TopicMentioned || boolField(rawC, "topicMentioned"),
	}
	switch {
	case hints.InstantEndTrigger:
		ev.Compliance.InstantEndTrigger = true
		ev.Compliance.InstantEndReason = hints.InstantEndReason
	case boolField(rawC, "instantEndTrigger"):
		ev.Compliance.InstantEndTrigger = true
		ev.Compliance.InstantEndReason, _ = llm.String(rawC, "instantEndReason")
	}

	if ev.Compliance.InstantEndTrigger {
		ev.ShouldEnd = true
		ev.EndReason = model.EndReasonComplianceFail
	}
	return ev
}

func boolField(obj map[string]any, key string) bool {
	b, _ := llm.Bool(obj, key)
	return b
}

func deriveDirection(prev, next int) model.Direction {
	switch {
	case next > prev:
		return model.DirectionRising
	case next < prev:
		return model.DirectionFalling
	default:
		return model.DirectionStable
	}
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
