// Package scoring 在会话结束时生成一次性的评分报告。
package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
)

const unavailableNote = "Scoring unavailable."

// Scorer 为一次完整对话生成报告。总是返回可展示的报告；error 非空表示使用了兜底报告。
type Scorer struct {
	client  llm.Client
	scanner *compliance.Scanner
	cfg     config.ScoringConfig
	logger  *zap.Logger
}

func NewScorer(client llm.Client, scanner *compliance.Scanner, cfg config.ScoringConfig, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{client: client, scanner: scanner, cfg: cfg, logger: logger.Named("scoring")}
}

// Score 先对学员发言做独立的禁用语预扫描，再发起一次判定调用。
func (s *Scorer) Score(ctx context.Context, persona model.Persona, transcript []model.Turn, outcome model.Outcome) (model.ScoreReport, error) {
	forbidden := s.prescan(transcript)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	messages := []llm.Message{
		{Role: "system", Content: buildSystemPrompt(s.cfg)},
		{Role: "user", Content: buildUserPrompt(persona, transcript, outcome, forbidden)},
	}
	raw, err := s.client.Complete(ctx, messages, reportSchema(s.cfg))
	if err != nil {
		s.logger.Warn("scoring call failed", zap.Error(err))
		return s.Fallback(outcome, forbidden), fmt.Errorf("scoring call: %w", err)
	}
	obj, err := llm.DecodeObject(raw)
	if err != nil {
		s.logger.Warn("unparseable scoring output", zap.Error(err))
		return s.Fallback(outcome, forbidden), fmt.Errorf("scoring output: %w", err)
	}

	report := s.Build(obj, outcome, forbidden)
	s.logger.Info("session scored", zap.Int("overall", report.Overall), zap.String("outcome", string(outcome)))
	return report, nil
}

func (s *Scorer) prescan(transcript []model.Turn) []string {
	if s.scanner == nil {
		return []string{}
	}
	var texts []string
	for _, t := range transcript {
		if t.Speaker == model.SpeakerTrainee {
			texts = append(texts, t.Text)
		}
	}
	found := s.scanner.ForbiddenPhrases(texts...)
	if found == nil {
		found = []string{}
	}
	return found
}

// Build 把判定输出转换为报告。缺失的维度取区间中值，越界的维度被钳制。
func (s *Scorer) Build(obj map[string]any, outcome model.Outcome, forbidden []string) model.ScoreReport {
	cats := llm.Object(obj, "categories")
	report := model.ScoreReport{
		Categories: model.CategoryScores{
			Relationship:        s.category(cats, "relationship"),
			NeedsDiscovery:      s.category(cats, "needsDiscovery"),
			ProductPresentation: s.category(cats, "productPresentation"),
			Compliance:          s.category(cats, "compliance"),
		},
		Highlights:   nonNil(llm.Strings(obj, "highlights")),
		Improvements: nonNil(llm.Strings(obj, "improvements")),
		Fails:        nonNil(llm.Strings(obj, "fails")),
		Outcome:      outcome,
	}
	report.Overall = s.Overall(report.Categories)
	report.Summary, _ = llm.String(obj, "summary")

	details := llm.Object(obj, "complianceDetails")
	report.ComplianceDetails = model.ComplianceDetails{
		AgeVerification:  verdict(details, "ageVerification"),
		EligibilityCheck: verdict(details, "eligibilityCheck", "smokerCheck"),
		ForbiddenWords:   forbidden,
	}

	phases := llm.Object(obj, "phaseHandling")
	report.PhaseHandling = model.PhaseHandling{
		SkepticismBreakthrough: flag(phases, "skepticismBreakthrough"),
		InterestRecognized:     flag(phases, "interestRecognized"),
		WeakPointsUsed:         flag(phases, "weakPointsUsed") || len(llm.Strings(phases, "weakPointsUsed")) > 0,
		DecisionHelped:         flag(phases, "decisionHelped"),
	}
	return report
}

// Overall 按权重合成 0-100 的总分。
func (s *Scorer) Overall(c model.CategoryScores) int {
	w := s.cfg.Weights
	weighted := float64(c.Relationship)*w.Relationship +
		float64(c.NeedsDiscovery)*w.NeedsDiscovery +
		float64(c.ProductPresentation)*w.ProductPresentation +
		float64(c.Compliance)*w.Compliance
	span := float64(s.cfg.CategoryMax - s.cfg.CategoryMin)
	if span <= 0 {
		return 0
	}
	overall := int(math.Round((weighted - float64(s.cfg.CategoryMin)) / span * 100))
	return min(max(overall, 0), 100)
}

// Fallback 是评分失败时的中性报告，保留结局与预扫描结果。
func (s *Scorer) Fallback(outcome model.Outcome, forbidden []string) model.ScoreReport {
	if forbidden == nil {
		forbidden = []string{}
	}
	mid := s.mid()
	report := model.ScoreReport{
		Categories: model.CategoryScores{
			Relationship:        mid,
			NeedsDiscovery:      mid,
			ProductPresentation: mid,
			Compliance:          mid,
		},
		ComplianceDetails: model.ComplianceDetails{
			AgeVerification:  model.CheckSkipped,
			EligibilityCheck: model.CheckSkipped,
			ForbiddenWords:   forbidden,
		},
		Highlights:   []string{},
		Improvements: []string{unavailableNote},
		Fails:        []string{},
		Outcome:      outcome,
		Fallback:     true,
	}
	report.Overall = s.Overall(report.Categories)
	return report
}

func (s *Scorer) mid() int {
	return (s.cfg.CategoryMin + s.cfg.CategoryMax) / 2
}

func (s *Scorer) category(obj map[string]any, key string) int {
	v, ok := llm.Int(obj, key)
	if !ok {
		return s.mid()
	}
	return min(max(v, s.cfg.CategoryMin), s.cfg.CategoryMax)
}

func verdict(obj map[string]any, keys ...string) model.CheckVerdict {
	for _, key := range keys {
		s, ok := llm.String(obj, key)
		if !ok {
			continue
		}
		switch v := model.CheckVerdict(strings.ToLower(strings.TrimSpace(s))); v {
		case model.CheckPassed, model.CheckSkipped, model.CheckFailed:
			return v
		}
	}
	return model.CheckSkipped
}

func flag(obj map[string]any, key string) bool {
	b, _ := llm.Bool(obj, key)
	return b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
