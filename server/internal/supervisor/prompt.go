package supervisor

import (
	"fmt"
	"strconv"
	"strings"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/timeline"
)

func buildSystemPrompt(p model.Persona, scale model.AttitudeScale) string {
	var b strings.Builder
	b.WriteString("You supervise a sales training role-play in a tobacco shop.\n")
	fmt.Fprintf(&b, "The customer %q (assistant) came to buy cigarettes. The promoter (user) is a trainee learning to offer alternatives.\n", p.Name)
	b.WriteString("You judge the trainee and steer the customer. You never speak to the trainee.\n\n")

	b.WriteString("# Customer\n")
	b.WriteString(p.Identity)
	b.WriteString("\n\n# Weak points (internal)\n")
	for _, w := range p.WeakPoints {
		b.WriteString("- " + w + "\n")
	}
	if len(p.ResistancePoints) > 0 {
		b.WriteString("\n# Resistance points\n")
		for _, r := range p.ResistancePoints {
			b.WriteString("- " + r + "\n")
		}
	}
	if p.Experience != "" {
		b.WriteString("\n# Product history\n")
		b.WriteString(p.Experience)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, `
# Attitude (%d-%d)
- empathy, active listening: +0.5 to +1
- relevant product: +1 to +2
- addressing concerns (price, taste, design): +1
- hitting a weak point: +1 to +2
- ignoring objections: -1 to -2
- aggressive push: -2 to -3
- generic phrases without evidence: -0.5 to -1

# Compliance (critical)
Before any product is offered the trainee must verify age (18+) and ask whether the customer smokes.
Instant end (compliance_fail): products before the age check, products before the smoker check,
or continuing to pitch after the customer said they do not smoke.

# Ending
Set shouldEnd=true when attitude >= %d (converted), attitude <= %d (walked_away),
a compliance failure occurred (compliance_fail), or the conversation stalls (gave_up).

Guidance is 1-2 sentences addressed to the customer and must fit the current phase.
isOnTrack=false when the customer talks too long, warms up too early, or drops character.
Return ONLY valid JSON.`, scale.Min, scale.Max, convertAt(p, scale), walkAwayAt(p, scale))
	return b.String()
}

func buildUserPrompt(req EvaluationRequest, scale model.AttitudeScale, cfg config.SupervisorConfig) string {
	pc := PhaseFor(cfg.Phases, req.ExchangeCount, scale)

	var b strings.Builder
	b.WriteString("# State\n")
	fmt.Fprintf(&b, "- Exchanges: %d\n", req.ExchangeCount)
	fmt.Fprintf(&b, "- Phase: %s (max %d exchanges)\n", pc.Phase, pc.MaxExchanges)
	fmt.Fprintf(&b, "- Mood history: %s (current %d/%d)\n", joinInts(req.MoodHistory, " -> "), req.CurrentAttitude, scale.Max)
	fmt.Fprintf(&b, "- Start: %d/%d\n", req.Persona.InitialAttitude, scale.Max)
	fmt.Fprintf(&b, "- Age checked: %t, smoker checked: %t, products mentioned: %t\n",
		req.Compliance.AgeCheckDone, req.Compliance.EligibilityCheckDone, req.Compliance.TopicMentioned)
	if req.Compliance.InstantEndTrigger {
		fmt.Fprintf(&b, "- COMPLIANCE FAILURE detected: %s\n", req.Compliance.InstantEndReason)
	}
	if req.ExchangeCount >= cfg.HardStopAfter {
		b.WriteString("⚠️ Maximum exchanges reached. End the conversation.\n")
	} else if req.ExchangeCount >= cfg.ClosingAfter {
		fmt.Fprintf(&b, "⚠️ Closing phase. If attitude is below %d, steer towards an end.\n", (scale.Min+scale.Max)/2)
	}

	b.WriteString("\n# Transcript\n")
	b.WriteString(timeline.Render(req.Transcript, "Promoter", req.Persona.Name))
	return b.String()
}

func convertAt(p model.Persona, scale model.AttitudeScale) int {
	if p.ConvertAt > 0 {
		return p.ConvertAt
	}
	return scale.Max - 2
}

func walkAwayAt(p model.Persona, scale model.AttitudeScale) int {
	if p.WalkAwayAt > 0 {
		return p.WalkAwayAt
	}
	return scale.Min + 2
}

func joinInts(vs []int, sep string) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

func evaluationSchema(scale model.AttitudeScale) *llm.JSONSchema {
	return &llm.JSONSchema{
		Name:   "supervisor_evaluation",
		Strict: true,
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []string{
				"attitude", "direction", "guidance", "topicsCovered", "isOnTrack", "shouldEnd", "endReason", "compliance",
			},
			"properties": map[string]any{
				"attitude":      map[string]any{"type": "integer", "minimum": scale.Min, "maximum": scale.Max},
				"direction":     map[string]any{"type": "string", "enum": []string{"rising", "falling", "stable"}},
				"guidance":      map[string]any{"type": "string"},
				"topicsCovered": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"isOnTrack":     map[string]any{"type": "boolean"},
				"shouldEnd":     map[string]any{"type": "boolean"},
				"endReason": map[string]any{
					"type": []string{"string", "null"},
					"enum": []any{"converted", "walked_away", "gave_up", "compliance_fail", nil},
				},
				"compliance": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"ageCheckDone", "eligibilityCheckDone", "instantEndTrigger", "instantEndReason"},
					"properties": map[string]any{
						"ageCheckDone":         map[string]any{"type": "boolean"},
						"eligibilityCheckDone": map[string]any{"type": "boolean"},
						"instantEndTrigger":    map[string]any{"type": "boolean"},
						"instantEndReason":     map[string]any{"type": []string{"string", "null"}},
					},
				},
			},
		},
	}
}
