package scoring

import (
	"fmt"
	"strings"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/timeline"
)

var outcomeText = map[model.Outcome]string{
	model.OutcomeConverted:      "Success: the customer showed interest or bought.",
	model.OutcomeRejected:       "Rejected: the customer declined the offer.",
	model.OutcomeWalkedAway:     "Walked away: the customer ended the conversation.",
	model.OutcomeComplianceFail: "Compliance failure: a critical rule was broken.",
}

func buildSystemPrompt(cfg config.ScoringConfig) string {
	w := cfg.Weights
	return fmt.Sprintf(`You grade a sales training session. A promoter (trainee) approached a customer in a tobacco shop
who came to buy cigarettes and offered alternatives (glo, Velo, Vuse).

# Categories (%d-%d)
1. relationship (%.0f%%): natural contact, friendly not pushy, interest in the customer as a person.
2. needsDiscovery (%.0f%%): asked about smoking habits and preferences, listened.
   Bonus for handling "I don't know / not interested" gracefully and for using the customer's weak points.
3. productPresentation (%.0f%%): relevant products, concrete benefits, handled objections, offered an alternative,
   correct prices and facts.
4. compliance (%.0f%%): %d = age and smoker status verified before products and no forbidden words;
   %d = products offered without an age check or to a non-smoker.

# Phases
- skepticismBreakthrough: broke the initial skepticism with facts instead of phrases.
- interestRecognized: noticed interest signals and switched from pushing to informing.
- weakPointsUsed: used the weak points the customer mentioned.
- decisionHelped: helped the customer decide with a concrete next step.

# Verdicts
ageVerification / eligibilityCheck: "passed" = asked before products, "skipped" = never asked,
"failed" = kept offering to a minor or a non-smoker.

Highlights and improvements: 2-3 items each. Fails: critical mistakes only, empty when none.
Return ONLY valid JSON.`,
		cfg.CategoryMin, cfg.CategoryMax,
		w.Relationship*100, w.NeedsDiscovery*100, w.ProductPresentation*100, w.Compliance*100,
		cfg.CategoryMax, cfg.CategoryMin)
}

func buildUserPrompt(p model.Persona, transcript []model.Turn, outcome model.Outcome, forbidden []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Customer\n%s\n\n", p.Name)
	fmt.Fprintf(&b, "# Outcome\n%s\n\n", outcomeText[outcome])
	b.WriteString("# Forbidden words found\n")
	if len(forbidden) == 0 {
		b.WriteString("None\n")
	} else {
		b.WriteString(strings.Join(forbidden, ", ") + "\n")
	}
	b.WriteString("\n# Transcript\n")
	b.WriteString(timeline.Render(transcript, "Promoter", p.Name))
	return b.String()
}

func reportSchema(cfg config.ScoringConfig) *llm.JSONSchema {
	score := map[string]any{"type": "integer", "minimum": cfg.CategoryMin, "maximum": cfg.CategoryMax}
	verdict := map[string]any{"type": "string", "enum": []string{"passed", "skipped", "failed"}}
	list := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	boolean := map[string]any{"type": "boolean"}

	return &llm.JSONSchema{
		Name:   "session_report",
		Strict: true,
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []string{"categories", "complianceDetails", "phaseHandling", "highlights", "improvements", "fails", "summary"},
			"properties": map[string]any{
				"categories": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"relationship", "needsDiscovery", "productPresentation", "compliance"},
					"properties": map[string]any{
						"relationship":        score,
						"needsDiscovery":      score,
						"productPresentation": score,
						"compliance":          score,
					},
				},
				"complianceDetails": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"ageVerification", "eligibilityCheck"},
					"properties": map[string]any{
						"ageVerification":  verdict,
						"eligibilityCheck": verdict,
					},
				},
				"phaseHandling": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"skepticismBreakthrough", "interestRecognized", "weakPointsUsed", "decisionHelped"},
					"properties": map[string]any{
						"skepticismBreakthrough": boolean,
						"interestRecognized":     boolean,
						"weakPointsUsed":         boolean,
						"decisionHelped":         boolean,
					},
				},
				"highlights":   list,
				"improvements": list,
				"fails":        list,
				"summary":      map[string]any{"type": "string"},
			},
		},
	}
}
