package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchtalk/server/internal/compliance"
	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/llm"
	"pitchtalk/server/internal/model"
)

func newTestScorer(t *testing.T, client llm.Client) *Scorer {
	t.Helper()
	scanner, err := compliance.NewScanner(compliance.DefaultRules(), compliance.StrategyFold)
	require.NoError(t, err)
	return NewScorer(client, scanner, config.Default().Scoring, nil)
}

func transcript() []model.Turn {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return []model.Turn{
		{Seq: 1, Speaker: model.SpeakerTrainee, Text: "Dobrý den, je vám přes 18?", TS: at},
		{Seq: 2, Speaker: model.SpeakerAgent, Text: "Jo. Chci jen Marlboro, je to free?", TS: at},
		{Seq: 3, Speaker: model.SpeakerTrainee, Text: "Startovací sada je teď ZDARMA.", TS: at},
	}
}

func TestScoreWeightsCategories(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`{
		"categories": {"relationship": 8, "needsDiscovery": 6, "productPresentation": 8, "compliance": 10},
		"complianceDetails": {"ageVerification": "passed", "eligibilityCheck": "skipped"},
		"phaseHandling": {"skepticismBreakthrough": true, "interestRecognized": false, "weakPointsUsed": true, "decisionHelped": true},
		"highlights": ["Asked for age first."],
		"improvements": ["Ask whether he smokes."],
		"fails": [],
		"summary": "Solid opening."
	}`}}
	s := newTestScorer(t, client)

	report, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeConverted)
	require.NoError(t, err)

	assert.Equal(t, 78, report.Overall)
	assert.Equal(t, model.CategoryScores{Relationship: 8, NeedsDiscovery: 6, ProductPresentation: 8, Compliance: 10}, report.Categories)
	assert.Equal(t, model.CheckPassed, report.ComplianceDetails.AgeVerification)
	assert.Equal(t, model.CheckSkipped, report.ComplianceDetails.EligibilityCheck)
	assert.Equal(t, []string{"zdarma"}, report.ComplianceDetails.ForbiddenWords)
	assert.True(t, report.PhaseHandling.SkepticismBreakthrough)
	assert.False(t, report.PhaseHandling.InterestRecognized)
	assert.Equal(t, []string{"Asked for age first."}, report.Highlights)
	assert.Empty(t, report.Fails)
	assert.Equal(t, "Solid opening.", report.Summary)
	assert.Equal(t, model.OutcomeConverted, report.Outcome)
	assert.False(t, report.Fallback)
}

func TestScoreClampsAndDefaultsCategories(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`{
		"categories": {"relationship": 15, "productPresentation": "good", "compliance": -3},
		"complianceDetails": {"ageVerification": "maybe", "smokerCheck": "FAILED"},
		"phaseHandling": {"weakPointsUsed": ["car", "office"]}
	}`}}
	s := newTestScorer(t, client)

	report, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeRejected)
	require.NoError(t, err)

	assert.Equal(t, model.CategoryScores{Relationship: 10, NeedsDiscovery: 5, ProductPresentation: 5, Compliance: 0}, report.Categories)
	assert.Equal(t, model.CheckSkipped, report.ComplianceDetails.AgeVerification)
	assert.Equal(t, model.CheckFailed, report.ComplianceDetails.EligibilityCheck)
	assert.True(t, report.PhaseHandling.WeakPointsUsed)
	assert.NotNil(t, report.Highlights)
	assert.NotNil(t, report.Improvements)
}

func TestFallbackOverallMatchesCategories(t *testing.T) {
	scanner, err := compliance.NewScanner(compliance.DefaultRules(), compliance.StrategyFold)
	require.NoError(t, err)
	cfg := config.Default().Scoring
	cfg.CategoryMin = 1

	s := NewScorer(&llm.MockClient{Err: errors.New("timeout")}, scanner, cfg, nil)
	report, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeRejected)
	require.Error(t, err)

	assert.True(t, report.Fallback)
	assert.Equal(t, 5, report.Categories.Relationship)
	assert.Equal(t, 44, report.Overall)
	assert.Equal(t, s.Overall(report.Categories), report.Overall)
}

func TestScoreClampsHugeCategories(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`{
		"categories": {"relationship": 1e30, "needsDiscovery": 99999999999999999999, "productPresentation": -1e30, "compliance": 10}
	}`}}
	s := newTestScorer(t, client)

	report, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeConverted)
	require.NoError(t, err)

	assert.Equal(t, model.CategoryScores{Relationship: 10, NeedsDiscovery: 10, ProductPresentation: 0, Compliance: 10}, report.Categories)
}

func TestScoreFallbackOnFailure(t *testing.T) {
	cases := map[string]*llm.MockClient{
		"network": {Err: errors.New("connection reset")},
		"garbage": {Responses: []string{"Sorry, I cannot grade this."}},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestScorer(t, client)

			report, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeWalkedAway)
			require.Error(t, err)

			assert.True(t, report.Fallback)
			assert.Equal(t, 50, report.Overall)
			assert.Equal(t, model.CategoryScores{Relationship: 5, NeedsDiscovery: 5, ProductPresentation: 5, Compliance: 5}, report.Categories)
			assert.Equal(t, []string{"Scoring unavailable."}, report.Improvements)
			assert.Empty(t, report.Highlights)
			assert.Equal(t, model.OutcomeWalkedAway, report.Outcome)
			assert.Equal(t, []string{"zdarma"}, report.ComplianceDetails.ForbiddenWords)
		})
	}
}

func TestScorePromptCarriesPrescanAndTranscript(t *testing.T) {
	client := &llm.MockClient{Responses: []string{`{}`}}
	s := newTestScorer(t, client)

	_, err := s.Score(context.Background(), model.Persona{Name: "Pete"}, transcript(), model.OutcomeComplianceFail)
	require.NoError(t, err)

	require.Len(t, client.Requests, 1)
	user := client.Requests[0][1].Content
	assert.Contains(t, user, "# Forbidden words found\nzdarma\n")
	assert.Contains(t, user, "Compliance failure")
	assert.Contains(t, user, "Promoter: Dobrý den, je vám přes 18?")
	assert.Contains(t, user, "Pete: Jo. Chci jen Marlboro, je to free?")
}

func TestOverallUsesCategoryRange(t *testing.T) {
	cfg := config.Default().Scoring
	cfg.CategoryMin, cfg.CategoryMax = 1, 5
	s := NewScorer(&llm.MockClient{}, nil, cfg, nil)

	assert.Equal(t, 0, s.Overall(model.CategoryScores{Relationship: 1, NeedsDiscovery: 1, ProductPresentation: 1, Compliance: 1}))
	assert.Equal(t, 100, s.Overall(model.CategoryScores{Relationship: 5, NeedsDiscovery: 5, ProductPresentation: 5, Compliance: 5}))
	assert.Equal(t, 50, s.Overall(model.CategoryScores{Relationship: 3, NeedsDiscovery: 3, ProductPresentation: 3, Compliance: 3}))
}
