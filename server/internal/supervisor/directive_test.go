package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/model"
)

func TestPhaseFor(t *testing.T) {
	phases := config.Default().Supervisor.Phases
	scale := model.AttitudeScale{Min: 0, Max: 10}

	cases := []struct {
		exchange int
		phase    string
		max      int
	}{
		{0, "SKEPTICISM", 8},
		{3, "SKEPTICISM", 8},
		{4, "INTEREST", 8},
		{5, "INTEREST", 8},
		{6, "DECISION", 10},
		{42, "DECISION", 10},
	}
	for _, tc := range cases {
		pc := PhaseFor(phases, tc.exchange, scale)
		assert.Equal(t, tc.phase, pc.Phase, "exchange %d", tc.exchange)
		assert.Equal(t, tc.max, pc.MaxExchanges, "exchange %d", tc.exchange)
		assert.Equal(t, 10, pc.ScaleMax)
	}
}

func TestFormatLayout(t *testing.T) {
	ev := model.Evaluation{
		Attitude:   6,
		Direction:  model.DirectionRising,
		Guidance:   "She mentioned the car. Put your phone away.",
		IsOnTrack:  true,
		Compliance: model.ComplianceSnapshot{AgeCheckDone: true, EligibilityCheckDone: true},
	}
	pc := PhaseContext{Phase: "INTEREST", Exchange: 4, MaxExchanges: 8, ScaleMax: 10}

	want := "===== CONVERSATION STATE =====\n" +
		"ATTITUDE: 6/10 (rising)\n" +
		"PHASE: INTEREST (exchange 4/8)\n" +
		"GUIDANCE: She mentioned the car. Put your phone away.\n" +
		"COMPLIANCE: ✓ OK\n" +
		"=============================="
	assert.Equal(t, want, Format(ev, pc))
}

func TestFormatIsIdempotent(t *testing.T) {
	ev := model.Evaluation{
		Attitude:      2,
		Direction:     model.DirectionFalling,
		Guidance:      "Too long. Walk out.",
		TopicsCovered: []string{"price"},
		ShouldEnd:     true,
		EndReason:     model.EndReasonWalkedAway,
	}
	pc := PhaseContext{Phase: "DECISION", Exchange: 7, MaxExchanges: 10, ScaleMax: 10}

	assert.Equal(t, Format(ev, pc), Format(ev, pc))
}

func TestFormatComplianceEscalation(t *testing.T) {
	cases := []struct {
		name string
		snap model.ComplianceSnapshot
		want string
	}{
		{"instant end wins", model.ComplianceSnapshot{InstantEndTrigger: true, InstantEndReason: "no-age-check"}, "✗ FAILED: no-age-check"},
		{"both missing", model.ComplianceSnapshot{}, "Neither age nor smoker status verified"},
		{"age missing", model.ComplianceSnapshot{EligibilityCheckDone: true}, "Age not verified"},
		{"smoker missing", model.ComplianceSnapshot{AgeCheckDone: true}, "Smoker status not verified"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Format(model.Evaluation{IsOnTrack: true, Compliance: tc.snap}, PhaseContext{ScaleMax: 10})
			assert.Contains(t, out, "COMPLIANCE: ")
			assert.Contains(t, out, tc.want)
		})
	}
}

func TestFormatEndInstructionOnlyWhenEnding(t *testing.T) {
	base := model.Evaluation{IsOnTrack: true, EndReason: model.EndReasonConverted}
	assert.NotContains(t, Format(base, PhaseContext{ScaleMax: 10}), "END NOW")

	seen := map[string]bool{}
	for _, r := range []model.EndReason{
		model.EndReasonConverted, model.EndReasonWalkedAway, model.EndReasonComplianceFail, model.EndReasonGaveUp,
	} {
		ev := base
		ev.ShouldEnd, ev.EndReason = true, r
		out := Format(ev, PhaseContext{ScaleMax: 10})
		assert.Contains(t, out, "end_conversation")
		seen[out] = true
	}
	assert.Len(t, seen, 4)
}

func TestFormatOffTrackWarningAndNoPhase(t *testing.T) {
	out := Format(model.Evaluation{Attitude: 3, IsOnTrack: false}, PhaseContext{ScaleMax: 10})

	assert.Contains(t, out, "BACK INTO CHARACTER")
	assert.NotContains(t, out, "PHASE:")
	assert.Contains(t, out, "(stable)")
}
