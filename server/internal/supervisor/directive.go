package supervisor

import (
	"fmt"
	"strings"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/model"
)

// PhaseContext 是格式化指令所需的会话阶段信息。
type PhaseContext struct {
	Phase        string
	Exchange     int
	MaxExchanges int
	ScaleMax     int
}

// PhaseFor 根据交换次数在阶段计划中定位当前阶段。
func PhaseFor(phases []config.PhaseConfig, exchange int, scale model.AttitudeScale) PhaseContext {
	pc := PhaseContext{Exchange: exchange, ScaleMax: scale.Max}
	for _, p := range phases {
		pc.Phase, pc.MaxExchanges = p.Name, p.MaxExchanges
		if p.UpTo == 0 || exchange <= p.UpTo {
			break
		}
	}
	return pc
}

const (
	directiveHeader = "===== CONVERSATION STATE ====="
	directiveFooter = "=============================="
)

var directionText = map[model.Direction]string{
	model.DirectionRising:  "rising",
	model.DirectionFalling: "falling",
	model.DirectionStable:  "stable",
}

var endInstruction = map[model.EndReason]string{
	model.EndReasonConverted:      "🟢 END NOW: You are convinced. Say you will take it, then call end_conversation.",
	model.EndReasonWalkedAway:     "🔴 END NOW: You have had enough. Leave, then call end_conversation.",
	model.EndReasonComplianceFail: "🔴 COMPLIANCE FAIL: End the conversation confused or annoyed, then call end_conversation.",
	model.EndReasonGaveUp:         "🔴 END NOW: This is going nowhere. Close politely, then call end_conversation.",
}

// Format 把一次评估渲染为注入实时对话的状态块。纯函数。
func Format(ev model.Evaluation, pc PhaseContext) string {
	lines := []string{
		directiveHeader,
		fmt.Sprintf("ATTITUDE: %d/%d (%s)", ev.Attitude, pc.ScaleMax, directionLabel(ev.Direction)),
	}
	if pc.Phase != "" {
		lines = append(lines, fmt.Sprintf("PHASE: %s (exchange %d/%d)", pc.Phase, pc.Exchange, pc.MaxExchanges))
	}
	lines = append(lines,
		"GUIDANCE: "+ev.Guidance,
		"COMPLIANCE: "+complianceStatus(ev.Compliance),
	)
	if !ev.IsOnTrack {
		lines = append(lines, "⚠️ BACK INTO CHARACTER! Keep your replies short.")
	}
	if ev.ShouldEnd {
		if text, ok := endInstruction[ev.EndReason]; ok {
			lines = append(lines, text)
		}
	}
	lines = append(lines, directiveFooter)
	return strings.Join(lines, "\n")
}

func directionLabel(d model.Direction) string {
	if s, ok := directionText[d]; ok {
		return s
	}
	return directionText[model.DirectionStable]
}

// complianceStatus 按优先级输出：即时失败 > 两项都缺 > 缺年龄 > 缺吸烟者确认 > OK。
func complianceStatus(c model.ComplianceSnapshot) string {
	switch {
	case c.InstantEndTrigger:
		reason := c.InstantEndReason
		if reason == "" {
			reason = "rule violation"
		}
		return "✗ FAILED: " + reason
	case !c.AgeCheckDone && !c.EligibilityCheckDone:
		return "⚠️ Neither age nor smoker status verified. If products come up, act confused."
	case !c.AgeCheckDone:
		return "⚠️ Age not verified. \"Don't you want to see my ID?\""
	case !c.EligibilityCheckDone:
		return "⚠️ Smoker status not verified. \"But I don't smoke...?\""
	default:
		return "✓ OK"
	}
}
