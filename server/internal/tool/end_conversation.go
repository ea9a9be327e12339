package tool

import (
	"context"
	"encoding/json"
	"strings"

	"pitchtalk/server/internal/model"
)

const EndConversationName = "end_conversation"

// EndConversationTool 是 Agent 宣布对话结束的信号。
// 告别语已经在同一轮回复中，所以结果只做确认，不触发新的回复。
type EndConversationTool struct {
	onEnd func(outcome model.Outcome)
}

// NewEndConversationTool 创建结束工具，onEnd 在每次调用时收到解析后的结局。
func NewEndConversationTool(onEnd func(model.Outcome)) *EndConversationTool {
	return &EndConversationTool{onEnd: onEnd}
}

func (t *EndConversationTool) Definition() Definition {
	return Definition{
		Type: "function",
		Name: EndConversationName,
		Description: "End the conversation. Always say your goodbye in the SAME response before calling it. " +
			"Use it once you have decided: convinced, declining, leaving, or after a compliance failure.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type": "string",
					"enum": []string{
						string(model.OutcomeConverted),
						string(model.OutcomeRejected),
						string(model.OutcomeWalkedAway),
						string(model.OutcomeComplianceFail),
					},
					"description": "converted (convinced), rejected (declined), walked_away (left), compliance_fail (the promoter broke the rules).",
				},
			},
			"required": []string{"reason"},
		},
	}
}

func (t *EndConversationTool) Execute(_ context.Context, args map[string]any) (string, error) {
	outcome := ParseOutcome(args)
	if t.onEnd != nil {
		t.onEnd(outcome)
	}
	result, _ := json.Marshal(map[string]any{"status": "ok", "reason": outcome})
	return string(result), nil
}

// ParseOutcome 从工具参数中读取结局，缺失或无法识别时为 rejected。
func ParseOutcome(args map[string]any) model.Outcome {
	s, _ := args["reason"].(string)
	if o, ok := model.ParseOutcome(strings.ToLower(strings.TrimSpace(s))); ok {
		return o
	}
	return model.OutcomeRejected
}
