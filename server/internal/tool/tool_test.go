package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchtalk/server/internal/model"
)

func TestEndConversationDefinition(t *testing.T) {
	def := NewEndConversationTool(nil).Definition()

	assert.Equal(t, "function", def.Type)
	assert.Equal(t, "end_conversation", def.Name)
	assert.Equal(t, []string{"reason"}, def.Parameters["required"])

	props := def.Parameters["properties"].(map[string]any)
	reason := props["reason"].(map[string]any)
	assert.ElementsMatch(t, []string{"converted", "rejected", "walked_away", "compliance_fail"}, reason["enum"])
}

func TestRegistryExecuteEndConversation(t *testing.T) {
	cases := []struct {
		args string
		want model.Outcome
	}{
		{`{"reason":"converted"}`, model.OutcomeConverted},
		{`{"reason":"walked_away"}`, model.OutcomeWalkedAway},
		{`{"reason":"compliance_fail"}`, model.OutcomeComplianceFail},
		{`{"reason":" Converted "}`, model.OutcomeConverted},
		{`{"reason":"bored"}`, model.OutcomeRejected},
		{`{"reason":3}`, model.OutcomeRejected},
		{`{}`, model.OutcomeRejected},
		{``, model.OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.args, func(t *testing.T) {
			var got []model.Outcome
			r := NewRegistry(NewEndConversationTool(func(o model.Outcome) { got = append(got, o) }))

			out, err := r.Execute(context.Background(), EndConversationName, tc.args)
			require.NoError(t, err)
			assert.Equal(t, []model.Outcome{tc.want}, got)

			var result map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			assert.Equal(t, "ok", result["status"])
			assert.Equal(t, string(tc.want), result["reason"])
		})
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry(NewEndConversationTool(nil))

	_, err := r.Execute(context.Background(), "show_quiz", "{}")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "show_quiz", notFound.ToolName)

	_, err = r.Execute(context.Background(), EndConversationName, "{not json")
	var invalid *InvalidArgsError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, EndConversationName, invalid.ToolName)
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry(NewEndConversationTool(nil))
	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, EndConversationName, defs[0].Name)
}
