package optimizer

import (
	"context"
	"errors"
	"testing"

	"github.com/aerugo/cashgame/pkg/constraint"
	"github.com/aerugo/cashgame/pkg/llm"
	"github.com/aerugo/cashgame/pkg/llm/llmtest"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConstraints() models.PolicyConstraints {
	return models.PolicyConstraints{
		Parameters: []models.ParameterSpec{{Name: "threshold", Min: 0, Max: 1000}},
		Fields:     []string{"balance"},
		AllowedActions: map[models.TreeType][]models.Action{
			models.TreePayment: {models.ActionRelease, models.ActionHold},
		},
	}
}

const wellFormedPolicyJSON = `{
  "version": "1",
  "policy_id": "p1",
  "parameters": {"threshold": 10},
  "trees": {
    "payment_tree": {
      "type": "action",
      "action": "Release",
      "parameters": {}
    }
  }
}`

const malformedJSON = `{not json`

const unknownActionPolicyJSON = `{
  "version": "1",
  "policy_id": "p1",
  "parameters": {"threshold": 10},
  "trees": {
    "payment_tree": {
      "type": "action",
      "action": "Teleport",
      "parameters": {}
    }
  }
}`

func TestOptimizeAgent_AcceptsFirstValidCandidate(t *testing.T) {
	client := llmtest.NewScripted(llmtest.ScriptedCall{
		Response: llm.Response{RawText: wellFormedPolicyJSON, PromptTokens: 10, CompletionTokens: 20},
	})
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 3)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{
		AgentID:          "agent-a",
		Iteration:        1,
		ConstraintFields: []string{"balance"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	assert.Equal(t, "p1", result.NewPolicy.PolicyID)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "payment_tree_node_0", result.NewPolicy.Trees[models.TreePayment].Root.NodeID)
}

func TestOptimizeAgent_StripsCodeFences(t *testing.T) {
	fenced := "```json\n" + wellFormedPolicyJSON + "\n```"
	client := llmtest.NewScripted(llmtest.ScriptedCall{Response: llm.Response{RawText: fenced}})
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 1)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
}

func TestOptimizeAgent_RetriesOnParseFailureAndAccumulatesErrors(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Response: llm.Response{RawText: malformedJSON}},
		llmtest.ScriptedCall{Response: llm.Response{RawText: wellFormedPolicyJSON}},
	)
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 3)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	assert.Equal(t, 2, result.Attempts)
}

func TestOptimizeAgent_RetriesOnValidationFailure(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Response: llm.Response{RawText: unknownActionPolicyJSON}},
		llmtest.ScriptedCall{Response: llm.Response{RawText: wellFormedPolicyJSON}},
	)
	rec := llmtest.NewRecorder(client)
	v := constraint.NewValidator(testConstraints())
	opt := New(rec, v, 3)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, rec.Requests, 2)
	assert.Contains(t, rec.Requests[1].Instruction, "Teleport")
}

func TestOptimizeAgent_ExhaustsRetriesReturnsNilPolicyWithErrors(t *testing.T) {
	client := llmtest.NewScripted(llmtest.ScriptedCall{Response: llm.Response{RawText: malformedJSON}})
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 2)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Nil(t, result.NewPolicy)
	assert.Equal(t, 2, result.Attempts)
	assert.Len(t, result.ValidationErrors, 2)
}

func TestOptimizeAgent_LLMTransportErrorIsRecordedAndRetried(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Err: errors.New("connection reset")},
		llmtest.ScriptedCall{Response: llm.Response{RawText: wellFormedPolicyJSON}},
	)
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 3)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	assert.Equal(t, 2, result.Attempts)
}

func TestOptimizeAgent_RecordsOneInteractionPerAttempt(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Response: llm.Response{RawText: unknownActionPolicyJSON, PromptTokens: 5, CompletionTokens: 7}},
		llmtest.ScriptedCall{Response: llm.Response{RawText: wellFormedPolicyJSON, PromptTokens: 6, CompletionTokens: 8}},
	)
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 3)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{
		AgentID:   "agent-a",
		Iteration: 4,
	})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	require.Len(t, result.Interactions, 2)

	rejected, accepted := result.Interactions[0], result.Interactions[1]
	assert.Equal(t, "agent-a", rejected.AgentID)
	assert.Equal(t, 4, rejected.IterationNumber)
	assert.Equal(t, llm.SystemPrompt, rejected.SystemPrompt)
	assert.Contains(t, rejected.ParsingError, "Teleport")
	assert.Equal(t, 5, rejected.PromptTokens)

	assert.Empty(t, accepted.ParsingError)
	assert.NotEmpty(t, accepted.ParsedPolicyJSON)
	assert.Equal(t, wellFormedPolicyJSON, accepted.RawResponse)
}

func TestOptimizeAgent_ZeroOrNegativeMaxRetriesClampsToOne(t *testing.T) {
	client := llmtest.NewScripted(llmtest.ScriptedCall{Response: llm.Response{RawText: wellFormedPolicyJSON}})
	v := constraint.NewValidator(testConstraints())
	opt := New(client, v, 0)

	result, err := opt.OptimizeAgent(context.Background(), 0.7, llm.Request{}, Context{AgentID: "agent-a"})
	require.NoError(t, err)
	require.NotNil(t, result.NewPolicy)
	assert.Equal(t, 1, result.Attempts)
}
