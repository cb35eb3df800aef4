package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func TestCollect_ReturnsFinalResponse(t *testing.T) {
	m := NewScriptedModel("m", TextStep("4"))

	resp, err := Collect(context.Background(), m, Request{})
	require.NoError(t, err)
	assert.Equal(t, "4", resp.Content.Text())
	assert.Equal(t, 1, m.Calls())
}

func TestCollect_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	m := NewScriptedModel("m", ErrStep(boom))

	_, err := Collect(context.Background(), m, Request{})
	assert.ErrorIs(t, err, boom)
}

func TestCollect_RespectsContext(t *testing.T) {
	m := NewScriptedModel("slow", Step{Response: TextResponse("late"), Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Collect(ctx, m, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptedModel_RepeatsLastStep(t *testing.T) {
	m := NewScriptedModel("m",
		ToolCallStep(core.FunctionCall{ID: "c1", Name: "calc", Arguments: `{"a":2}`}),
		TextStep("done"),
	)

	first, err := Collect(context.Background(), m, Request{})
	require.NoError(t, err)
	calls := first.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "calc", calls[0].Name)
	assert.JSONEq(t, `{"a":2}`, string(calls[0].Arguments))

	for range 2 {
		r, err := Collect(context.Background(), m, Request{})
		require.NoError(t, err)
		assert.Equal(t, "done", r.Content.Text())
	}
	assert.Len(t, m.Requests(), 3)
}

func TestToolDefinitionFromDescriptor(t *testing.T) {
	def := ToolDefinitionFromDescriptor(core.ToolDescriptor{Name: "weather", Description: "forecast"})
	assert.Equal(t, "function", def.Type)
	assert.Equal(t, "weather", def.Function.Name)
	assert.Equal(t, "object", def.Function.Parameters["type"])
}

func TestResponse_ToolCallsDefaultsEmptyArguments(t *testing.T) {
	r := ToolCallResponse(core.FunctionCall{ID: "x", Name: "ping"})
	calls := r.ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{}`, string(calls[0].Arguments))
}
