package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/core"
)

func structured(outputs ...string) []agent.Result {
	out := make([]agent.Result, len(outputs))
	for i, o := range outputs {
		out[i] = agent.Result{Text: o, Output: json.RawMessage(o)}
	}
	return out
}

func texts(values ...string) []agent.Result {
	out := make([]agent.Result, len(values))
	for i, v := range values {
		out[i] = agent.Result{Text: v}
	}
	return out
}

func TestConcatAndFirst(t *testing.T) {
	got, err := Concat(texts("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb\n\nc", got)

	got, err = First(texts("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	_, err = First(nil)
	assert.ErrorIs(t, err, core.ErrNoConsensus)
}

func TestMajority(t *testing.T) {
	tests := []struct {
		name    string
		results []agent.Result
		tb      TieBreaker
		want    string
		wantErr bool
	}{
		{
			name:    "per field vote",
			results: structured(`{"answer":4,"unit":"apples"}`, `{"answer":4,"unit":"pears"}`, `{"answer":5,"unit":"apples"}`),
			want:    `{"answer":4,"unit":"apples"}`,
		},
		{
			name:    "key order and whitespace do not split votes",
			results: structured(`{"a":{"x":1,"y":2}}`, `{ "a": {"y":2, "x":1} }`),
			want:    `{"a":{"x":1,"y":2}}`,
		},
		{
			name:    "field missing in some results",
			results: structured(`{"answer":4,"note":"checked"}`, `{"answer":4}`),
			want:    `{"answer":4,"note":"checked"}`,
		},
		{
			name:    "tie is no consensus by default",
			results: structured(`{"answer":4}`, `{"answer":5}`),
			wantErr: true,
		},
		{
			name:    "tie resolved by tie breaker",
			results: structured(`{"answer":4}`, `{"answer":5}`),
			tb:      PreferFirst,
			want:    `{"answer":4}`,
		},
		{
			name:    "plain text vote",
			results: texts("yes", " yes ", "no"),
			want:    "yes",
		},
		{
			name:    "plain text tie",
			results: texts("yes", "no"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Majority(tt.tb).Reduce(tt.results)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, core.ErrNoConsensus)
				return
			}
			require.NoError(t, err)
			if strings.HasPrefix(tt.want, "{") {
				assert.JSONEq(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReducers_Registry(t *testing.T) {
	r := NewReducers(nil)
	assert.Equal(t, []string{ReducerConcat, ReducerFirst, ReducerMajority}, r.Names())

	r.Register("longest", ReducerFunc(func(results []agent.Result) (string, error) {
		best := ""
		for _, res := range results {
			if len(res.Text) > len(best) {
				best = res.Text
			}
		}
		return best, nil
	}))

	red, ok := r.Get("longest")
	require.True(t, ok)
	got, err := red.Reduce(texts("a", "abc", "ab"))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, ok = r.Get("average")
	assert.False(t, ok)
}

func TestCollector(t *testing.T) {
	cfg := Config{Agents: specs("a", "b", "c"), Policy: PolicyQuorum, Quorum: 2}
	c := newCollector(cfg, Majority(nil))

	assert.False(t, c.observe(outcome{result: structured(`{"v":1}`)[0]}))
	assert.False(t, c.observe(outcome{err: core.ErrConsentDenied}))
	assert.True(t, c.observe(outcome{result: structured(`{"v":1}`)[0]}))

	got, err := c.result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, got)

	first := newCollector(Config{Agents: specs("a", "b"), Policy: PolicyFirstSuccess}, ReducerFunc(Concat))
	assert.False(t, first.observe(outcome{err: core.ErrStepBudgetExceeded}))
	assert.True(t, first.observe(outcome{err: core.ErrConsentDenied}))
	_, err = first.result()
	assert.ErrorIs(t, err, core.ErrStepBudgetExceeded)
}
