package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonFor(t *testing.T) {
	cases := []struct {
		err  error
		want ReasonCode
	}{
		{nil, ""},
		{fmt.Errorf("run: %w", ErrConsentTimeout), ReasonConsentDenied},
		{ErrConsentDenied, ReasonConsentDenied},
		{NewTransientToolError("a", "http_503", errors.New("unavailable")), ReasonToolTransient},
		{NewPermanentToolError("a", "validation", errors.New("bad input")), ReasonToolPermanent},
		{&ModelUnavailableError{Class: "fast"}, ReasonModelUnavailable},
		{&AggregationError{Policy: "quorum", Reason: "tie"}, ReasonNoConsensus},
		{fmt.Errorf("x: %w", ErrStepBudgetExceeded), ReasonStepBudgetExceeded},
		{context.Canceled, ReasonCancelled},
		{context.DeadlineExceeded, ReasonTimeout},
		{ErrGatewaySaturated, ReasonGatewaySaturated},
		{errors.New("boom"), ReasonInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReasonFor(tc.err), "%v", tc.err)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransientToolError("a", "", errors.New("x"))))
	assert.False(t, IsTransient(NewPermanentToolError("a", "", errors.New("x"))))
	assert.True(t, IsTransient(&ModelUnavailableError{Class: "c"}))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrGatewaySaturated)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrConsentDenied))
	assert.False(t, IsTransient(ErrStepBudgetExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestConsentTimeoutIsDenial(t *testing.T) {
	assert.ErrorIs(t, ErrConsentTimeout, ErrConsentDenied)
}

func TestFailureFrom(t *testing.T) {
	assert.Nil(t, FailureFrom(nil))

	f := FailureFrom(fmt.Errorf("wrapped: %w", ErrNoConsensus))
	assert.Equal(t, ReasonNoConsensus, f.Code)

	again := FailureFrom(fmt.Errorf("again: %w", f))
	assert.Equal(t, f.Code, again.Code)
	assert.Equal(t, f.Message, again.Message)
}

func TestStepBudget(t *testing.T) {
	b := NewStepBudget(2)
	assert.NoError(t, b.Consume())
	assert.NoError(t, b.Consume())
	assert.Equal(t, 0, b.Remaining())
	assert.ErrorIs(t, b.Consume(), ErrStepBudgetExceeded)
	assert.Equal(t, 2, b.Used())

	assert.Equal(t, DefaultStepBudget, NewStepBudget(0).Max())
}
