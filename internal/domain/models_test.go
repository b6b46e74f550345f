package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionTypeValid(t *testing.T) {
	assert.True(t, OptionCall.Valid())
	assert.True(t, OptionPut.Valid())
	assert.False(t, OptionType("call").Valid())
	assert.False(t, OptionType("").Valid())
}

func TestCandidateKey(t *testing.T) {
	c := Candidate{Symbol: "NVDA", OptionType: OptionCall}
	assert.Equal(t, "NVDA:CALL", c.Key())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderSubmitted.Terminal())
	assert.True(t, OrderFilled.Terminal())
	assert.True(t, OrderRejected.Terminal())
	assert.True(t, OrderCancelled.Terminal())
}

func TestOrderStatusCanTransition(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderPending, OrderSubmitted, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderFilled, false},
		{OrderSubmitted, OrderFilled, true},
		{OrderSubmitted, OrderRejected, true},
		{OrderSubmitted, OrderCancelled, true},
		{OrderSubmitted, OrderPending, false},
		{OrderFilled, OrderCancelled, false},
		{OrderRejected, OrderSubmitted, false},
		{OrderCancelled, OrderSubmitted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRetryable))
	assert.True(t, IsRetryable(ErrOrderTimeout))
	assert.False(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(nil))
}
