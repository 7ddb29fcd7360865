package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/compusophy/GroupWallet/internal/chain/evm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassTerminal},
		{"explicit transient", Transient(errors.New("boom")), ClassTransient},
		{"explicit terminal", Terminal(errors.New("boom")), ClassTerminal},
		{"wrapped explicit", fmt.Errorf("outer: %w", Transient(errors.New("inner"))), ClassTransient},
		{"context canceled", context.Canceled, ClassTerminal},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"rpc server error", &evm.RPCError{Code: -32005, Message: "limit exceeded"}, ClassTransient},
		{"rpc invalid params", &evm.RPCError{Code: -32602, Message: "invalid params"}, ClassTerminal},
		{"http 503", errors.New("quote http status 503: upstream down"), ClassTransient},
		{"rate limited", errors.New("too many requests"), ClassTransient},
		{"circuit open", errors.New("circuit breaker is open"), ClassTransient},
		{"execution reverted", errors.New("execution reverted: TRANSFER_FAILED"), ClassTerminal},
		{"insufficient funds", errors.New("insufficient funds for gas"), ClassTerminal},
		{"mismatched price decimals", errors.New("mismatched price decimals: usdc has 6, want 8"), ClassTerminal},
		{"unknown defaults terminal", errors.New("something odd"), ClassTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Class, "reason=%s", got.Reason)
		})
	}
}

func TestDecision_IsTransient(t *testing.T) {
	assert.True(t, Decision{Class: ClassTransient}.IsTransient())
	assert.False(t, Decision{Class: ClassTerminal}.IsTransient())
}

func TestMarkersPreserveMessage(t *testing.T) {
	err := Transient(errors.New("underlying"))
	assert.Equal(t, "underlying", err.Error())
	assert.ErrorContains(t, fmt.Errorf("wrap: %w", err), "underlying")
}
