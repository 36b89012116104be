// ABOUTME: Tests for the one-shot gate
// ABOUTME: Covers first-resolution-wins, expiry fallback, and context cancel

package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateResolveDeliversValue(t *testing.T) {
	g := NewGate(time.Minute, DecisionDenied)

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Resolve(DecisionApproved)
	}()

	got := g.Await(t.Context())
	assert.Equal(t, DecisionApproved, got)
	assert.True(t, g.Resolved())
}

func TestGateFirstResolutionWins(t *testing.T) {
	g := NewGate(time.Minute, DecisionDenied)

	require.True(t, g.Resolve(DecisionApproved))
	assert.False(t, g.Resolve(DecisionDenied))
	assert.Equal(t, DecisionApproved, g.Await(t.Context()))
}

func TestGateExpiryResolvesToFallback(t *testing.T) {
	g := NewGate(20*time.Millisecond, DecisionDenied)

	got := g.Await(t.Context())
	assert.Equal(t, DecisionDenied, got)

	// The gate is spent: a late submission is rejected.
	assert.False(t, g.Resolve(DecisionApproved))
}

func TestGateContextCancelReturnsFallback(t *testing.T) {
	g := NewGate[bool](time.Minute, false)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.False(t, g.Await(ctx))
	// Context cancellation does not resolve the gate itself.
	assert.False(t, g.Resolved())
}

func TestGateNoDeadline(t *testing.T) {
	g := NewGate(0, DecisionDenied)

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Resolve(DecisionApproved)
	}()
	assert.Equal(t, DecisionApproved, g.Await(t.Context()))
}
