// ABOUTME: Tests for the live-generation registry and entry gates
// ABOUTME: Covers conversation exclusivity and multi-integration auth progress

package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/store"
)

func newTestEntry(genID, convID string) *Entry {
	return &Entry{
		GenerationID:   genID,
		ConversationID: convID,
		UserID:         "user-1",
		Channel:        NewEventChannel(8),
		status:         store.GenerationRunning,
	}
}

func TestRegistryConversationExclusivity(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(newTestEntry("gen-1", "conv-1")))
	err := r.Register(newTestEntry("gen-2", "conv-1"))
	assert.ErrorIs(t, err, ErrConflict)

	// A different conversation is fine.
	require.NoError(t, r.Register(newTestEntry("gen-3", "conv-2")))
	assert.Equal(t, 2, r.Len())

	r.Deregister("gen-1")
	assert.NoError(t, r.Register(newTestEntry("gen-4", "conv-1")))
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	e := newTestEntry("gen-1", "conv-1")
	require.NoError(t, r.Register(e))

	got, ok := r.Get("gen-1")
	require.True(t, ok)
	assert.Same(t, e, got)

	got, ok = r.GetByConversation("conv-1")
	require.True(t, ok)
	assert.Same(t, e, got)

	_, ok = r.Get("gen-404")
	assert.False(t, ok)

	r.Deregister("gen-1")
	_, ok = r.GetByConversation("conv-1")
	assert.False(t, ok)
}

func TestEntryCancelFlag(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")

	assert.False(t, e.CancelRequested())
	assert.True(t, e.RequestCancel())
	assert.False(t, e.RequestCancel())
	assert.True(t, e.CancelRequested())
}

func TestEntryApprovalGateLifecycle(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")

	g := NewGate(time.Minute, DecisionDenied)
	e.OpenApprovalGate("tool-1", g)

	assert.False(t, e.ResolveApproval("tool-404", DecisionApproved))
	assert.True(t, e.ResolveApproval("tool-1", DecisionApproved))
	assert.False(t, e.ResolveApproval("tool-1", DecisionDenied))

	e.CloseApprovalGate("tool-1")
	assert.False(t, e.ResolveApproval("tool-1", DecisionApproved))
}

func TestEntryAuthGateAccumulatesSuccesses(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")
	g := NewGate[bool](time.Minute, false)
	e.OpenAuthGate([]string{"gmail", "slack"}, g)

	connected, remaining, ok := e.ResolveAuthIntegration("gmail", true)
	require.True(t, ok)
	assert.Equal(t, []string{"gmail"}, connected)
	assert.Equal(t, []string{"slack"}, remaining)
	assert.False(t, g.Resolved())

	// Unknown integration is rejected.
	_, _, ok = e.ResolveAuthIntegration("github", true)
	assert.False(t, ok)

	connected, remaining, ok = e.ResolveAuthIntegration("slack", true)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"gmail", "slack"}, connected)
	assert.Empty(t, remaining)
	require.True(t, g.Resolved())
	assert.True(t, g.Await(t.Context()))
}

func TestEntryAuthGateFailureResolvesImmediately(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")
	g := NewGate[bool](time.Minute, false)
	e.OpenAuthGate([]string{"gmail", "slack"}, g)

	_, _, ok := e.ResolveAuthIntegration("gmail", false)
	require.True(t, ok)
	require.True(t, g.Resolved())
	assert.False(t, g.Await(t.Context()))
}

func TestEntryResolveAllGates(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")
	approval := NewGate(time.Minute, DecisionDenied)
	auth := NewGate[bool](time.Minute, false)
	e.OpenApprovalGate("tool-1", approval)
	e.OpenAuthGate([]string{"gmail"}, auth)

	e.ResolveAllGates()

	assert.Equal(t, DecisionDenied, approval.Await(t.Context()))
	assert.False(t, auth.Await(t.Context()))
}

func TestEntryAuthGateRequiresOpenGate(t *testing.T) {
	e := newTestEntry("gen-1", "conv-1")

	_, _, ok := e.ResolveAuthIntegration("gmail", true)
	assert.False(t, ok)
}
