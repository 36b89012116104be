// ABOUTME: In-process registry of live generations and their gates
// ABOUTME: Enforces one active generation per conversation

package generation

import (
	"slices"
	"sync"

	"github.com/2389/loom/internal/store"
)

// Entry is the live, in-memory half of a running generation: its event
// channel, cooperative cancel flag, and any open approval/auth gates. The
// durable half lives in the store.
type Entry struct {
	GenerationID   string
	ConversationID string
	UserID         string
	Channel        *EventChannel

	mu        sync.Mutex
	status    store.GenerationStatus
	cancelled bool
	approvals map[string]*Gate[Decision]
	auth      *authGate
}

// authGate tracks a multi-integration auth pause. The gate resolves once:
// success when every integration connects, failure on explicit failure or
// expiry.
type authGate struct {
	gate      *Gate[bool]
	remaining []string
	connected []string
}

// Status returns the entry's live status mirror.
func (e *Entry) Status() store.GenerationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetStatus updates the live status mirror. The durable row is always
// written first.
func (e *Entry) SetStatus(s store.GenerationStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

// RequestCancel sets the cooperative cancel flag. Returns false if it was
// already set.
func (e *Entry) RequestCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.cancelled = true
	return true
}

// CancelRequested reports whether cancellation has been requested.
func (e *Entry) CancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// OpenApprovalGate registers a gate for a tool-use ID.
func (e *Entry) OpenApprovalGate(toolUseID string, g *Gate[Decision]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.approvals == nil {
		e.approvals = make(map[string]*Gate[Decision])
	}
	e.approvals[toolUseID] = g
}

// CloseApprovalGate removes the gate for a tool-use ID.
func (e *Entry) CloseApprovalGate(toolUseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.approvals, toolUseID)
}

// ResolveApproval resolves the open gate for toolUseID. Returns false when
// no such gate is open or it already resolved.
func (e *Entry) ResolveApproval(toolUseID string, d Decision) bool {
	e.mu.Lock()
	g, ok := e.approvals[toolUseID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return g.Resolve(d)
}

// OpenAuthGate registers an auth pause over the given integrations.
func (e *Entry) OpenAuthGate(integrations []string, g *Gate[bool]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = &authGate{
		gate:      g,
		remaining: slices.Clone(integrations),
	}
}

// CloseAuthGate clears the auth pause.
func (e *Entry) CloseAuthGate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = nil
}

// ResolveAuthIntegration records one integration's outcome against the open
// auth gate. A failure resolves the whole gate immediately; a success marks
// the integration connected and resolves the gate once none remain. The
// returned snapshot reports connected/remaining after the update; ok is
// false when no gate is open or the integration was not awaited.
func (e *Entry) ResolveAuthIntegration(integration string, success bool) (connected, remaining []string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.auth == nil {
		return nil, nil, false
	}
	if !success {
		e.auth.gate.Resolve(false)
		return slices.Clone(e.auth.connected), slices.Clone(e.auth.remaining), true
	}
	i := slices.Index(e.auth.remaining, integration)
	if i < 0 {
		return nil, nil, false
	}
	e.auth.remaining = slices.Delete(e.auth.remaining, i, i+1)
	e.auth.connected = append(e.auth.connected, integration)
	if len(e.auth.remaining) == 0 {
		e.auth.gate.Resolve(true)
	}
	return slices.Clone(e.auth.connected), slices.Clone(e.auth.remaining), true
}

// ResolveAllGates force-resolves every open gate to its safe default. Used
// on cancellation so a worker parked on a gate wakes up promptly.
func (e *Entry) ResolveAllGates() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, g := range e.approvals {
		g.Resolve(DecisionDenied)
	}
	if e.auth != nil {
		e.auth.gate.Resolve(false)
	}
}

// Registry tracks every generation with a live worker in this process.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*Entry // by generation ID
	byConversation map[string]string // conversation ID -> generation ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:        make(map[string]*Entry),
		byConversation: make(map[string]string),
	}
}

// Register adds an entry, enforcing conversation exclusivity. Returns
// ErrConflict when the conversation already has a live generation.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byConversation[e.ConversationID]; busy {
		return ErrConflict
	}
	r.entries[e.GenerationID] = e
	r.byConversation[e.ConversationID] = e.GenerationID
	return nil
}

// Get returns the live entry for a generation ID.
func (r *Registry) Get(generationID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[generationID]
	return e, ok
}

// GetByConversation returns the conversation's live entry, if any.
func (r *Registry) GetByConversation(conversationID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConversation[conversationID]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id]
	return e, ok
}

// Deregister removes an entry. Safe to call for unknown IDs.
func (r *Registry) Deregister(generationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[generationID]
	if !ok {
		return
	}
	delete(r.entries, generationID)
	if r.byConversation[e.ConversationID] == generationID {
		delete(r.byConversation, e.ConversationID)
	}
}

// Len returns the number of live generations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
