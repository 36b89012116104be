// Package generation is the core engine: it runs sandboxed agent
// generations, streams their events to any number of subscribers, and
// arbitrates the pauses (tool approval, OAuth) that need a human in the
// loop.
//
// # Lifecycle
//
// Manager.StartGeneration persists a generation row, registers a live Entry,
// and spawns a worker goroutine. The worker drives the Runtime, appends
// output to the row's content parts, and checkpoints at every tool boundary
// before the corresponding event is published. A generation ends in exactly
// one of completed, cancelled, or error; process shutdown parks it as paused
// for ResumeGeneration.
//
// # Streaming
//
// Each live generation owns an EventChannel: an append-only history that
// every subscriber walks with its own cursor. Late subscribers replay the
// whole stream; slow subscribers delay only themselves; publishers never
// block. Subscriptions to generations without a live worker get a finite
// replay reconstructed from the persisted row.
//
// # Gates
//
// Write-capable tool calls and missing OAuth connections pause the run on a
// Gate: a one-shot, deadline-bounded synchronization point. Expiry resolves
// to the safe default (denied, auth failure), so a run can always make
// progress. SubmitApproval and SubmitAuthResult resolve gates from the API
// surface; duplicate resolutions are rejected, not errors.
//
// # Exclusivity and queueing
//
// A conversation has at most one active generation, enforced by the
// Registry and by the durable conversation row. Follow-up messages sent
// while busy are queued and drained oldest-first when the active generation
// reaches a terminal state.
package generation
