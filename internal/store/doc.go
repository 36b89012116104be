// Package store provides persistence for loom's conversations, generations,
// queued messages, and integration connections.
//
// # Overview
//
// The Store interface is the persistence contract of the generation engine.
// The production implementation is SQLiteStore (modernc.org/sqlite, pure Go);
// MockStore is an in-memory implementation for tests.
//
// # Checkpoint columns
//
// A generation row carries three JSON-blob columns that act as versioned
// checkpoints: content_parts (the ordered output fragments), pending_approval
// / pending_auth (open gates), and execution_policy (everything a worker
// needs to resume the generation after a restart). Each blob is wrapped in a
// {"v":1,"data":...} envelope so a future recovery worker can detect stale
// snapshots.
//
// # Write discipline
//
// A generation row is mutated only by the worker driving it, and only
// through UpdateGeneration. Conversation rows are shared but their
// generation_status/current_generation_id pair is updated only by the worker
// holding that generation. Once a terminal status is persisted the row is
// never written again.
package store
