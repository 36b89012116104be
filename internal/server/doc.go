// Package server exposes the generation engine over HTTP.
//
// The user-facing API lives under /api, authenticated with JWT bearers and
// streaming generation events as SSE. The /internal/runtime endpoints are
// the callback surface for a remote sandbox runtime, guarded by a shared
// secret; they block on gates and always answer with the safe default
// (denied, auth failure) instead of erroring. /health and /metrics serve
// operations.
package server
