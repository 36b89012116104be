// Package dedupe suppresses duplicate generation start requests.
//
// Clients that retry a POST after a network hiccup would otherwise start a
// second generation (or hit the per-conversation exclusivity conflict with a
// confusing error). The Guard remembers idempotency keys for a bounded
// window so the transport can answer retries with a clean conflict.
package dedupe
