// Package runtime talks to the sandbox runtime service that actually
// executes agent generations.
//
// A run is a single long-lived POST to /v1/runs whose response body is a
// stream of newline-delimited JSON frames: incremental events, approval and
// auth requests, and a final done or error frame. Gate resolutions flow back
// to the runtime as short follow-up POSTs against the run. The client
// implements generation.Runtime, so the engine never sees HTTP.
package runtime
