// Package auth authenticates API callers and the sandbox runtime.
//
// End users present HS256 JWTs whose "sub" claim is the user ID;
// HTTPAuthMiddleware verifies them and attaches an AuthContext to the
// request context. The runtime callback surface is not user-facing and is
// guarded by a shared secret instead (RuntimeAuthMiddleware).
package auth
