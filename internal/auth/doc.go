// Package auth authenticates API callers.
//
// A labhub instance has one operator credential, stored in config as an
// Argon2id PHC hash. A successful login yields a short-lived HS256 JWT
// carrying the caller's role; mutating API routes require a token whose
// role grants the needed permission.
package auth
