// Package auth authenticates dashboard operators.
//
// Operators are configured, not stored: each has a username, an Argon2id
// password hash and a role. A successful login returns a short-lived
// HS256 access token that the API validates by signature alone.
//
// Two roles exist. A viewer may read state, events and schedules. An
// operator may additionally switch the relay and modes and edit settings
// and schedules.
package auth
