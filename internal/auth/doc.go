// Package auth signs the session tokens a host persists between the open and
// close hooks.
//
// The close hook decrements a user's session count only when it is handed a
// token minted by the open hook for that same user. When the token travels
// through a file, it is an HS256 JWT keyed by a root-only secret, so editing
// the file cannot produce a decrement that was never owed.
package auth
