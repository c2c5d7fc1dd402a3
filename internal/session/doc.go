// Package session implements the open and close hooks that tie a user's
// runtime directory to the number of sessions they have open.
//
// OpenSession moves through these states, stopping at the first failure:
//
//	Init -> ParentReady -> CounterLocked -> Incremented ->
//	DirectoryEnsured -> EnvSet -> Committed
//
// Failing after the increment writes the previous count back (RolledBack).
// A committed session leaves a Token on the caller's Handle; CloseSession
// only decrements when it finds one, which makes it safe to call for
// sessions that were never opened or were already closed.
//
// Every hook returns nil or a *Error carrying one of the Status values.
package session
