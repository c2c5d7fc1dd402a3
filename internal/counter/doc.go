// Package counter persists the number of live sessions for one numeric id.
//
// The count lives in {dir}/.{id} as ASCII decimal digits. A file holding the
// single byte '-' is the sentinel left behind by a write that could not be
// completed; readers treat it as a fresh count. A missing or empty file is 0.
//
// Every read-modify-write happens under an exclusive flock(2) on the counter
// file. Acquisition never blocks: it is attempted a bounded number of times
// and then fails with ErrLockTimeout.
package counter
