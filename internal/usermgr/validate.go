package usermgr

import "regexp"

// Login names as accepted by shadow-utils: portable characters, optional
// trailing '$' for machine accounts, at most 32 bytes.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,30}\$?$`)

func validUsername(u string) bool {
	return usernameRe.MatchString(u)
}

// ValidUsername reports whether u is safe to look up. Names containing path
// separators, colons or whitespace are rejected before any database access.
func ValidUsername(u string) bool {
	return validUsername(u)
}
