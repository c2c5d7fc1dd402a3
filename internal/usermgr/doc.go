// Package usermgr resolves login names to numeric identities.
//
// Two sources are supported:
//   - a passwd(5) file parsed directly (PasswdResolver)
//   - the system user database via os/user, which goes through NSS when
//     built with cgo (SystemResolver)
//
// Malformed passwd lines are skipped rather than failing the lookup.
package usermgr
