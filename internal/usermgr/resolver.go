package usermgr

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
)

// Resolver maps a login name to its numeric identity.
type Resolver interface {
	Lookup(username string) (Identity, error)
}

// PasswdResolver reads a passwd(5) file on every lookup.
type PasswdResolver struct {
	Path string
}

func (r PasswdResolver) Lookup(username string) (Identity, error) {
	if !validUsername(username) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	pw, err := LoadPasswd(r.Path)
	if err != nil {
		return Identity{}, err
	}
	e := pw.Find(username)
	if e == nil {
		return Identity{}, fmt.Errorf("%w: %s in %s", ErrUserNotFound, username, r.Path)
	}
	return Identity{Name: e.Name, UID: e.UID, GID: e.GID}, nil
}

// SystemResolver uses the system user database.
type SystemResolver struct{}

func (SystemResolver) Lookup(username string) (Identity, error) {
	if !validUsername(username) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	u, err := user.Lookup(username)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return Identity{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return Identity{}, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid uid %q for %s: %w", u.Uid, username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid gid %q for %s: %w", u.Gid, username, err)
	}
	return Identity{Name: u.Username, UID: uid, GID: gid}, nil
}

// NewResolver returns a PasswdResolver when path is set and the system
// resolver otherwise.
func NewResolver(passwdPath string) Resolver {
	if passwdPath != "" {
		return PasswdResolver{Path: passwdPath}
	}
	return SystemResolver{}
}
