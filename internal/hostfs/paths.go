package hostfs

import (
	"errors"
	"path/filepath"
	"strings"
)

// Defaults matching the conventional XDG layout.
const (
	DefaultParentDir = "/run/user"
	DefaultEnvVar    = "XDG_RUNTIME_DIR"
)

var ErrInvalidPath = errors.New("invalid path")

// Paths derives every per-identity location from the parent directory and
// the numeric id, so the counter file and runtime directory can never drift
// apart.
type Paths struct {
	ParentDir string
	ID        int

	id string
}

func NewPaths(parentDir string, id int) (Paths, error) {
	parent, err := Abs(parentDir)
	if err != nil {
		return Paths{}, err
	}
	s, err := FormatID(id)
	if err != nil {
		return Paths{}, err
	}
	return Paths{ParentDir: parent, ID: id, id: s}, nil
}

// Counter returns {dir}/.{id}.
func (p Paths) Counter() string {
	return p.ParentDir + "/." + p.idString()
}

// RuntimeDir returns {dir}/{id}.
func (p Paths) RuntimeDir() string {
	return p.ParentDir + "/" + p.idString()
}

func (p Paths) idString() string {
	if p.id != "" {
		return p.id
	}
	return Itoa(p.ID)
}

// Abs validates an absolute path and returns it cleaned. The root itself is
// refused: nothing in this module may operate directly on "/".
func Abs(abs string) (string, error) {
	if abs == "" || !strings.HasPrefix(abs, "/") {
		return "", ErrInvalidPath
	}
	clean := filepath.Clean(abs)
	if clean == "/" {
		return "", ErrInvalidPath
	}
	return clean, nil
}
