package usermgr

import (
	"bytes"

	"github.com/hnrobert/rundir/internal/hostfs"
)

// PasswdFile is a parsed snapshot of a passwd(5) file.
type PasswdFile struct {
	entries []PasswdEntry
}

func LoadPasswd(path string) (*PasswdFile, error) {
	b, err := hostfs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := parsePasswd(bytes.NewReader(b), path)
	if err != nil {
		return nil, err
	}
	return &PasswdFile{entries: entries}, nil
}

// Find returns the first entry named name, like getpwnam(3).
func (f *PasswdFile) Find(name string) *PasswdEntry {
	for i := range f.entries {
		if f.entries[i].Name == name {
			return &f.entries[i]
		}
	}
	return nil
}
