package usermgr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hnrobert/rundir/internal/logger"
)

const maxLine = 1024 * 1024

// parsePasswd reads passwd(5) entries from r. Comments, blank lines and
// malformed lines are skipped the way the files NSS backend skips them; a
// single bad line must not lock every user out of their session.
func parsePasswd(r io.Reader, name string) ([]PasswdEntry, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []PasswdEntry
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "#") {
			continue
		}
		e, err := parsePasswdLine(line)
		if err != nil {
			logger.Debug("%s:%d: skipping entry: %v", name, n, err)
			continue
		}
		out = append(out, e)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

func parsePasswdLine(line string) (PasswdEntry, error) {
	// Trailing empty fields are significant.
	parts := strings.Split(line, ":")
	if len(parts) != 7 {
		return PasswdEntry{}, fmt.Errorf("want 7 fields, have %d", len(parts))
	}
	uid, err := atoi(parts[2], "uid")
	if err != nil {
		return PasswdEntry{}, err
	}
	gid, err := atoi(parts[3], "gid")
	if err != nil {
		return PasswdEntry{}, err
	}
	return PasswdEntry{
		Name:   parts[0],
		Passwd: parts[1],
		UID:    uid,
		GID:    gid,
		Gecos:  parts[4],
		Home:   parts[5],
		Shell:  parts[6],
	}, nil
}

func atoi(field, ctx string) (int, error) {
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", ctx, field)
	}
	return n, nil
}
