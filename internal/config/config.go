// Package config builds the options for one hook invocation from an optional
// YAML file and the module arguments passed by the session framework.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hnrobert/rundir/internal/counter"
	"github.com/hnrobert/rundir/internal/hostfs"
	"github.com/hnrobert/rundir/internal/logger"
	"github.com/hnrobert/rundir/internal/rundir"
)

const (
	DefaultPath    = "/etc/rundir/rundir.yaml"
	DefaultKeyFile = "/etc/rundir/token.key"
)

type Options struct {
	Debug bool `yaml:"debug"`
	// Mode of the runtime directory.
	Mode      os.FileMode `yaml:"-"`
	ParentDir string      `yaml:"dir"`
	EnvVar    string      `yaml:"envvar"`
	// PasswdPath selects a passwd file for lookups; empty uses the system
	// user database.
	PasswdPath   string        `yaml:"passwd"`
	KeyFile      string        `yaml:"key_file"`
	LockAttempts int           `yaml:"lock_attempts"`
	LockDelay    time.Duration `yaml:"lock_delay"`
}

// file mirrors Options for decoding; the mode is written in octal text.
type file struct {
	Options `yaml:",inline"`
	Mode    string `yaml:"umask"`
}

func Default() Options {
	return Options{
		Mode:         rundir.DefaultMode,
		ParentDir:    hostfs.DefaultParentDir,
		EnvVar:       hostfs.DefaultEnvVar,
		KeyFile:      DefaultKeyFile,
		LockAttempts: counter.DefaultAttempts,
		LockDelay:    counter.DefaultDelay,
	}
}

// Load reads the YAML file at path on top of Default. A missing file is not
// an error.
func Load(path string) (Options, error) {
	opts := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return opts, nil
		}
		return opts, err
	}
	if len(b) == 0 {
		return opts, nil
	}
	f := file{Options: opts}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Mode != "" {
		m, err := parseMode(f.Mode)
		if err != nil {
			return opts, fmt.Errorf("parse %s: umask: %w", path, err)
		}
		f.Options.Mode = m
	}
	if err := f.Options.Validate(); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Options, nil
}

// Validate checks values that would otherwise only fail deep inside a hook.
func (o Options) Validate() error {
	if _, err := hostfs.Abs(o.ParentDir); err != nil {
		return fmt.Errorf("dir %q: must be an absolute path", o.ParentDir)
	}
	if !validEnvVar(o.EnvVar) {
		return fmt.Errorf("envvar %q: invalid variable name", o.EnvVar)
	}
	if o.Mode&^os.ModePerm != 0 || o.Mode&0700 != 0700 {
		return fmt.Errorf("umask %04o: owner must keep rwx", o.Mode)
	}
	if o.LockAttempts <= 0 || o.LockDelay <= 0 {
		return errors.New("lock_attempts and lock_delay must be positive")
	}
	return nil
}

// Apply layers module arguments over o. Arguments that are unknown or
// malformed are logged and skipped; they never abort the hook.
func (o Options) Apply(args []string) Options {
	for _, arg := range args {
		key, val, hasVal := strings.Cut(arg, "=")
		switch {
		case key == "debug" && !hasVal:
			o.Debug = true
		case key == "umask" && hasVal:
			m, err := parseMode(val)
			if err != nil || m&0700 != 0700 {
				logger.Warn("ignoring invalid umask=%s", val)
				continue
			}
			o.Mode = m
		case key == "dir" && hasVal:
			dir, err := hostfs.Abs(val)
			if err != nil {
				logger.Warn("ignoring dir=%s: must be an absolute path", val)
				continue
			}
			o.ParentDir = dir
		case key == "envvar" && hasVal:
			if !validEnvVar(val) {
				logger.Warn("ignoring invalid envvar=%s", val)
				continue
			}
			o.EnvVar = val
		default:
			logger.Warn("unknown option: %s", arg)
		}
	}
	return o
}

// parseMode accepts octal text such as "0700" or "700".
func parseMode(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	if n > 0777 {
		return 0, fmt.Errorf("mode %s out of range", s)
	}
	return os.FileMode(n), nil
}

var envVarRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validEnvVar(s string) bool {
	return envVarRe.MatchString(s)
}
