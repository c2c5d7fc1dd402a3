package session

import "github.com/hnrobert/rundir/internal/logger"

type State int

const (
	StateInit State = iota
	StateParentReady
	StateCounterLocked
	StateIncremented
	StateDirectoryEnsured
	StateEnvSet
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateParentReady:
		return "parent-ready"
	case StateCounterLocked:
		return "counter-locked"
	case StateIncremented:
		return "incremented"
	case StateDirectoryEnsured:
		return "directory-ensured"
	case StateEnvSet:
		return "env-set"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// flow tracks one OpenSession run for diagnostics.
type flow struct {
	user  string
	state State
}

func (f *flow) advance(s State) {
	logger.Debug("open %s: %s -> %s", f.user, f.state, s)
	f.state = s
}

// fail moves to RolledBack and returns err unchanged.
func (f *flow) fail(err *Error) error {
	logger.Debug("open %s: %s -> %s: %v", f.user, f.state, StateRolledBack, err.Err)
	f.state = StateRolledBack
	return err
}
