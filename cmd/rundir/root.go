package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hnrobert/rundir/internal/auth"
	"github.com/hnrobert/rundir/internal/config"
	"github.com/hnrobert/rundir/internal/handlefile"
	"github.com/hnrobert/rundir/internal/logger"
	"github.com/hnrobert/rundir/internal/session"
	"github.com/hnrobert/rundir/internal/usermgr"
)

type globalFlags struct {
	configPath  string
	hookArgs    []string
	requireRoot bool
}

func newRootCmd(requireRoot bool) *cobra.Command {
	g := &globalFlags{requireRoot: requireRoot}
	root := &cobra.Command{
		Use:   "rundir",
		Short: "Per-user runtime directory session hooks",
		Long: `rundir keeps one runtime directory per logged-in user. The directory is
created by the first open hook for a user and removed by the close hook of
that user's last session. Sessions are counted in a lock-protected file
next to the directories.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(logger.Config{Syslog: true})
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath, "config file")
	root.PersistentFlags().StringArrayVarP(&g.hookArgs, "option", "o", nil, "hook argument (debug, umask=MODE, dir=PATH, envvar=NAME)")

	root.AddCommand(
		newHookCmd(g, "open"),
		newHookCmd(g, "close"),
		newStatusCmd(g),
		newPAMCmd(g),
	)
	return root
}

// load builds the options for one invocation: file, then hook arguments.
func (g *globalFlags) load() (config.Options, error) {
	opts, err := config.Load(g.configPath)
	if err != nil {
		logger.Error("failed to load config %s: %v", g.configPath, err)
		return opts, err
	}
	opts = opts.Apply(g.hookArgs)
	logger.SetDebug(opts.Debug)
	if err := opts.Validate(); err != nil {
		logger.Error("invalid configuration: %v", err)
		return opts, err
	}
	return opts, nil
}

func (g *globalFlags) manager(opts config.Options) *session.Manager {
	var o []session.Option
	if g.requireRoot {
		o = append(o, session.WithRequireRoot())
	}
	return session.New(opts, usermgr.NewResolver(opts.PasswdPath), o...)
}

func userOrEnv(name string) (string, error) {
	if name == "" {
		name = os.Getenv("PAM_USER")
	}
	if name == "" {
		return "", &session.Error{Status: session.StatusUserUnknown, Op: "args", Err: errors.New("no user given and PAM_USER is unset")}
	}
	if !usermgr.ValidUsername(name) {
		logger.Error("refusing invalid user name %q", name)
		return "", &session.Error{Status: session.StatusUserUnknown, Op: "args", Err: fmt.Errorf("%w: %q", usermgr.ErrInvalidUsername, name)}
	}
	return name, nil
}

func openStore(opts config.Options, path string) (*handlefile.Store, error) {
	key, err := auth.LoadOrCreateKey(opts.KeyFile)
	if err != nil {
		logger.Error("failed to load signing key %s: %v", opts.KeyFile, err)
		return nil, err
	}
	return handlefile.New(path, key), nil
}

// runHook runs one hook against the state file at statePath and prints the
// published environment after a successful open.
func runHook(cmd *cobra.Command, g *globalFlags, op, username, statePath string) error {
	opts, err := g.load()
	if err != nil {
		return err
	}
	store, err := openStore(opts, statePath)
	if err != nil {
		return err
	}
	m := g.manager(opts)

	switch op {
	case "open":
		if err := m.OpenSession(username, store); err != nil {
			return err
		}
		env, err := store.Environ()
		if err != nil {
			return err
		}
		for _, kv := range env {
			fmt.Fprintln(cmd.OutOrStdout(), kv)
		}
		return nil
	case "close":
		err := m.CloseSession(username, store)
		// Once the token is gone nothing in the file is needed again.
		if tok, terr := store.Token(); terr == nil && tok == nil {
			if rerr := store.Remove(); rerr != nil {
				logger.Warn("failed to remove state file %s: %v", store.Path(), rerr)
			}
		}
		return err
	default:
		return fmt.Errorf("unknown hook %q", op)
	}
}

func newHookCmd(g *globalFlags, op string) *cobra.Command {
	var username, statePath string
	cmd := &cobra.Command{
		Use:   op,
		Short: strings.ToUpper(op[:1]) + op[1:] + " a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := userOrEnv(username)
			if err != nil {
				return err
			}
			return runHook(cmd, g, op, u, statePath)
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "login name (default $PAM_USER)")
	cmd.Flags().StringVar(&statePath, "state", "", "session state file shared by open and close")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session count and runtime directory of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := userOrEnv(username)
			if err != nil {
				return err
			}
			opts, err := g.load()
			if err != nil {
				return err
			}
			r, err := session.New(opts, usermgr.NewResolver(opts.PasswdPath)).Inspect(u)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User: %s (uid %d)\n", r.Username, r.UID)
			if r.Indeterminate {
				fmt.Fprintf(out, "Sessions: indeterminate (%s)\n", r.CounterPath)
			} else {
				fmt.Fprintf(out, "Sessions: %d (%s)\n", r.Count, r.CounterPath)
			}
			state := "absent"
			if r.DirExists {
				state = "present"
			}
			fmt.Fprintf(out, "Directory: %s (%s)\n", r.RuntimeDir, state)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "login name (default $PAM_USER)")
	return cmd
}

func newPAMCmd(g *globalFlags) *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "pam",
		Short: "Run the hook selected by PAM_TYPE (for pam_exec)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var op string
			switch t := os.Getenv("PAM_TYPE"); t {
			case "open_session":
				op = "open"
			case "close_session":
				op = "close"
			default:
				logger.Debug("ignoring PAM_TYPE %q", t)
				return nil
			}
			u, err := userOrEnv("")
			if err != nil {
				return err
			}
			path, err := pamStatePath(stateDir, u)
			if err != nil {
				return err
			}
			return runHook(cmd, g, op, u, path)
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "/run/rundir", "directory for per-session state files")
	return cmd
}

// pamStatePath names the state file of the current PAM session, keyed by
// user and terminal (or service when there is no terminal). The result is
// always a direct child of dir.
func pamStatePath(dir, username string) (string, error) {
	key := os.Getenv("PAM_TTY")
	if key == "" {
		key = os.Getenv("PAM_SERVICE")
	}
	if key == "" {
		key = "session"
	}
	key = strings.NewReplacer("/", "_", "..", "_").Replace(strings.TrimPrefix(key, "/dev/"))

	dir = filepath.Clean(dir)
	path := filepath.Join(dir, username+"."+key)
	if strings.ContainsRune(username, '/') || filepath.Dir(path) != dir {
		logger.Error("state path for %q escapes %s", username, dir)
		return "", &session.Error{Status: session.StatusSessionError, Op: "args", Err: fmt.Errorf("state path %s outside %s", path, dir)}
	}
	return path, nil
}
