package cli

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/config"
	"github.com/Paintersrp/procbind/internal/proc"
)

// runFlags mirrors the manifest fields that can be set on the command line.
type runFlags struct {
	name       string
	cwd        string
	env        []string
	envFile    string
	inheritEnv bool
	detached   bool
	uid        int64
	gid        int64
	argv0      string
	shell      string
	timeout    time.Duration
	killSignal string
	stopGrace  time.Duration
	stdio      []string
	ipc        bool
	pidFile    string
	prefix     bool
}

func newRunCmd(ctx *context) *cobra.Command {
	flags := &runFlags{uid: -1, gid: -1}
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command under supervision",
		Long: "Run a command with explicit stdio wiring. Output is streamed as it arrives,\n" +
			"SIGHUP, SIGUSR1 and SIGUSR2 are relayed to the child, and an interrupt stops it\n" +
			"gracefully. procbind exits with the child's exit code.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flags.manifest(args)
			if err != nil {
				return err
			}
			return runAndReport(cmd, ctx, m, flags.prefix, nil)
		},
	}

	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringVar(&flags.name, "name", "", "label for output and events (defaults to the command basename)")
	f.StringVar(&flags.cwd, "cwd", "", "working directory for the child")
	f.StringArrayVarP(&flags.env, "env", "e", nil, "child environment entry KEY=VALUE; replaces the inherited environment unless --inherit-env is set")
	f.StringVar(&flags.envFile, "env-file", "", "read KEY=VALUE lines into the child environment")
	f.BoolVar(&flags.inheritEnv, "inherit-env", false, "layer --env and --env-file over the parent environment")
	f.BoolVar(&flags.detached, "detached", false, "start the child in its own session")
	f.Int64Var(&flags.uid, "uid", -1, "run the child as this user id")
	f.Int64Var(&flags.gid, "gid", -1, "run the child with this group id")
	f.StringVar(&flags.argv0, "argv0", "", "override argv[0] as seen by the child")
	f.StringVar(&flags.shell, "shell", "", "run the command line through this shell (-c)")
	f.Lookup("shell").NoOptDefVal = "/bin/sh"
	f.DurationVar(&flags.timeout, "timeout", 0, "send the kill signal after this long")
	f.StringVar(&flags.killSignal, "kill-signal", string(proc.SIGTERM), "signal sent when the timeout elapses")
	f.DurationVar(&flags.stopGrace, "stop-grace", proc.DefaultStopGrace, "delay between SIGTERM and SIGKILL when stopping")
	f.StringArrayVar(&flags.stdio, "stdio", nil, "stdio slot, repeated in fd order: pipe, ignore, inherit, ipc, fd:N, file:PATH or file+append:PATH")
	f.BoolVar(&flags.ipc, "ipc", false, "append an IPC channel slot")
	f.StringVar(&flags.pidFile, "pid-file", "", "lock this file and write the child's pid to it")
	f.BoolVar(&flags.prefix, "prefix", false, "prefix output lines with process, pid and stream")
	return cmd
}

func (f *runFlags) manifest(args []string) (*config.Manifest, error) {
	m := &config.Manifest{
		Name:        f.name,
		Command:     args[0],
		Args:        append([]string(nil), args[1:]...),
		Cwd:         f.cwd,
		EnvFromFile: f.envFile,
		InheritEnv:  f.inheritEnv,
		Detached:    f.detached,
		Argv0:       f.argv0,
		Shell:       f.shell,
		KillSignal:  f.killSignal,
		PidFile:     f.pidFile,
	}
	m.Timeout.Duration = f.timeout
	m.StopGrace.Duration = f.stopGrace
	var err error
	if m.UID, err = credentialFlag("uid", f.uid); err != nil {
		return nil, err
	}
	if m.GID, err = credentialFlag("gid", f.gid); err != nil {
		return nil, err
	}
	if m.Shell != "" && len(m.Args) > 0 {
		m.Command = strings.Join(args, " ")
		m.Args = nil
	}

	if len(f.env) > 0 {
		m.Env = make(map[string]string, len(f.env))
		for _, kv := range f.env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("--env %q: expected KEY=VALUE", kv)
			}
			m.Env[key] = value
		}
	}

	for _, raw := range f.stdio {
		entry, err := config.ParseStdioEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("--stdio: %w", err)
		}
		m.Stdio = append(m.Stdio, entry)
	}
	if f.ipc && !m.HasIPC() {
		for len(m.Stdio) < 3 {
			m.Stdio = append(m.Stdio, config.StdioEntry{Kind: config.StdioPipe})
		}
		m.Stdio = append(m.Stdio, config.StdioEntry{Kind: config.StdioIPC})
	}

	cwd, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	// The invoking shell already expanded the command line.
	command, commandArgs := m.Command, m.Args
	if err := m.Resolve(cwd); err != nil {
		return nil, err
	}
	m.Command, m.Args = command, commandArgs
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// credentialFlag converts a --uid or --gid value; -1 means unset.
func credentialFlag(name string, value int64) (*uint32, error) {
	if value == -1 {
		return nil, nil
	}
	if value < 0 || value > math.MaxUint32 {
		return nil, fmt.Errorf("--%s %d: out of range 0-%d", name, value, uint32(math.MaxUint32))
	}
	id := uint32(value)
	return &id, nil
}

// runAndReport runs m with output on the command's streams and prints a
// summary line when the child is closed.
func runAndReport(cmd *cobra.Command, ctx *context, m *config.Manifest, prefix bool, hook apiHook) error {
	sink, err := newOutputSink(cmd, ctx, prefix)
	if err != nil {
		return err
	}
	err = runManifest(cmd, ctx, m, runOptions{sink: sink, hook: hook, forwardStdin: true})
	sink.printSummary()
	return err
}
