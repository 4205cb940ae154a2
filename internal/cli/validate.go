package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/config"
)

func newValidateCmd() *cobra.Command {
	var (
		path string
		show bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a spawn manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(path)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			if show {
				return printManifest(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", m.Source)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", defaultManifestPath, "path to the spawn manifest (YAML or TOML)")
	cmd.Flags().BoolVar(&show, "print", false, "print the resolved manifest with secrets redacted")
	return cmd
}

// resolvedManifest is the printable view of a manifest after defaults and
// path resolution.
type resolvedManifest struct {
	Version    string   `yaml:"version"`
	Name       string   `yaml:"name"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	Cwd        string   `yaml:"cwd"`
	Env        []string `yaml:"env,omitempty"`
	InheritEnv bool     `yaml:"inheritEnv,omitempty"`
	Detached   bool     `yaml:"detached,omitempty"`
	UID        *uint32  `yaml:"uid,omitempty"`
	GID        *uint32  `yaml:"gid,omitempty"`
	Argv0      string   `yaml:"argv0,omitempty"`
	Shell      string   `yaml:"shell,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty"`
	KillSignal string   `yaml:"killSignal"`
	StopGrace  string   `yaml:"stopGrace,omitempty"`
	Stdio      []string `yaml:"stdio,omitempty"`
	PidFile    string   `yaml:"pidFile,omitempty"`
}

func printManifest(w io.Writer, m *config.Manifest) error {
	view := resolvedManifest{
		Version:    m.Version,
		Name:       m.Name,
		Command:    m.Command,
		Args:       m.Args,
		Cwd:        m.Cwd,
		Env:        cliutil.RedactEnv(m.Env),
		InheritEnv: m.InheritEnv,
		Detached:   m.Detached,
		UID:        m.UID,
		GID:        m.GID,
		Argv0:      m.Argv0,
		Shell:      m.Shell,
		KillSignal: m.KillSignal,
		PidFile:    m.PidFile,
	}
	if m.Timeout.IsSet() {
		view.Timeout = m.Timeout.Duration.String()
	}
	if m.StopGrace.IsSet() {
		view.StopGrace = m.StopGrace.Duration.String()
	}
	for _, entry := range m.Stdio {
		view.Stdio = append(view.Stdio, entry.String())
	}

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
