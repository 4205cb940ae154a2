package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/procbind/internal/proc"
)

// Duration wraps time.Duration for YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the spawn.yaml (or spawn.toml) document structure.
type Manifest struct {
	Version     string            `yaml:"version" toml:"version"`
	Name        string            `yaml:"name" toml:"name"`
	Command     string            `yaml:"command" toml:"command"`
	Args        []string          `yaml:"args" toml:"args"`
	Cwd         string            `yaml:"cwd" toml:"cwd"`
	Env         map[string]string `yaml:"env" toml:"env"`
	EnvFromFile string            `yaml:"envFromFile" toml:"envFromFile"`
	InheritEnv  bool              `yaml:"inheritEnv" toml:"inheritEnv"`
	Detached    bool              `yaml:"detached" toml:"detached"`
	UID         *uint32           `yaml:"uid" toml:"uid"`
	GID         *uint32           `yaml:"gid" toml:"gid"`
	Argv0       string            `yaml:"argv0" toml:"argv0"`
	Shell       string            `yaml:"shell" toml:"shell"`
	Timeout     Duration          `yaml:"timeout" toml:"timeout"`
	KillSignal  string            `yaml:"killSignal" toml:"killSignal"`
	StopGrace   Duration          `yaml:"stopGrace" toml:"stopGrace"`
	Stdio       []StdioEntry      `yaml:"stdio" toml:"stdio"`
	PidFile     string            `yaml:"pidFile" toml:"pidFile"`

	// Source is the absolute path the manifest was loaded from.
	Source string `yaml:"-" toml:"-"`
}

// Stdio entry kinds. The first four map directly onto proc.Stdio variants;
// fd shares a descriptor and file opens a path and shares it as a stream.
const (
	StdioPipe    = "pipe"
	StdioIgnore  = "ignore"
	StdioInherit = "inherit"
	StdioIPC     = "ipc"
	StdioFD      = "fd"
	StdioFile    = "file"
)

// StdioEntry is one slot of the stdio list. In a document it is either a
// bare word ("pipe", "ignore", "inherit", "ipc") or a table with an fd or a
// file key.
type StdioEntry struct {
	Kind   string
	FD     int
	Path   string
	Append bool
}

// String renders the entry the way it would appear in a manifest.
func (e StdioEntry) String() string {
	switch e.Kind {
	case StdioFD:
		return fmt.Sprintf("fd:%d", e.FD)
	case StdioFile:
		if e.Append {
			return "file+append:" + e.Path
		}
		return "file:" + e.Path
	default:
		return e.Kind
	}
}

// ParseStdioEntry parses the String form of an entry: a bare kind word,
// "fd:N", "file:PATH" or "file+append:PATH".
func ParseStdioEntry(s string) (StdioEntry, error) {
	s = strings.TrimSpace(s)
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		var e StdioEntry
		err := e.fromValue(s)
		return e, err
	}
	switch strings.ToLower(prefix) {
	case StdioFD:
		fd, err := strconv.Atoi(rest)
		if err != nil || fd < 0 {
			return StdioEntry{}, fmt.Errorf("invalid stdio descriptor %q", rest)
		}
		return StdioEntry{Kind: StdioFD, FD: fd}, nil
	case StdioFile, StdioFile + "+append":
		if strings.TrimSpace(rest) == "" {
			return StdioEntry{}, fmt.Errorf("stdio file entry %q has no path", s)
		}
		return StdioEntry{Kind: StdioFile, Path: rest, Append: strings.HasSuffix(strings.ToLower(prefix), "+append")}, nil
	default:
		return StdioEntry{}, fmt.Errorf("unknown stdio kind %q", prefix)
	}
}

// UnmarshalYAML accepts both the scalar and the table form.
func (e *StdioEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return e.fromValue(node.Value)
	case yaml.MappingNode:
		var table map[string]any
		if err := node.Decode(&table); err != nil {
			return err
		}
		return e.fromValue(table)
	default:
		return fmt.Errorf("line %d: stdio entry must be a string or a mapping", node.Line)
	}
}

// UnmarshalTOML accepts both the string and the inline table form.
func (e *StdioEntry) UnmarshalTOML(value any) error {
	return e.fromValue(value)
}

func (e *StdioEntry) fromValue(value any) error {
	switch v := value.(type) {
	case string:
		kind := strings.ToLower(strings.TrimSpace(v))
		switch kind {
		case StdioPipe, StdioIgnore, StdioInherit, StdioIPC:
			*e = StdioEntry{Kind: kind}
			return nil
		}
		return fmt.Errorf("unknown stdio kind %q (expected pipe, ignore, inherit or ipc)", v)
	case map[string]any:
		return e.fromTable(v)
	default:
		return fmt.Errorf("stdio entry must be a string or a table, got %T", value)
	}
}

func (e *StdioEntry) fromTable(table map[string]any) error {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != "fd" && k != "file" && k != "append" {
			return fmt.Errorf("stdio entry: unknown key %q", k)
		}
	}

	_, hasFD := table["fd"]
	_, hasFile := table["file"]
	switch {
	case hasFD && hasFile:
		return fmt.Errorf("stdio entry: fd and file are mutually exclusive")
	case hasFD:
		fd, err := toInt(table["fd"])
		if err != nil {
			return fmt.Errorf("stdio entry fd: %w", err)
		}
		if _, ok := table["append"]; ok {
			return fmt.Errorf("stdio entry: append only applies to file")
		}
		*e = StdioEntry{Kind: StdioFD, FD: fd}
	case hasFile:
		path, ok := table["file"].(string)
		if !ok || strings.TrimSpace(path) == "" {
			return fmt.Errorf("stdio entry file must be a non-empty string")
		}
		entry := StdioEntry{Kind: StdioFile, Path: path}
		if raw, ok := table["append"]; ok {
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("stdio entry append must be a boolean")
			}
			entry.Append = b
		}
		*e = entry
	default:
		return fmt.Errorf("stdio entry table needs an fd or a file key")
	}
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// ApplyDefaults fills in values the document left out.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "v1"
	}
	if m.Name == "" {
		m.Name = defaultName(m.Command)
	}
	m.KillSignal = strings.TrimSpace(m.KillSignal)
	if m.KillSignal == "" {
		m.KillSignal = string(proc.SIGTERM)
	} else {
		m.KillSignal = string(proc.ParseSignal(m.KillSignal))
	}
}

func defaultName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// Validate enforces semantic invariants the schema cannot express.
func (m *Manifest) Validate() error {
	if m.Version != "v1" {
		return fmt.Errorf("%s: unsupported version %q (supported values: v1)", fieldPath("version"), m.Version)
	}
	if strings.TrimSpace(m.Command) == "" {
		return fmt.Errorf("%s: is required", fieldPath("command"))
	}
	if !proc.Signal(m.KillSignal).Known() {
		return fmt.Errorf("%s: unknown signal %q", fieldPath("killSignal"), m.KillSignal)
	}
	if m.Timeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("timeout"))
	}
	if m.StopGrace.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("stopGrace"))
	}
	if m.InheritEnv && m.Env == nil && m.EnvFromFile == "" {
		return fmt.Errorf("%s: has no effect without env or envFromFile", fieldPath("inheritEnv"))
	}

	ipcSlot := -1
	for i, entry := range m.Stdio {
		switch entry.Kind {
		case StdioPipe, StdioIgnore, StdioInherit:
		case StdioIPC:
			if ipcSlot >= 0 {
				return fmt.Errorf("%s: only one ipc slot is allowed (already declared at stdio[%d])", stdioField(i), ipcSlot)
			}
			ipcSlot = i
		case StdioFD:
			if entry.FD < 0 {
				return fmt.Errorf("%s: fd must be non-negative", stdioField(i))
			}
		case StdioFile:
			if strings.TrimSpace(entry.Path) == "" {
				return fmt.Errorf("%s: file path is required", stdioField(i))
			}
		default:
			return fmt.Errorf("%s: unknown kind %q", stdioField(i), entry.Kind)
		}
	}
	return nil
}

// HasIPC reports whether one of the stdio slots requests the IPC channel.
func (m *Manifest) HasIPC() bool {
	for _, entry := range m.Stdio {
		if entry.Kind == StdioIPC {
			return true
		}
	}
	return false
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func stdioField(index int) string {
	return fmt.Sprintf("stdio[%d]", index)
}
