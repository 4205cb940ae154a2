package metrics

import (
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	spawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbind",
		Name:      "spawns_total",
		Help:      "Processes started, by command.",
	}, []string{"command"})

	runningProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procbind",
		Name:      "running_processes",
		Help:      "Child processes started and not yet exited.",
	})

	exitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbind",
		Name:      "exits_total",
		Help:      "Child exits, by command and outcome (exit code or terminating signal).",
	}, []string{"command", "code", "signal"})

	signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbind",
		Name:      "signals_sent_total",
		Help:      "Signals dispatched to child processes.",
	}, []string{"signal"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbind",
		Name:      "operational_errors_total",
		Help:      "Failures reported on the error event, by code and syscall.",
	}, []string{"code", "syscall"})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbind",
		Name:      "ipc_messages_total",
		Help:      "IPC messages exchanged with children, by direction.",
	}, []string{"direction"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procbind",
		Name:      "build_info",
		Help:      "Build metadata for the running procbind binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawnsTotal, runningProcesses, exitsTotal, signalsTotal, errorsTotal, messagesTotal, buildInfo)
}

// Registry returns the Prometheus registry containing all procbind metrics.
func Registry() *prometheus.Registry {
	return registry
}

// RecordSpawn counts a successfully started process.
func RecordSpawn(command string) {
	spawnsTotal.WithLabelValues(commandLabel(command)).Inc()
	runningProcesses.Inc()
}

// RecordExit counts an exit. Exactly one of code and signal is meaningful;
// pass hasCode=false for signal terminations.
func RecordExit(command string, code int, hasCode bool, signal string) {
	codeLabel := ""
	if hasCode {
		codeLabel = strconv.Itoa(code)
	}
	exitsTotal.WithLabelValues(commandLabel(command), codeLabel, signal).Inc()
	runningProcesses.Dec()
}

// RecordSignal counts a dispatched signal.
func RecordSignal(signal string) {
	if signal == "" {
		return
	}
	signalsTotal.WithLabelValues(signal).Inc()
}

// RecordError counts an operational error.
func RecordError(code, syscall string) {
	if code == "" {
		code = "UNKNOWN"
	}
	errorsTotal.WithLabelValues(code, syscallLabel(syscall)).Inc()
}

// RecordMessage counts an IPC message; direction is "in" or "out".
func RecordMessage(direction string) {
	messagesTotal.WithLabelValues(direction).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// commandLabel keeps label cardinality bounded by the executable name.
func commandLabel(command string) string {
	if command == "" {
		return "unknown"
	}
	return filepath.Base(command)
}

// syscallLabel drops the argument from "spawn <path>" style names.
func syscallLabel(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' {
			return name[:i]
		}
	}
	return name
}
