package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/api"
	"github.com/Paintersrp/procbind/internal/pidfile"
)

const statusTimeout = 5 * time.Second

func newStatusCmd() *cobra.Command {
	var (
		apiAddr string
		pidPath string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a supervised process",
		Long: "Query a running `procbind serve` over its control API, or check whether the\n" +
			"process recorded in a pid file is still alive.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case pidPath != "":
				return pidFileStatus(cmd.OutOrStdout(), pidPath)
			case apiAddr != "":
				report, raw, err := fetchStatus(cmd.Context(), apiAddr)
				if err != nil {
					return err
				}
				if asJSON {
					_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
					return err
				}
				return writeReport(cmd.OutOrStdout(), report, time.Now())
			default:
				return errors.New("status requires --api or --pid-file")
			}
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "control API address, host:port or unix:///path")
	cmd.Flags().StringVar(&pidPath, "pid-file", "", "report on the process recorded in this pid file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func pidFileStatus(w io.Writer, path string) error {
	alive, pid, err := pidfile.Alive(path)
	switch {
	case err != nil:
		return err
	case pid == 0:
		fmt.Fprintf(w, "not running (no pid file at %s)\n", path)
	case alive:
		fmt.Fprintf(w, "pid %d is running\n", pid)
	default:
		fmt.Fprintf(w, "pid %d is not running (stale pid file %s)\n", pid, path)
	}
	return nil
}

// statusClient returns a client and base URL for addr. Unix socket
// addresses are dialled directly; the URL host is then a placeholder.
func statusClient(addr string) (*http.Client, string) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		transport := &http.Transport{
			DialContext: func(ctx stdcontext.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		return &http.Client{Transport: transport, Timeout: statusTimeout}, "http://procbind"
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &http.Client{Timeout: statusTimeout}, strings.TrimRight(base, "/")
}

func fetchStatus(ctx stdcontext.Context, addr string) (*api.ProcessReport, []byte, error) {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	client, base := statusClient(addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/status", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("query control API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			return nil, nil, fmt.Errorf("control API: %s (%s)", payload.Message, payload.Code)
		}
		return nil, nil, fmt.Errorf("control API returned %s", resp.Status)
	}
	var report api.ProcessReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, body, nil
}

func writeReport(w io.Writer, report *api.ProcessReport, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPID\tSTATE\tUPTIME\tIPC\tMSGS IN/OUT\tEXIT")
	uptime := "-"
	if report.Running && !report.StartedAt.IsZero() {
		uptime = units.HumanDuration(now.Sub(report.StartedAt))
	}
	ipcState := "disconnected"
	if report.Connected {
		ipcState = "connected"
	}
	fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s/%s\t%s\n",
		report.Name,
		report.Pid,
		report.State,
		uptime,
		ipcState,
		humanize.Comma(int64(report.MessagesIn)),
		humanize.Comma(int64(report.MessagesOut)),
		formatExit(report.Exit),
	)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nCommand: %s\n", strings.TrimSpace(report.Command+" "+strings.Join(report.Args, " ")))
	if !report.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s (%s)\n", report.StartedAt.Format(time.RFC3339), humanize.RelTime(report.StartedAt, now, "ago", "from now"))
	}
	if report.LastError != nil {
		fmt.Fprintf(w, "Last error: %s\n", report.LastError.Message)
	}
	if len(report.History) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for _, entry := range report.History {
			fmt.Fprintf(w, "  %s  %-12s  %s\n", entry.Timestamp.Format(time.RFC3339), entry.Type, entry.Message)
		}
	}
	return nil
}

func formatExit(exit *api.ExitReport) string {
	switch {
	case exit == nil:
		return "-"
	case exit.Code != nil:
		return fmt.Sprintf("code %d", *exit.Code)
	case exit.Signal != "":
		return exit.Signal
	default:
		return "-"
	}
}
