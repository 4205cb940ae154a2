package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/procbind/internal/api/http"
)

const envEnableAPI = "PROCBIND_ENABLE_API"

var newAPIServer = apihttp.NewServer

func newServeCmd(ctx *context) *cobra.Command {
	var (
		apiAddr string
		path    string
		prefix  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a manifest with the HTTP control API enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(path)
			if err != nil {
				return err
			}

			enableAPI := apiEnabled()
			if cmd.Flags().Changed("api") {
				enableAPI = true
			}
			if !enableAPI {
				fmt.Fprintf(cmd.ErrOrStderr(), "HTTP API disabled; set %s=true or pass --api to enable.\n", envEnableAPI)
			}

			var hook apiHook
			if enableAPI {
				control := NewControlAPI(ctx)
				if control == nil {
					return errors.New("control API unavailable")
				}
				hook = controlServerHook(cmd, apiAddr, control)
			}
			return runAndReport(cmd, ctx, m, prefix, hook)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:7663", "address for the HTTP control API, host:port or unix:///path (requires "+envEnableAPI+" or explicit flag)")
	cmd.Flags().StringVarP(&path, "file", "f", defaultManifestPath, "path to the spawn manifest (YAML or TOML)")
	cmd.Flags().BoolVar(&prefix, "prefix", false, "prefix output lines with process, pid and stream")
	return cmd
}

func controlServerHook(cmd *cobra.Command, addr string, control *ControlAPI) apiHook {
	return func(runCtx stdcontext.Context) (func() error, error) {
		server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: control})
		if err != nil {
			return nil, err
		}
		serverCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Run(serverCtx)
		}()
		readyTimer := time.NewTimer(200 * time.Millisecond)
		defer readyTimer.Stop()
		select {
		case err := <-errCh:
			cancel()
			if err == nil {
				err = errors.New("control API exited during startup")
			}
			return nil, err
		case <-readyTimer.C:
		case <-runCtx.Done():
			cancel()
			err := <-errCh
			if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return nil, err
			}
			return nil, runCtx.Err()
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Control API listening on %s\n", server.Addr())
		return func() error {
			cancel()
			err := <-errCh
			if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, nil
	}
}

func apiEnabled() bool {
	value := strings.TrimSpace(os.Getenv(envEnableAPI))
	if value == "" {
		return false
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return enabled
}
