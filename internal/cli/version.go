package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version, revision := "(devel)", ""
			goVersion := runtime.Version()
			if info, ok := debug.ReadBuildInfo(); ok {
				if info.Main.Version != "" {
					version = info.Main.Version
				}
				if info.GoVersion != "" {
					goVersion = info.GoVersion
				}
				for _, setting := range info.Settings {
					if setting.Key == "vcs.revision" {
						revision = setting.Value
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "procbind %s", version)
			if revision != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", revision)
			}
			fmt.Fprintf(cmd.OutOrStdout(), " %s %s/%s\n", goVersion, runtime.GOOS, runtime.GOARCH)
		},
	}
}
