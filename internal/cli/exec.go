package cli

import (
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/config"
)

const defaultManifestPath = "spawn.yaml"

func newExecCmd(ctx *context) *cobra.Command {
	var (
		path   string
		prefix bool
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run the process described by a spawn manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(path)
			if err != nil {
				return err
			}
			return runAndReport(cmd, ctx, m, prefix, nil)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", defaultManifestPath, "path to the spawn manifest (YAML or TOML)")
	cmd.Flags().BoolVar(&prefix, "prefix", false, "prefix output lines with process, pid and stream")
	return cmd
}

func loadManifest(path string) (*config.Manifest, error) {
	if path == "" {
		path = defaultManifestPath
	}
	return config.Load(path)
}
