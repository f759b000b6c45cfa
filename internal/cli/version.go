package cli

import (
	goruntime "runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/api"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.3.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(buildInfo())
	},
}

func buildInfo() map[string]string {
	info := map[string]string{
		"name":    "chaingate",
		"version": version,
		"go":      goruntime.Version(),
		"service": api.ServiceName,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info["commit"] = s.Value
			case "vcs.modified":
				if s.Value == "true" {
					info["dirty"] = "true"
				}
			}
		}
	}
	return info
}
