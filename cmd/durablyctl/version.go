package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print durablyctl's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if Version == "dev" {
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, setting := range info.Settings {
					switch setting.Key {
					case "vcs.revision":
						Commit = setting.Value
					case "vcs.time":
						BuiltAt = setting.Value
					}
				}
			}
		}
		fmt.Printf("durablyctl %s (commit %s, built %s)\n", Version, Commit, BuiltAt)
		return nil
	},
}
