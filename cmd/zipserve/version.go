package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v3"
)

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version information",
	Action: func(ctx context.Context, command *cli.Command) error {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("version: unknown")
			return nil
		}

		fmt.Printf("version: %s\n", info.Main.Version)
		fmt.Printf("go: %s\n", info.GoVersion)
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", setting.Value)
			case "vcs.time":
				fmt.Printf("built: %s\n", setting.Value)
			}
		}
		return nil
	},
}
