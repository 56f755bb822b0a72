package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jarmo-productory/ritemark-sync/cmd/ritemark-sync/commands"
)

func main() {
	app := &cli.Command{
		Name:  "ritemark-sync",
		Usage: "Keep a local markdown document and its settings in sync with Google Drive",
		Commands: []*cli.Command{
			commands.RunCommand(),
			commands.LoginCommand(),
			commands.LogoutCommand(),
			commands.SettingsCommand(),
			commands.StatusCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
