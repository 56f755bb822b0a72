package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
)

const statusTimeout = 5 * time.Second

// StatusCommand prints the status of a running "run" process.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show save and settings sync status of the running process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Status server address",
				Sources: cli.EnvVars("STATUS_ADDR"),
				Value:   "127.0.0.1:8086",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cancel := context.WithTimeout(ctx, statusTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cmd.String("addr")+"/status", nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("is `ritemark-sync run` running? %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read status: %w", err)
			}

			var report statusReport
			if err := json.Unmarshal(body, &report); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			return printJSON(report)
		},
	}
}
