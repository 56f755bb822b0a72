package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jarmo-productory/ritemark-sync/settings"
)

// SettingsCommand returns the "settings" command with subcommands.
func SettingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Read and change synced preferences",
		Commands: []*cli.Command{
			settingsGetCommand(),
			settingsSetCommand(),
			settingsSyncCommand(),
			settingsDeleteCommand(),
		},
	}
}

func withEngine(action func(ctx context.Context, cmd *cli.Command, eng *engine) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		return action(ctx, cmd, eng)
	}
}

func settingsGetCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Print the current preferences",
		Action: withEngine(func(ctx context.Context, _ *cli.Command, eng *engine) error {
			record, err := eng.settings.LoadSettings(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			if record == nil {
				fmt.Fprintln(os.Stdout, "No settings stored")

				return nil
			}

			return printJSON(record)
		}),
	}
}

func settingsSetCommand() *cli.Command {
	return &cli.Command{
		Name:  "set",
		Usage: "Change preferences and upload them",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "theme", Usage: "Color theme"},
			&cli.IntFlag{Name: "font-size", Usage: "Editor font size"},
			&cli.BoolFlag{Name: "spell-check", Usage: "Enable spell checking"},
			&cli.StringFlag{Name: "width", Usage: "Editor width"},
			&cli.StringSliceFlag{Name: "recent", Usage: "Replace the recent files list"},
			&cli.StringMapFlag{Name: "custom", Usage: "Set custom key=value preferences"},
		},
		Action: withEngine(func(ctx context.Context, cmd *cli.Command, eng *engine) error {
			var prefs settings.Preferences

			current, err := eng.settings.LoadSettings(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			if current != nil {
				prefs = current.Preferences
			}

			applyPreferenceFlags(cmd, &prefs)

			record, err := eng.settings.SaveSettings(ctx, prefs)
			if err != nil {
				return fmt.Errorf("save settings: %w", err)
			}

			return printJSON(record)
		}),
	}
}

func applyPreferenceFlags(cmd *cli.Command, prefs *settings.Preferences) {
	if cmd.IsSet("theme") {
		prefs.Theme = cmd.String("theme")
	}

	if cmd.IsSet("font-size") {
		prefs.FontSize = int(cmd.Int("font-size"))
	}

	if (cmd.IsSet("spell-check") || cmd.IsSet("width")) && prefs.Editor == nil {
		prefs.Editor = &settings.Editor{}
	}

	if cmd.IsSet("spell-check") {
		prefs.Editor.SpellCheck = cmd.Bool("spell-check")
	}

	if cmd.IsSet("width") {
		prefs.Editor.Width = cmd.String("width")
	}

	if cmd.IsSet("recent") {
		prefs.RecentFiles = cmd.StringSlice("recent")
	}

	if cmd.IsSet("custom") {
		if prefs.Custom == nil {
			prefs.Custom = make(map[string]string)
		}

		for key, value := range cmd.StringMap("custom") {
			prefs.Custom[key] = value
		}
	}
}

func settingsSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Reconcile local and remote preferences now",
		Action: withEngine(func(ctx context.Context, _ *cli.Command, eng *engine) error {
			outcome, err := eng.settings.SyncSettings(ctx)
			if err != nil {
				return fmt.Errorf("sync settings: %w", err)
			}

			fmt.Fprintln(os.Stdout, outcome)

			return nil
		}),
	}
}

func settingsDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "Delete preferences locally and remotely",
		Action: withEngine(func(ctx context.Context, _ *cli.Command, eng *engine) error {
			if err := eng.settings.DeleteSettings(ctx); err != nil {
				return fmt.Errorf("delete settings: %w", err)
			}

			fmt.Fprintln(os.Stdout, "Settings deleted")

			return nil
		}),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}

	return nil
}
