package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// print writes the raw JSON when --json is set, else calls human.
func (c *commandContext) print(cmd *cobra.Command, raw []byte, human func(w io.Writer) error) error {
	if *c.jsonFlag || human == nil {
		_, err := cmd.OutOrStdout().Write(raw)
		return err
	}
	return human(cmd.OutOrStdout())
}

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered foreground and background templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Foregrounds []string `json:"foregrounds"`
				Backgrounds []string `json:"backgrounds"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, "/admin/templates", nil, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error {
				fmt.Fprintf(w, "Foregrounds: %s\n", strings.Join(out.Foregrounds, ", "))
				fmt.Fprintf(w, "Backgrounds: %s\n", strings.Join(out.Backgrounds, ", "))
				return nil
			})
		},
	}
}

type featureList struct {
	UserID  string   `json:"user_id"`
	Enabled []string `json:"enabled"`
}

func printFeatures(w io.Writer, f featureList) error {
	if len(f.Enabled) == 0 {
		_, err := fmt.Fprintf(w, "%s: no features enabled\n", f.UserID)
		return err
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", f.UserID, strings.Join(f.Enabled, ", "))
	return err
}

func newFeaturesCommand(ctx *commandContext) *cobra.Command {
	featuresCmd := &cobra.Command{
		Use:   "features",
		Short: "List, enable or disable a user's features",
	}
	featuresCmd.AddCommand(&cobra.Command{
		Use:   "list <user>",
		Short: "Show enabled features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out featureList
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, userPath(args[0], "features"), nil, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error { return printFeatures(w, out) })
		},
	})
	toggle := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <user> <kind>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out featureList
				raw, err := ctx.client().do(cmd.Context(), method, userPath(args[0], "features", args[1]), nil, &out)
				if err != nil {
					return err
				}
				return ctx.print(cmd, raw, func(w io.Writer) error { return printFeatures(w, out) })
			},
		}
	}
	featuresCmd.AddCommand(toggle("enable", "Enable a feature", http.MethodPut))
	featuresCmd.AddCommand(toggle("disable", "Disable a feature", http.MethodDelete))
	return featuresCmd
}

func newSettingsCommand(ctx *commandContext) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or replace a user's banner settings",
	}
	settingsCmd.AddCommand(&cobra.Command{
		Use:   "get <user>",
		Short: "Print banner settings as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, userPath(args[0], "settings"), nil, nil)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, nil)
		},
	})

	var file string
	setCmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Replace banner settings from a JSON file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if file == "" || file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return errors.New("settings must be valid JSON")
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPut, userPath(args[0], "settings"), body, nil)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, nil)
		},
	}
	setCmd.Flags().StringVarP(&file, "file", "f", "-", "Settings JSON file")
	settingsCmd.AddCommand(setCmd)

	var outPath string
	previewCmd := &cobra.Command{
		Use:   "preview <user>",
		Short: "Render the user's banner to a PNG file without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, userPath(args[0], "preview"), nil, nil)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = args[0] + "-banner.png"
			}
			if err := os.WriteFile(outPath, raw, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", outPath, len(raw))
			return nil
		},
	}
	previewCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default <user>-banner.png)")
	settingsCmd.AddCommand(previewCmd)
	return settingsCmd
}

type transitionOutput struct {
	UserID       string   `json:"user_id"`
	Direction    string   `json:"direction"`
	Phase        string   `json:"phase"`
	Duplicate    bool     `json:"duplicate"`
	Skipped      bool     `json:"skipped"`
	Reason       string   `json:"reason"`
	BackupReused bool     `json:"backup_reused"`
	Warnings     []string `json:"warnings"`
}

func newTransitionCommand(ctx *commandContext) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:       "transition <user> <up|down>",
		Short:     "Run a banner transition for a user",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"direction": args[1], "force": force}
			var out transitionOutput
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, userPath(args[0], "transitions"), body, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error {
				status := "applied"
				switch {
				case out.Duplicate:
					status = "already " + out.Phase
				case out.Skipped:
					status = "skipped: " + out.Reason
				}
				fmt.Fprintf(w, "%s %s: %s (phase %s)\n", out.UserID, out.Direction, status, out.Phase)
				if out.BackupReused {
					fmt.Fprintln(w, "  live image was unreadable, existing backup kept")
				}
				for _, warn := range out.Warnings {
					fmt.Fprintf(w, "  warning: %s\n", warn)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", true, "Run even if the user is already in the target phase")
	return cmd
}

func newStateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "state <user>",
		Short: "Show a user's phase and enabled features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				UserID    string    `json:"user_id"`
				Phase     string    `json:"phase"`
				UpdatedAt time.Time `json:"updated_at"`
				Enabled   []string  `json:"enabled"`
				Active    int       `json:"renders_active"`
				Limit     int       `json:"renders_limit"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, userPath(args[0], "state"), nil, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "User\t%s\n", out.UserID)
				fmt.Fprintf(tw, "Phase\t%s\n", out.Phase)
				if !out.UpdatedAt.IsZero() {
					fmt.Fprintf(tw, "Updated\t%s\n", out.UpdatedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "Features\t%s\n", strings.Join(out.Enabled, ", "))
				fmt.Fprintf(tw, "Renders\t%d/%d\n", out.Active, out.Limit)
				return tw.Flush()
			})
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "List recent transitions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Transitions []struct {
					ID        string    `json:"id"`
					Direction string    `json:"direction"`
					Forced    bool      `json:"forced"`
					Outcome   string    `json:"outcome"`
					Error     string    `json:"error"`
					CreatedAt time.Time `json:"created_at"`
				} `json:"transitions"`
			}
			path := userPath(args[0], "transitions") + "?limit=" + strconv.Itoa(limit)
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, path, nil, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error {
				if len(out.Transitions) == 0 {
					_, err := fmt.Fprintln(w, "No transitions recorded")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tDIRECTION\tFORCED\tOUTCOME\tERROR")
				for _, e := range out.Transitions {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Direction, e.Forced, e.Outcome, e.Error)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	return cmd
}

func newSubscribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <user>",
		Short: "Create the stream.online/offline EventSub subscriptions for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Callback string `json:"callback"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, userPath(args[0], "subscribe"), nil, &out)
			if err != nil {
				return err
			}
			return ctx.print(cmd, raw, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "subscribed %s, callback %s\n", args[0], out.Callback)
				return err
			})
		},
	}
}

func newDeleteUserCommand(ctx *commandContext) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-user <user>",
		Short: "Remove every image, setting and token stored for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			if _, err := ctx.client().do(cmd.Context(), http.MethodDelete, userPath(args[0]), nil, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}
