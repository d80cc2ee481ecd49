package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type commandContext struct {
	serverFlag *string
	tokenFlag  *string
	jsonFlag   *bool
}

func (c *commandContext) client() *adminClient {
	server := strings.TrimSpace(*c.serverFlag)
	if server == "" {
		server = os.Getenv("BANNER_SERVER")
	}
	if server == "" {
		server = defaultServer
	}
	token := *c.tokenFlag
	if token == "" {
		token = os.Getenv("ADMIN_TOKEN")
	}
	return newAdminClient(server, token)
}

func newRootCommand() *cobra.Command {
	var serverFlag, tokenFlag string
	var jsonFlag bool
	ctx := &commandContext{serverFlag: &serverFlag, tokenFlag: &tokenFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "bannerctl",
		Short:         "Manage live banners through the admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Banner service base URL (default $BANNER_SERVER or "+defaultServer+")")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Admin token (default $ADMIN_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(newTemplatesCommand(ctx))
	rootCmd.AddCommand(newFeaturesCommand(ctx))
	rootCmd.AddCommand(newSettingsCommand(ctx))
	rootCmd.AddCommand(newTransitionCommand(ctx))
	rootCmd.AddCommand(newStateCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newSubscribeCommand(ctx))
	rootCmd.AddCommand(newDeleteUserCommand(ctx))
	return rootCmd
}
