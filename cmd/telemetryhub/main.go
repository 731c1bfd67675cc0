package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/router-for-me/TelemetryHub/internal/app"
	"github.com/router-for-me/TelemetryHub/internal/config"
	"github.com/router-for-me/TelemetryHub/internal/security"
	"github.com/spf13/cobra"

	_ "time/tzdata"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := newRootCommand().ExecuteContext(ctx); errRun != nil {
		fmt.Fprintln(os.Stderr, errRun)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var appCfg config.AppConfig
	root := &cobra.Command{
		Use:           "telemetryhub",
		Short:         "Device telemetry ingestion and automation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&appCfg.ConfigPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run ingestion, automation and the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.RunServer(cmd.Context(), appCfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update database tables",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.Migrate(cmd.Context(), appCfg)
			},
		},
		schemaCommand(&appCfg),
		workflowCommand(&appCfg),
		tokenCommand(&appCfg),
	)
	return root
}

func parseID(raw string) (uint64, error) {
	id, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func schemaCommand(appCfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Manage device schema versions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "activate <version-id>",
		Short: "Validate derived parameters and activate a schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, errID := parseID(args[0])
			if errID != nil {
				return errID
			}
			version, errActivate := app.ActivateSchemaVersion(cmd.Context(), *appCfg, id)
			if errActivate != nil {
				return errActivate
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d is %s\n", version.ID, version.Status)
			return nil
		},
	})
	return cmd
}

func workflowCommand(appCfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Manage automation workflows"}
	cmd.AddCommand(&cobra.Command{
		Use:   "publish <version-id>",
		Short: "Publish a workflow version and compile its triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, errID := parseID(args[0])
			if errID != nil {
				return errID
			}
			version, errPublish := app.PublishWorkflowVersion(cmd.Context(), *appCfg, id)
			if errPublish != nil {
				return errPublish
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow version %d published (checksum %s)\n", version.ID, version.GraphChecksum)
			return nil
		},
	})
	return cmd
}

func tokenCommand(appCfg *config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue API tokens"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "device <device-uuid>",
			Short: "Issue an ingest token for a device",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				token, errToken := app.IssueDeviceToken(cmd.Context(), *appCfg, args[0])
				if errToken != nil {
					return errToken
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			},
		},
		&cobra.Command{
			Use:   "admin <username>",
			Short: "Issue an operator token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				token, errToken := app.IssueAdminToken(*appCfg, args[0])
				if errToken != nil {
					return errToken
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			},
		},
		&cobra.Command{
			Use:   "secret",
			Short: "Generate a random jwt.secret value",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				secret, errSecret := security.GenerateSigningSecret()
				if errSecret != nil {
					return errSecret
				}
				fmt.Fprintln(cmd.OutOrStdout(), secret)
				return nil
			},
		},
	)
	return cmd
}
