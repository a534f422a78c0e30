package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/auth"
	"github.com/global-data-controller/wesflow/internal/bootstrap"
	"github.com/global-data-controller/wesflow/internal/config"
	"github.com/global-data-controller/wesflow/internal/models"
	"github.com/global-data-controller/wesflow/internal/service"
	"github.com/global-data-controller/wesflow/internal/storage"
)

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "wesflow",
		Short:         "Workflow execution orchestrator for WES engines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCommand(&configFile),
		newMigrateCommand(&configFile),
		newExecCommand(&configFile),
	)
	return root
}

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job worker, the scheduler and the operational server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, *configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			logger := bs.Logger
			logger.Info(ctx, "wesflow starting",
				zap.String("version", version),
				zap.String("config_file", *configFile))

			if err := bs.Start(ctx); err != nil {
				_ = bs.Stop(context.Background())
				return fmt.Errorf("failed to start components: %w", err)
			}

			<-ctx.Done()
			logger.Info(context.Background(), "Shutdown signal received, stopping gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), bs.Config.Server.ShutdownTimeout+5*time.Second)
			defer cancel()
			if err := bs.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			return nil
		},
	}
}

func newMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Manage the Postgres schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			cfg, err := config.LoadFromFile(*configFile)
			if err != nil {
				return err
			}
			if cfg.Database.Backend != config.BackendPostgres {
				return fmt.Errorf("migrations need the postgres database backend, configured %q", cfg.Database.Backend)
			}

			ctx := cmd.Context()
			db, err := storage.Open(ctx, cfg.Database.DatabaseConfig)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.MigrateCommand(ctx, db.DB, command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", command)
			return nil
		},
	}
}

// principalFlags describes the acting principal of a single operation
type principalFlags struct {
	id         string
	roles      []string
	automation bool
}

func (p *principalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&p.id, "principal", "", "ID of the acting principal")
	fs.StringSliceVar(&p.roles, "role", nil, "role of the acting principal (repeatable)")
	fs.BoolVar(&p.automation, "automation", false, "act as an automation principal")
}

func (p *principalFlags) principal() models.Principal {
	return models.Principal{ID: p.id, Roles: p.roles, Automation: p.automation}
}

func operationNames() []string {
	names := make([]string, 0, len(service.Operations))
	for _, op := range service.Operations {
		names = append(names, string(op))
	}
	return names
}

func newExecCommand(configFile *string) *cobra.Command {
	var flags principalFlags

	cmd := &cobra.Command{
		Use:       "exec <operation> <execution-id>",
		Short:     "Run one lifecycle operation synchronously",
		Long:      "Run one lifecycle operation synchronously. Operations: " + fmt.Sprint(operationNames()),
		Args:      cobra.ExactArgs(2),
		ValidArgs: operationNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op, id := service.Operation(args[0]), args[1]

			bs := bootstrap.New()
			if err := bs.Initialize(ctx, *configFile); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer func() { _ = bs.Stop(context.Background()) }()

			res, err := bs.Service.Execute(ctx, flags.principal(), op, id)
			if err != nil {
				var denied *auth.DeniedError
				if errors.As(err, &denied) {
					return fmt.Errorf("permission denied: %w", err)
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), res.String())
			if !res.OK {
				return fmt.Errorf("%s failed: %s", op, res.Kind)
			}
			return nil
		},
	}
	flags.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}
