package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drblury/workerpool"
	"github.com/drblury/workerpool/internal/runtime/config"
	"github.com/drblury/workerpool/internal/runtime/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "workerpool",
		Short: "Worker pool runtime",
		Long:  "workerpool consumes broker messages and hands them to pools of external worker processes.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML, JSON or TOML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides log_level)")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	load := func(cmd *cobra.Command) (*config.Config, error) {
		path, _ := cmd.Flags().GetString("config")
		return config.LoadWith(v, path)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every configured pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			zl, err := logging.NewZapLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = zl.Sync() }()
			logger := workerpool.NewZapServiceLogger(zl)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := workerpool.NewService(ctx, cfg, logger, workerpool.ServiceDependencies{
				Hooks: workerpool.LoggingHooks(logger),
			})
			if err != nil {
				logger.Error("service setup failed", err, nil)
				return err
			}

			logger.Info("service starting", workerpool.LogFields{
				"broker_system": cfg.BrokerSystem,
				"pools":         len(cfg.Pools),
				"version":       version,
			})
			if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("service stopped", err, nil)
				return err
			}
			zl.Info("service stopped", zap.String("version", version))
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}

	echoCmd := &cobra.Command{
		Use:   "echo-worker",
		Short: "Act as a child worker that replies with every message it receives",
		Long: "echo-worker speaks the worker side of the IPC protocol on stdin and the announced socket. " +
			"It is meant as a command_line for smoke tests of a deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEchoWorker(cmd.Context(), cmd.InOrStdin())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, echoCmd, versionCmd)
	return rootCmd
}

// runEchoWorker answers every task with its own body as the reply.
func runEchoWorker(ctx context.Context, stdin io.Reader) error {
	return workerpool.NewClient(stdin).Run(ctx, func(_ context.Context, task workerpool.InputTask, _ workerpool.ProgressFunc) workerpool.OutputTask {
		return workerpool.OutputTask{
			Status:  workerpool.StatusMessageDoneWithReply,
			Message: task.Message,
			Headers: map[string]any{"echoed-from": task.OriginalQueueName},
		}
	})
}
