package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
)

// runWithApplication wires the services for one CLI operation. CLI operators
// are trusted, so every capability check passes.
func runWithApplication(cmd *cobra.Command, options *cliOptions, run func(ctx context.Context, app *application) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext(cmd)
	defer stop()

	app, err := newApplication(ctx, options.cfg, logger, access.Unrestricted{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("close application", zap.Error(closeErr))
		}
	}()
	return run(ctx, app)
}

func newServeCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := options.cfg.ValidateServer(); err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServer(cmd, options, logger)
		},
	}
}

func runServer(cmd *cobra.Command, options *cliOptions, logger *zap.Logger) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	app, err := newApplication(ctx, options.cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("close application", zap.Error(closeErr))
		}
	}()

	httpServer, err := httpapi.NewServer(options.cfg, logger, httpapi.Dependencies{
		Payments:   app.payments,
		Settlement: app.settlement,
		Diagnoser:  app.analyzer,
		Sessions:   app.store,
		Balances:   app.charges,
		Authorizer: app.store,
	})
	if err != nil {
		return err
	}

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	healthServer, err := grpcserver.NewHealthServer(sqlDB, logger)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", options.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", options.cfg.GRPCListenAddr, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.Run(serveCtx) }()
	go func() { errCh <- grpcserver.Serve(serveCtx, listener, healthServer, logger) }()

	// Either server stopping takes the other one down.
	firstErr := <-errCh
	cancel()
	secondErr := <-errCh
	return errors.Join(firstErr, secondErr)
}

func newSettleCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <session-id>",
		Short: "Charge every unpaid Bridge Credits entry of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return runWithApplication(cmd, options, func(ctx context.Context, app *application) error {
				result, err := app.settlement.SettleBridgeCredits(ctx, options.actor, sessionID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "session %d: %d charged, %d failed, status %s\n", sessionID, result.SuccessCount, len(result.Failures), result.Status)
				for _, failure := range result.Failures {
					fmt.Fprintf(out, "  entry %d %s %s: %v\n", failure.EntryID, failure.Participant, failure.Amount.StringFixed(2), failure.Reason)
				}
				return nil
			})
		},
	}
}

func newOffSystemCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "off-system <session-id>",
		Short: "Mark cash, IOU and other off-system payments of a session as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return runWithApplication(cmd, options, func(ctx context.Context, app *application) error {
				result, err := app.payments.ProcessOffSystemPayments(ctx, options.actor, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %d: %d entries and %d misc payments marked paid, status %s\n",
					sessionID, result.EntriesMarked, result.MiscPaymentsMarked, result.Status)
				return nil
			})
		},
	}
}

func newRecalculateCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate <session-id>",
		Short: "Recompute the payment status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return runWithApplication(cmd, options, func(ctx context.Context, app *application) error {
				status, err := app.payments.RecalculateStatus(ctx, options.actor, sessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %d: status %s\n", sessionID, status)
				return nil
			})
		},
	}
}

func newHealthCheckCommand(options *cliOptions) *cobra.Command {
	var fromDate string
	var outputPath string
	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Compare ledger payments with session fees since a date and write a CSV report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := reconcile.ParseDate(fromDate)
			if err != nil {
				return err
			}
			return runWithApplication(cmd, options, func(ctx context.Context, app *application) error {
				report, err := app.analyzer.RunHealthCheck(ctx, from)
				if err != nil {
					return err
				}
				if err := writeReport(cmd.OutOrStdout(), outputPath, report); err != nil {
					return err
				}
				if app.alerter != nil {
					return app.alerter.AlertHealthCheck(ctx, report)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fromDate, flagFromDate, "", "first session date to check (YYYY-MM-DD)")
	cmd.Flags().StringVar(&outputPath, flagOutput, "", "write the CSV here instead of stdout")
	_ = cmd.MarkFlagRequired(flagFromDate)
	return cmd
}

func writeReport(stdout io.Writer, outputPath string, report reconcile.Report) error {
	if outputPath == "" {
		return reconcile.WriteCSV(stdout, report)
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := reconcile.WriteCSV(file, report); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func newDiagnoseCommand(options *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <session-id>",
		Short: "Print the fee and payment breakdown of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionID(args[0])
			if err != nil {
				return err
			}
			return runWithApplication(cmd, options, func(ctx context.Context, app *application) error {
				return app.analyzer.Diagnose(ctx, cmd.OutOrStdout(), sessionID)
			})
		},
	}
}
