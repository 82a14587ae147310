package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RossTaxPrep/efile_layer/internal/app/runtime"
	"github.com/RossTaxPrep/efile_layer/internal/cli"
	"github.com/RossTaxPrep/efile_layer/internal/harness"
	"github.com/RossTaxPrep/efile_layer/internal/platform/migrations"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
)

var (
	serveSimulate bool

	validateType string
	validateYear int
	validateEnv  string
	validateJSON bool

	harnessRemote  bool
	harnessJSON    bool
	harnessTaxYear int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the acknowledgment poller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application, err := runtime.NewApplication(cfg, runtime.Options{Simulate: serveSimulate})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runErr := application.Run(ctx)
		shutdownErr := application.Shutdown(context.Background())
		return errors.Join(runErr, shutdownErr)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := runtime.OpenDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := migrations.Apply(cmd.Context(), db); err != nil {
			return err
		}
		names, _ := migrations.Names()
		cli.NewPrinter(cmd.OutOrStdout()).Success("applied %d migrations", len(names))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a return document without transmitting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		env := validateEnv
		if env == "" {
			env = string(cfg.MeF.Environment)
		}

		v := schema.New(schema.WithTaxYearWindow(cfg.MeF.TaxYearWindow))
		res, err := v.Validate(doc, validateType, schema.Context{TaxYear: validateYear, Environment: env})
		if err != nil {
			return err
		}
		if validateJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			cli.NewPrinter(cmd.OutOrStdout()).Validation(strings.ToUpper(validateType), res)
		}
		if !res.Valid {
			return errors.New("document failed validation")
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Pull new acknowledgments once and sweep stale pending transmissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application, err := runtime.NewApplication(cfg, runtime.Options{SkipServices: true})
		if err != nil {
			return err
		}
		defer application.Shutdown(context.Background())

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Reconcile.Timeout)
		defer cancel()
		out := cli.NewPrinter(cmd.OutOrStdout())
		reconciler := application.App().Reconciler

		applied, newErr := reconciler.ReconcileNew(ctx)
		out.Info("applied %d new acknowledgments", len(applied))
		if deferred := reconciler.Deferred(); len(deferred) > 0 {
			out.Warning("deferred %d acknowledgments: %s", len(deferred), strings.Join(deferred, ", "))
		}

		summary, sweepErr := reconciler.ReconcilePending(ctx, cfg.Reconcile.StaleAfter)
		out.Info("pending sweep: %d checked, %d resolved, %d failed", summary.Checked, summary.Resolved, summary.Failed)

		if err := errors.Join(newErr, sweepErr); err != nil {
			out.Error("%v", err)
			return err
		}
		out.Success("reconciliation complete")
		return nil
	},
}

var harnessCmd = &cobra.Command{
	Use:   "harness",
	Short: "Run the ATS scenario suite",
	Long: `Runs the ATS scenarios against an in-process simulator, or against the
configured ATS endpoint with --remote. Production configurations are refused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application, err := runtime.NewApplication(cfg, runtime.Options{Simulate: !harnessRemote, SkipServices: true})
		if err != nil {
			return err
		}
		defer application.Shutdown(context.Background())

		var opts []harness.Option
		if harnessTaxYear > 0 {
			opts = append(opts, harness.WithTaxYear(harnessTaxYear))
		}
		h, err := application.Harness(opts...)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		suite := h.Run(ctx)
		if harnessJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(suite); err != nil {
				return err
			}
		} else {
			cli.NewPrinter(cmd.OutOrStdout()).Suite(suite)
		}
		if !suite.OK() {
			return fmt.Errorf("%d scenarios failed", suite.Failed)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "route MeF traffic to an in-process simulator")

	validateCmd.Flags().StringVarP(&validateType, "type", "t", "1040", "return type (1040, 1120, 1120-S, 1065, 1041, ...)")
	validateCmd.Flags().IntVarP(&validateYear, "year", "y", 0, "expected tax year (0 uses the document's)")
	validateCmd.Flags().StringVar(&validateEnv, "env", "", "environment rules to apply (ATS or PRODUCTION)")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the result as JSON")

	harnessCmd.Flags().BoolVar(&harnessRemote, "remote", false, "run against the configured ATS endpoint")
	harnessCmd.Flags().BoolVar(&harnessJSON, "json", false, "print the suite result as JSON")
	harnessCmd.Flags().IntVar(&harnessTaxYear, "tax-year", 0, "tax year used by the generated returns")
}
