package cmd

import (
	"FinDocAnalyzer/internal/coordinator"
	"fmt"

	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create or migrate the job store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Open 会执行迁移并创建索引
		app, _, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "job store ready (%s)\n", app.Config.Storage.Driver)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-drive jobs stuck in pending or processing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()
		storage, err := app.Artifacts(ctx)
		if err != nil {
			return err
		}
		exec, err := app.Executor(ctx, storage, app.Config.Maintenance.ReconcileLeaseDuration())
		if err != nil {
			return err
		}
		report, err := app.Reconciler(exec).Reconcile(ctx)
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		return err
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete analyses older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()
		storage, err := app.Artifacts(ctx)
		if err != nil {
			return err
		}
		report, err := app.Sweeper(storage).Sweep(ctx)
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		return err
	},
}

var enqueueCleanupCmd = &cobra.Command{
	Use:   "enqueue-cleanup",
	Short: "Publish one cleanup task for the workers instead of sweeping locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()
		id, err := app.Scheduler().EnqueueCleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleanup task published: %s\n", id)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [analysis-id]",
	Short: "Show the status of one analysis, or list the latest ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()
		views := coordinator.New(app.Store)
		if len(args) == 1 {
			v, err := views.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		v, err := views.List(ctx, coordinator.ListQuery{Status: status, Limit: limit})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func init() {
	statusCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	statusCmd.Flags().Int("limit", coordinator.DefaultLimit, "number of analyses to list")

	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(enqueueCleanupCmd)
	rootCmd.AddCommand(statusCmd)
}
