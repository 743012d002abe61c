package cmd

import (
	"FinDocAnalyzer/internal/bootstrap"
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "analyzerctl",
	Short: "Administrative commands for the financial document analyzer",
	Long:  `Runs maintenance against the job store directly: schema setup, stuck-job recovery, retention sweeps and status lookups.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "analyzerctl: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "path to the YAML configuration")
}

// openApp loads the configuration and connects the store and broker.
func openApp(ctx context.Context) (*bootstrap.App, *logger.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := bootstrap.InitLogger(cfg, "AnalyzerCtl")
	if err != nil {
		return nil, nil, err
	}
	app, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return app, log, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
