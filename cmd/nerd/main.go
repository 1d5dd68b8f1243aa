// Package main implements the nerd CLI: rule checking, offline cycles
// over fact files, decision queries, proof trees and the decision server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nerdkernel/internal/config"
	"nerdkernel/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger = zap.NewNop()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nerd",
	Short: "nerd - logic-first policy kernel for coding agents",
	Long: `nerd evaluates a stratified Datalog policy over the agent's facts and
decides what happens next: which action to take, which shard to delegate to,
which actions the constitution allows, and which context each shard sees.

Logic determines reality; shards merely carry it out.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(whyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(strataCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(campaignCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

// resolveWorkspace returns the --workspace flag or the working directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, _ := os.Getwd()
	return cwd
}

// loadConfig reads the workspace config and starts category logging.
func loadConfig(ws string) (*config.Config, error) {
	cfg, err := config.Load(config.DefaultConfigPath(ws))
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(cfg.Logging.Options(ws)); err != nil {
		logger.Warn("Category logging disabled", zap.Error(err))
	}
	return cfg, nil
}

// resolvePath anchors a configured path at the workspace.
func resolvePath(ws, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ws, p)
}
