// Package cmd implements the cipp-engine command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/config"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/logger"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

const (
	// Version is the current release.
	Version = "0.3.0"
	// Banner is printed on startup unless --quiet is set.
	Banner = `
   ___ ___ ___ ___
  / __|_ _| _ \ _ \   CIPP engine %s
 | (__ | ||  _/  _/
  \___|___|_| |_|
`
)

var (
	cfgFile   string
	debug     bool
	quiet     bool
	overrides []string
)

var rootCmd = &cobra.Command{
	Use:   "cipp-engine",
	Short: "Distributed image processing engine",
	Long: `cipp-engine splits image processing work across local goroutines and
remote workers. A coordinator owns the queues, remote workers connect to it
over TCP, and the run command processes a batch of files in one process.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "override a configuration value, e.g. --set worker.slots=4")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd returns the root command, for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig applies defaults, the config file, the environment and the
// --set overrides, in that order.
func loadConfig() (*config.Config, error) {
	args := make(map[string]string, len(overrides))
	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", o)
		}
		args[key] = value
	}

	loader := config.NewLoader().WithCmdArgs(args)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	switch {
	case debug:
		cfg.Logging.Level = "debug"
	case quiet:
		cfg.Logging.Level = "warn"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg *config.LoggingConfig) *zap.Logger {
	logger.Init(&logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
	return logger.L()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printBanner() {
	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
	}
}

// logObserver writes coordinator notifications to the log.
type logObserver struct {
	types.NoopObserver
	logger *zap.Logger
}

func (o *logObserver) OnMessage(text string) {
	o.logger.Info(text)
}

func (o *logObserver) OnWorkerJoined(name string) {
	o.logger.Info("worker joined", zap.String("worker", name))
}

func (o *logObserver) OnWorkerLeft(name string) {
	o.logger.Info("worker left", zap.String("worker", name))
}

func (o *logObserver) OnAllWorkDone() {
	o.logger.Info("all work done")
}
