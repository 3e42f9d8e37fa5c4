package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/config"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/slave"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/logger"
)

var (
	workerName        string
	workerCoordinator string
	workerSlots       int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage remote workers",
	Long:  `A remote worker connects to a coordinator listener and executes the tasks it is given.`,
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a remote worker",
	Example: `  cipp-engine worker start --coordinator 10.0.0.1:5150 --slots 4
  cipp-engine worker start --name render-02`,
	RunE: runWorkerStart,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerStartCmd)

	f := workerStartCmd.Flags()
	f.StringVar(&workerName, "name", "", "name announced to the coordinator, defaults to the host name")
	f.StringVar(&workerCoordinator, "coordinator", "", "coordinator listener address")
	f.IntVar(&workerSlots, "slots", 0, "tasks executed at once")
}

// workerConfig maps the file configuration onto the worker process.
func workerConfig(cfg *config.Config) *slave.Config {
	wc := slave.DefaultConfig()
	wc.Name = cfg.Worker.Name
	wc.CoordinatorAddr = cfg.Worker.CoordinatorAddr
	wc.Slots = cfg.Worker.Slots
	wc.DialTimeout = cfg.Worker.DialTimeout
	wc.ReconnectInterval = cfg.Worker.ReconnectInterval
	wc.MaxFrameSize = cfg.Protocol.MaxFrameSize
	wc.CompressThreshold = cfg.Protocol.CompressThreshold
	wc.WriteTimeout = cfg.Protocol.WriteTimeout

	if wc.Name == "" {
		if host, err := os.Hostname(); err == nil {
			wc.Name = host
		} else {
			wc.Name = "worker"
		}
	}
	return wc
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Worker.Name = workerName
	}
	if flags.Changed("coordinator") {
		cfg.Worker.CoordinatorAddr = workerCoordinator
	}
	if flags.Changed("slots") {
		cfg.Worker.Slots = workerSlots
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	log := initLogger(&cfg.Logging)
	defer logger.Sync()

	wc := workerConfig(cfg)
	w, err := slave.NewRemoteWorker(wc, plugin.Builtin(), metrics.NewRecorder(), log.Named("worker"))
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	defer w.Close()

	ctx, cancel := signalContext()
	defer cancel()

	printBanner()
	log.Info("worker starting",
		zap.String("name", wc.Name), zap.String("coordinator", wc.CoordinatorAddr), zap.Int("slots", wc.Slots))

	err = w.Run(ctx)
	stats := w.Stats()
	log.Info("worker stopped",
		zap.Int64("sessions", stats.Sessions),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped", stats.Dropped))
	return err
}
