package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlexDorobantiu/CIPP-sub000/api/rest"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/output"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/logger"
)

var (
	coordListen       []string
	coordGranularity  string
	coordLocalWorkers int
	coordHTTPAddress  string
	coordNoHTTP       bool
	coordOutputDir    string
	coordOutputFormat string
	coordProcess      bool
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Manage the coordinator",
	Long:  `The coordinator owns the command queues, splits work and hands tasks to local and remote workers.`,
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a coordinator",
	Long: `Start a coordinator accepting remote workers on the configured listeners.

Commands are submitted over the REST API. Finished images and motion vectors
are written to --output when set.`,
	Example: `  # default listener :5150 and REST API on :8080
  cipp-engine coordinator start

  # two worker listeners, start processing immediately
  cipp-engine coordinator start --listen :5150 --listen :5151 --process

  # save results and split twice per compute unit
  cipp-engine coordinator start --output ./out --granularity double`,
	RunE: runCoordinatorStart,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.AddCommand(coordinatorStartCmd)

	f := coordinatorStartCmd.Flags()
	f.StringSliceVar(&coordListen, "listen", nil, "worker listener address, one client per address (repeatable)")
	f.StringVar(&coordGranularity, "granularity", "", "split granularity: none, compute-units or double")
	f.IntVar(&coordLocalWorkers, "local-workers", 0, "local worker loops, 0 means one per compute unit")
	f.StringVar(&coordHTTPAddress, "http-address", "", "REST API address")
	f.BoolVar(&coordNoHTTP, "no-http", false, "disable the REST API")
	f.StringVar(&coordOutputDir, "output", "", "directory receiving finished images and motion vectors")
	f.StringVar(&coordOutputFormat, "format", "png", "image format of saved results")
	f.BoolVar(&coordProcess, "process", false, "start processing at once")
}

func runCoordinatorStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Coordinator.Listen = coordListen
	}
	if flags.Changed("granularity") {
		cfg.Coordinator.Granularity = coordGranularity
	}
	if flags.Changed("local-workers") {
		cfg.Coordinator.LocalWorkers = coordLocalWorkers
	}
	if flags.Changed("http-address") {
		cfg.Server.Address = coordHTTPAddress
	}
	if coordNoHTTP {
		cfg.Server.Enabled = false
	}

	log := initLogger(&cfg.Logging)
	defer logger.Sync()

	coord, err := master.NewCoordinator(cfg, plugin.Builtin(), log.Named("coordinator"))
	if err != nil {
		return err
	}
	coord.AddObserver(&logObserver{logger: log.Named("events")})
	if coordOutputDir != "" {
		writer, err := output.NewWriter(coordOutputDir, coordOutputFormat, log.Named("output"))
		if err != nil {
			return err
		}
		coord.AddObserver(writer)
	}

	ctx, cancel := signalContext()
	defer cancel()

	printBanner()
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	log.Info("coordinator started", zap.Strings("listeners", coord.Addrs()))

	if coordProcess {
		if err := coord.StartProcessing(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		server := rest.NewServer(coord, &cfg.Server, log.Named("rest"))
		g.Go(func() error {
			return server.StartWithContext(gctx)
		})
	}
	g.Go(func() error {
		for ev := range coord.Registry().Watch(gctx) {
			log.Info("worker registry changed",
				zap.String("event", string(ev.Type)),
				zap.String("worker", ev.Worker.Name),
				zap.String("address", ev.Worker.Address),
				zap.String("listener", ev.Worker.Listener),
				zap.Int("connected", coord.Registry().Count()))
		}
		return nil
	})

	err = g.Wait()
	log.Info("shutting down coordinator")
	if stopErr := coord.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}
