package cmd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/input"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/output"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/logger"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

var (
	runPlugin       string
	runKind         string
	runArgs         []string
	runOutputDir    string
	runOutputFormat string
	runListen       []string
	runLocalWorkers int
	runGranularity  string
)

var runCmd = &cobra.Command{
	Use:   "run <image>...",
	Short: "Process images in a single process",
	Long: `Apply one plugin to the given images and save the results.

Filters and masks produce one output per image. A motion plugin treats the
images as consecutive frames and writes the vector sets as JSON. With
--listen, remote workers may join while the batch runs.`,
	Example: `  cipp-engine run --plugin sobel photo.jpg
  cipp-engine run --plugin gaussian_blur --arg 2.5 --output ./out *.png
  cipp-engine run --plugin block_matching --arg 16 --arg 8 frame1.png frame2.png frame3.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImages,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runPlugin, "plugin", "p", "", "plugin name (see the plugins command)")
	f.StringVar(&runKind, "kind", "", "expected plugin kind: filter, mask or motion")
	f.StringArrayVarP(&runArgs, "arg", "a", nil, "plugin argument, in order (repeatable)")
	f.StringVarP(&runOutputDir, "output", "o", "out", "output directory")
	f.StringVar(&runOutputFormat, "format", "png", "image format of saved results")
	f.StringSliceVar(&runListen, "listen", nil, "also accept remote workers on these addresses")
	f.IntVar(&runLocalWorkers, "local-workers", 0, "local worker loops, 0 means one per compute unit")
	f.StringVar(&runGranularity, "granularity", "", "split granularity: none, compute-units or double")
	_ = runCmd.MarkFlagRequired("plugin")
}

// batchObserver counts failures and signals when the batch drained.
type batchObserver struct {
	types.NoopObserver

	mu     sync.Mutex
	failed []error
	done   chan struct{}
	once   sync.Once
}

func newBatchObserver() *batchObserver {
	return &batchObserver{done: make(chan struct{})}
}

func (b *batchObserver) OnImageProduced(out *types.Output) {
	if out.Err != nil {
		b.fail(out.Err)
	}
}

func (b *batchObserver) OnMotionProduced(m *types.Motion) {
	if m.Err != nil {
		b.fail(m.Err)
	}
}

func (b *batchObserver) OnAllWorkDone() {
	b.once.Do(func() { close(b.done) })
}

func (b *batchObserver) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, err)
}

func (b *batchObserver) errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.failed...)
}

func runImages(cmd *cobra.Command, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Coordinator.Listen = runListen
	if cmd.Flags().Changed("local-workers") {
		cfg.Coordinator.LocalWorkers = runLocalWorkers
	}
	if cmd.Flags().Changed("granularity") {
		cfg.Coordinator.Granularity = runGranularity
	}

	log := initLogger(&cfg.Logging)
	defer logger.Sync()

	catalog := plugin.Builtin()
	commands, err := input.Build(catalog, &input.Request{
		Kind:      runKind,
		Plugin:    runPlugin,
		Arguments: runArgs,
		Paths:     paths,
	})
	if err != nil {
		return err
	}

	writer, err := output.NewWriter(runOutputDir, runOutputFormat, log.Named("output"))
	if err != nil {
		return err
	}

	coord, err := master.NewCoordinator(cfg, catalog, log.Named("coordinator"))
	if err != nil {
		return err
	}
	batch := newBatchObserver()
	coord.AddObserver(&logObserver{logger: log.Named("events")})
	coord.AddObserver(writer)
	coord.AddObserver(batch)

	ctx, cancel := signalContext()
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	coord.Submit(commands...)
	if err := coord.StartProcessing(); err != nil {
		return err
	}

	select {
	case <-batch.done:
	case <-ctx.Done():
		log.Warn("interrupted, aborting batch")
		return errors.Join(errors.New("interrupted"), coord.AbortAll())
	}

	out := cmd.OutOrStdout()
	for _, path := range writer.Saved() {
		fmt.Fprintln(out, path)
	}

	failed := append(batch.errors(), writer.Errors()...)
	if len(failed) > 0 {
		for _, e := range failed {
			log.Error("batch error", zap.Error(e))
		}
		return fmt.Errorf("%d of %d command(s) failed", len(failed), len(commands))
	}
	return nil
}
