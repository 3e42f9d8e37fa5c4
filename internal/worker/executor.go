// Package worker runs tasks: the Executor resolves a plugin and invokes it,
// the Pool drives a fixed number of local worker loops against a TaskSource.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// Executor runs one task at a time per call and is safe for concurrent use.
type Executor struct {
	catalog  plugin.Catalog
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// NewExecutor creates an executor resolving plugins from catalog.
func NewExecutor(catalog plugin.Catalog, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{catalog: catalog, logger: logger}
}

// WithRecorder makes the executor record task latency.
func (e *Executor) WithRecorder(r *metrics.Recorder) *Executor {
	e.recorder = r
	return e
}

// Execute resolves the task's plugin and runs it on the payload. Plugin
// failures and panics come back as errors, they never escape.
func (e *Executor) Execute(ctx context.Context, t *types.Task) (res *types.Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("plugin panicked",
				zap.String("plugin", t.PluginName),
				zap.Int64("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res, err = nil, plugin.NewExecutionError(t.PluginName, fmt.Errorf("panic: %v", r))
		}
		if e.recorder != nil {
			e.recorder.Observe(t.Kind, time.Since(start), err != nil)
		}
	}()

	p, err := e.catalog.Lookup(t.PluginName)
	if err != nil {
		return nil, err
	}
	if p.Kind != t.Kind {
		return nil, plugin.NewKindError(t.PluginName, fmt.Sprintf("is a %s plugin, task is %s", p.Kind, t.Kind))
	}

	frames := t.Payload.Frames
	switch t.Kind {
	case types.TaskKindFilter:
		if len(frames) < 1 {
			return nil, plugin.NewArgumentError(t.PluginName, "filter task carries no image")
		}
		out, err := p.Filter(ctx, frames[0], t.Arguments)
		if err != nil {
			return nil, wrap(t.PluginName, err)
		}
		if out == nil || !region(t).In(out.Bounds()) {
			return nil, plugin.NewExecutionError(t.PluginName, errors.New("output does not cover the task region"))
		}
		return &types.Result{Image: out}, nil

	case types.TaskKindMask:
		if len(frames) < 1 {
			return nil, plugin.NewArgumentError(t.PluginName, "mask task carries no image")
		}
		out, err := p.Mask(ctx, frames[0], t.Arguments)
		if err != nil {
			return nil, wrap(t.PluginName, err)
		}
		if out == nil {
			return nil, plugin.NewExecutionError(t.PluginName, errors.New("no mask produced"))
		}
		return &types.Result{Mask: out}, nil

	case types.TaskKindMotion:
		if len(frames) != 2 {
			return nil, plugin.NewArgumentError(t.PluginName, fmt.Sprintf("motion task needs 2 frames, got %d", len(frames)))
		}
		block, search, err := p.MotionParams(t.Arguments)
		if err != nil {
			return nil, err
		}
		field, err := p.Motion(ctx, frames[0], frames[1], region(t), block, search)
		if err != nil {
			return nil, wrap(t.PluginName, err)
		}
		return &types.Result{Vectors: field}, nil
	}
	return nil, plugin.NewKindError(t.PluginName, fmt.Sprintf("unsupported task kind %s", t.Kind))
}

// region returns the area the task answers for: the explicit region of a
// fragment, the first frame's bounds otherwise.
func region(t *types.Task) image.Rectangle {
	if !t.Payload.Region.Empty() || len(t.Payload.Frames) == 0 {
		return t.Payload.Region
	}
	return t.Payload.Frames[0].Bounds()
}

func wrap(name string, err error) error {
	var perr *plugin.Error
	if errors.As(err, &perr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return plugin.NewExecutionError(name, err)
}
