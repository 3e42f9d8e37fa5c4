// Package output saves finished commands to disk.
package output

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// MotionReport is the JSON form of a finished motion.
type MotionReport struct {
	ID             string               `json:"id"`
	Plugin         string               `json:"plugin"`
	Source         string               `json:"source,omitempty"`
	Frames         int                  `json:"frames"`
	BlockSize      int                  `json:"block_size"`
	SearchDistance int                  `json:"search_distance"`
	Error          string               `json:"error,omitempty"`
	VectorSets     []*types.VectorField `json:"vector_sets"`
}

// NewMotionReport converts a motion.
func NewMotionReport(m *types.Motion) *MotionReport {
	r := &MotionReport{
		ID:             m.ID,
		Frames:         len(m.Frames),
		BlockSize:      m.BlockSize,
		SearchDistance: m.SearchDistance,
		VectorSets:     m.VectorSets,
	}
	if m.Command != nil {
		r.Plugin = m.Command.PluginName
		r.Source = m.Command.Source
	}
	if m.Err != nil {
		r.Error = m.Err.Error()
	}
	return r
}

// Writer is an observer writing every produced image, mask and motion into
// a directory. Images are encoded by file extension.
type Writer struct {
	types.NoopObserver

	dir    string
	ext    string
	logger *zap.Logger

	mu     sync.Mutex
	saved  []string
	failed []error
}

// NewWriter creates dir if needed. ext selects the image format, ".png"
// when empty.
func NewWriter(dir, ext string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if ext == "" {
		ext = ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if _, err := imaging.FormatFromExtension(ext); err != nil {
		return nil, fmt.Errorf("output format %s: %w", ext, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, ext: ext, logger: logger}, nil
}

// Saved returns the paths written so far.
func (w *Writer) Saved() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.saved...)
}

// Errors returns the write failures so far.
func (w *Writer) Errors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.failed...)
}

func (w *Writer) OnImageProduced(out *types.Output) {
	if out.Err != nil {
		w.logger.Warn("command failed, nothing saved", zap.Error(out.Err))
		return
	}

	var img image.Image
	suffix := ""
	switch {
	case out.Image != nil:
		img = out.Image
	case out.Mask != nil:
		img = out.Mask
		suffix = "_mask"
	default:
		return
	}

	path := filepath.Join(w.dir, w.baseName(out.Command)+suffix+w.ext)
	w.record(path, imaging.Save(img, path))
}

func (w *Writer) OnMotionProduced(m *types.Motion) {
	data, err := sonic.MarshalIndent(NewMotionReport(m), "", "  ")
	if err != nil {
		w.record("", fmt.Errorf("encode motion %s: %w", m.ID, err))
		return
	}
	path := filepath.Join(w.dir, w.baseName(m.Command)+"_motion.json")
	w.record(path, os.WriteFile(path, data, 0o644))
}

func (w *Writer) record(path string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failed = append(w.failed, err)
		w.logger.Error("saving output failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.saved = append(w.saved, path)
	w.logger.Info("output saved", zap.String("path", path))
}

// baseName derives a file name from the command source and plugin.
func (w *Writer) baseName(c *types.Command) string {
	if c == nil {
		return "output"
	}
	base := c.ID
	if c.Source != "" {
		base = strings.TrimSuffix(filepath.Base(c.Source), filepath.Ext(c.Source))
	}
	if len(base) > 8 && c.Source == "" {
		base = base[:8]
	}
	return base + "_" + c.PluginName
}
