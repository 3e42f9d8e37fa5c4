// Package input turns user requests naming a plugin and image files into
// scheduler commands.
package input

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the WebP decoder for imaging.Open

	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/imagebuf"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// ErrNoImages is returned for a request without any image path.
var ErrNoImages = errors.New("at least one image is required")

// Request describes the commands to build.
type Request struct {
	// Kind is optional; the plugin's kind is used when empty.
	Kind      string   `json:"kind,omitempty"`
	Plugin    string   `json:"plugin"`
	Arguments []string `json:"arguments,omitempty"`
	// Paths are image files. Filters and masks get one command per image,
	// a motion gets a single command using the images as frames in order.
	Paths []string `json:"images"`
}

// LoadImage decodes an image file, honouring EXIF orientation. JPEG, PNG,
// GIF, TIFF, BMP and WebP are accepted.
func LoadImage(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", path, err)
	}
	return imagebuf.ToNRGBA(img), nil
}

// ParseArguments converts textual arguments into typed values.
func ParseArguments(args []string) types.Arguments {
	if len(args) == 0 {
		return nil
	}
	out := make(types.Arguments, len(args))
	for i, a := range args {
		out[i] = types.ParseValue(a)
	}
	return out
}

// Build validates the request against the catalog and loads its images.
func Build(catalog plugin.Catalog, req *Request) ([]*types.Command, error) {
	if req.Plugin == "" {
		return nil, errors.New("plugin name is required")
	}
	p, err := catalog.Lookup(req.Plugin)
	if err != nil {
		return nil, err
	}

	kind := p.Kind
	if req.Kind != "" {
		kind, err = types.ParseTaskKind(req.Kind)
		if err != nil {
			return nil, err
		}
		if kind != p.Kind {
			return nil, plugin.NewKindError(p.Name, fmt.Sprintf("is a %s plugin, not %s", p.Kind, kind))
		}
	}
	if len(req.Paths) == 0 {
		return nil, ErrNoImages
	}

	frames := make([]*image.NRGBA, len(req.Paths))
	for i, path := range req.Paths {
		if frames[i], err = LoadImage(path); err != nil {
			return nil, err
		}
	}

	args := ParseArguments(req.Arguments)
	if kind == types.TaskKindMotion {
		cmd := types.NewCommand(kind, p.Name, args, frames...).WithSource(req.Paths[0])
		return []*types.Command{cmd}, nil
	}

	commands := make([]*types.Command, len(frames))
	for i, img := range frames {
		commands[i] = types.NewCommand(kind, p.Name, args, img).WithSource(filepath.Clean(req.Paths[i]))
	}
	return commands, nil
}
