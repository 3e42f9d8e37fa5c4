// Package plugin is the plugin catalog: an explicit registry mapping a
// plugin name to its implementation and declared spatial dependency.
package plugin

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// FilterFunc turns an image into an image with the same bounds.
type FilterFunc func(ctx context.Context, src *image.NRGBA, args types.Arguments) (*image.NRGBA, error)

// MaskFunc turns an image into a mask with the same bounds.
type MaskFunc func(ctx context.Context, src *image.NRGBA, args types.Arguments) (*image.Gray, error)

// MotionFunc computes block vectors from prev to next for the blocks of region.
type MotionFunc func(ctx context.Context, prev, next *image.NRGBA, region image.Rectangle, blockSize, searchDistance int) (*types.VectorField, error)

// Plugin describes one runnable operation.
type Plugin struct {
	Name        string
	Kind        types.TaskKind
	Description string

	// Dependency computes the margins for the given arguments. Nil means
	// the plugin reads no pixels outside its region.
	Dependency func(args types.Arguments) types.SpatialDependency

	Filter FilterFunc
	Mask   MaskFunc
	Motion MotionFunc

	// MotionParams extracts block size and search distance from the arguments.
	MotionParams func(args types.Arguments) (blockSize, searchDistance int, err error)
}

// DependencyFor returns the dependency of the plugin for args.
func (p *Plugin) DependencyFor(args types.Arguments) types.SpatialDependency {
	if p.Dependency == nil {
		return types.NoDependency
	}
	return p.Dependency(args)
}

func (p *Plugin) validate() error {
	if p.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	switch p.Kind {
	case types.TaskKindFilter:
		if p.Filter == nil {
			return fmt.Errorf("filter plugin %s has no filter func", p.Name)
		}
	case types.TaskKindMask:
		if p.Mask == nil {
			return fmt.Errorf("mask plugin %s has no mask func", p.Name)
		}
	case types.TaskKindMotion:
		if p.Motion == nil || p.MotionParams == nil {
			return fmt.Errorf("motion plugin %s needs motion and params funcs", p.Name)
		}
	default:
		return fmt.Errorf("plugin %s has unknown kind %s", p.Name, p.Kind)
	}
	return nil
}

// Catalog resolves plugin names.
type Catalog interface {
	Lookup(name string) (*Plugin, error)
}

// Registry is the in-memory Catalog.
type Registry struct {
	plugins map[string]*Plugin
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
	}
}

// Builtin returns a registry holding every built-in plugin.
func Builtin() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// Register adds a plugin. Names are unique.
func (r *Registry) Register(p *Plugin) error {
	if p == nil {
		return fmt.Errorf("cannot register nil plugin")
	}
	if err := p.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin already registered: %s", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// MustRegister registers p and panics on error.
func (r *Registry) MustRegister(p *Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, NewNotFoundError(name)
	}
	return p, nil
}

// List returns all plugins sorted by kind and name.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

var _ Catalog = (*Registry)(nil)
