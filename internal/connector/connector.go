// Package connector defines the capability a data source exposes to the
// pipeline and a registry that maps source names to connectors.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"warden/internal/config"
	"warden/internal/domain"
)

// Connector is implemented per source. Fetch must honour the boundary; the
// pipeline never retries a failed call.
type Connector interface {
	Fetch(ctx context.Context, boundary config.Boundary, params map[string]any) ([]domain.DataRow, error)
	ExecuteAction(ctx context.Context, actionType string, actionData map[string]any) (domain.ActionResult, error)
}

// Registry maps source names to connectors. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[string]Connector{}}
}

func (r *Registry) Register(source string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[source] = c
}

func (r *Registry) Get(source string) (Connector, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[source]
	return c, ok
}

// Sources lists registered source names in order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FromConfig builds a registry for every source with a connector configured.
// Relative file paths resolve against baseDir.
func FromConfig(cfg *config.Config, baseDir string) (*Registry, error) {
	reg := NewRegistry()
	if cfg == nil {
		return reg, nil
	}
	for name, src := range cfg.Sources {
		switch src.Connector.Kind {
		case "", "none":
			continue
		case "file":
			reg.Register(name, NewFile(name, resolve(baseDir, src.Connector.Path)))
		default:
			return nil, fmt.Errorf("source %s: unknown connector kind %s", name, src.Connector.Kind)
		}
	}
	return reg, nil
}
