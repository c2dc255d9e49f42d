// Package knowledge holds the plugins that feed outside context into posts.
// Plugins register a factory from init; the configured set is built once at
// startup and consulted by the generator through a Selector.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adhocore/gronx"

	"personago/internal/config"
)

// Plugin produces text that grounds the next post.
type Plugin interface {
	Name() string
	// Knowledge returns the text to add to the post prompt.
	Knowledge(ctx context.Context, character *config.Character) (string, error)
}

// Factory builds a plugin from its configuration.
type Factory func(ctx context.Context, name string, cfg config.PluginConfig, log *slog.Logger) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a plugin available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("knowledge: plugin registered twice: " + name)
	}
	registry[name] = f
}

// Registered lists the registered plugin names in order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured is a built plugin together with its usage conditions.
type Configured struct {
	Plugin
	// TimeOfDay restricts use to one bucket; empty means any time.
	TimeOfDay string
	// Schedule is a cron expression for the next allowed use; empty means one hour later.
	Schedule string
}

// Build instantiates every configured plugin, sorted by name.
func Build(ctx context.Context, cfgs map[string]config.PluginConfig, log *slog.Logger) ([]*Configured, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Configured, 0, len(names))
	for _, name := range names {
		cfg := cfgs[name]
		registryMu.RLock()
		factory, ok := registry[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown knowledge plugin %q", name)
		}
		if cfg.Schedule != "" && !gronx.IsValid(cfg.Schedule) {
			return nil, fmt.Errorf("plugin %s: invalid schedule %q", name, cfg.Schedule)
		}
		p, err := factory(ctx, name, cfg, log.With("plugin", name))
		if err != nil {
			return nil, fmt.Errorf("init plugin %s: %w", name, err)
		}
		out = append(out, &Configured{Plugin: p, TimeOfDay: cfg.TimeOfDay, Schedule: cfg.Schedule})
	}
	return out, nil
}
