// Package drivers maps engine names to Driver constructors. Driver
// implementations live in subpackages and register themselves at init;
// importing a driver package makes its engine available here.
package drivers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/registry"
)

// Config carries everything a driver needs to reach one target.
type Config struct {
	// Engine selects the registered driver: sqlite, shell, or remote.
	Engine string

	// URI is the engine-specific target location: a database file for
	// sqlite, ignored by shell, host:port for remote.
	URI string

	// Registry is the deployment state store for the target. Drivers
	// write change and event rows through it, or attach its database
	// file directly.
	Registry *registry.Registry

	// Client is the database client binary for drivers that execute
	// scripts through an external or remote command.
	Client string

	// Options holds engine-specific settings (auth material, timeouts,
	// client arguments).
	Options map[string]string
}

// Factory constructs a driver from its target configuration.
type Factory func(cfg Config) (engine.Driver, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a driver available under the given engine name. It is
// called from driver package init functions and panics on duplicates,
// like database/sql.Register.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("drivers: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("drivers: Register called twice for engine " + name)
	}
	factories[name] = f
}

// New constructs the driver for cfg.Engine.
func New(cfg Config) (engine.Driver, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("driver config requires a registry")
	}
	mu.RLock()
	f, ok := factories[cfg.Engine]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %s)", cfg.Engine, strings.Join(Engines(), ", "))
	}
	return f(cfg)
}

// Engines lists the registered engine names, sorted.
func Engines() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
