package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
)

// ErrUnknownDriver is returned by Open for a driver nobody registered.
var ErrUnknownDriver = errors.New("unknown store driver")

// Driver opens a Ledger for the given configuration.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (Ledger, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a driver available to Open under name. Driver packages
// call it from init; registering a name twice panics.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("store: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("store: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open returns a Ledger from the driver named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (Ledger, error) {
	driversMu.RLock()
	d, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownDriver, cfg.Driver, Drivers())
	}
	return d(ctx, cfg, clk)
}
