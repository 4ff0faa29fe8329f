package runtime

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/handle"
)

// Config is what a backend factory may need to open a runtime.
type Config struct {
	// Platform defaults to handle.HostPlatform().
	Platform string
	// DeviceSignature identifies the local hardware as "family/model".
	DeviceSignature string
	ORTLibraryPath  string
	ORTAPIVersion   uint32
	// Tracker receives resource accounting; nil allocates a private one.
	Tracker *Tracker
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Platform == "" {
		c.Platform = handle.HostPlatform()
	}
	if c.DeviceSignature == "" {
		c.DeviceSignature = DefaultDeviceSignature
	}
	if c.Tracker == nil {
		c.Tracker = &Tracker{}
	}
	return c
}

// DefaultDeviceSignature is used when the configuration names none.
const DefaultDeviceSignature = "cpu/generic"

// Factory opens a runtime backend.
type Factory func(cfg Config) (Runtime, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a backend available by name. Backends register from their
// package init; registering a name twice panics.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic("runtime: backend " + name + " registered twice")
	}
	factories[name] = f
}

// Names lists registered backends in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open instantiates the named backend.
func Open(name string, cfg Config) (Runtime, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown runtime backend %q (registered: %v)", name, Names())
	}
	rt, err := f(cfg.WithDefaults())
	if err != nil {
		return nil, errors.Wrapf(err, "open runtime %q", name)
	}
	return rt, nil
}

// Select returns the first runtime that accepts payload.
func Select(runtimes []Runtime, payload []byte) (Runtime, error) {
	for _, rt := range runtimes {
		if rt.Accepts(payload) {
			return rt, nil
		}
	}
	names := make([]string, len(runtimes))
	for i, rt := range runtimes {
		names[i] = rt.Name()
	}
	return nil, errors.Errorf("no runtime among %v recognizes the engine payload", names)
}
