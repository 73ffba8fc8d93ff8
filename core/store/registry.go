package store

import "github.com/kilianp07/fleetdispatch/core/factory"

var backends = factory.NewRegistry[Store]()

func init() {
	backends.MustRegister("memory", func(map[string]any) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// RegisterBackend adds a store backend factory identified by name.
func RegisterBackend(name string, f factory.Factory[Store]) error {
	return backends.Register(name, f)
}

// New builds the store described by cfg. An empty type selects memory.
func New(cfg factory.ModuleConfig) (Store, error) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	return backends.Create(cfg)
}
