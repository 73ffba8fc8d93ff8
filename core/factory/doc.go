// Package factory provides a small generic registry used to build pluggable
// modules from configuration: entity store backends, metrics sinks and
// dispatch strategies. A module is described by a type string and a map of
// raw settings; factories decode the settings into typed structs.
//
//	reg := factory.NewRegistry[store.Store]()
//	reg.Register("memory", func(map[string]any) (store.Store, error) {
//	    return store.NewMemoryStore(), nil
//	})
//	s, err := reg.Create(factory.ModuleConfig{Type: "memory"})
package factory
