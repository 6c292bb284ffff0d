package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

// StoreInfo describes a registered adapter.
type StoreInfo struct {
	Type        string // "odoo", "postgres", "sqlserver", "memory"
	DisplayName string
	Description string
}

// Factory builds a store from a generic config map.
type Factory func(ctx context.Context, config map[string]any, opts Options) (RecordStore, error)

// Registration contains info + factory for creating a store.
type Registration struct {
	Info    StoreInfo
	Factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredStores returns info for all registered adapters sorted by type.
func RegisteredStores() []StoreInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]StoreInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetFactory returns the factory for a store type.
// Returns nil if type is not registered.
func GetFactory(storeType string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[storeType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(storeType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[storeType]
	return ok
}

// Open builds a store of the given type.
func Open(ctx context.Context, storeType string, config map[string]any, opts Options) (RecordStore, error) {
	factory := GetFactory(storeType)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownStoreType, storeType)
	}
	store, err := factory(ctx, config, opts.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storeType, err)
	}
	return store, nil
}
