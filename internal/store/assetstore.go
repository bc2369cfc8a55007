package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// AssetStoreManager owns one Store per base asset, each backed by its own
// sqlite database file (spec.md §4.6/§6 persisted-state layout: historical
// trade data is partitioned per asset rather than sharing the main
// pipeline database, keeping HistoricalTradeCollector's large backfills
// off the hot-path database).
type AssetStoreManager struct {
	mu      sync.Mutex
	dir     string
	stores  map[string]*Store
}

// NewAssetStoreManager manages per-asset database files under dir.
func NewAssetStoreManager(dir string) *AssetStoreManager {
	return &AssetStoreManager{dir: dir, stores: make(map[string]*Store)}
}

// Get opens (if not already open) and returns the Store for asset, keyed
// by its lowercased symbol per spec.md §6.
func (m *AssetStoreManager) Get(asset string) (*Store, error) {
	key := strings.ToLower(asset)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[key]; ok {
		return s, nil
	}
	path := filepath.Join(m.dir, fmt.Sprintf("%s.db", key))
	s, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("asset store %s: %w", key, err)
	}
	m.stores[key] = s
	return s, nil
}

// CloseAll closes every opened per-asset store. Errors are collected but do
// not stop remaining stores from closing.
func (m *AssetStoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for key, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("asset store close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
