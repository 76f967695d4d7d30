package oracle

import (
	"strings"
	"sync"
)

type registryKey struct {
	chainID int64
	addr    string
}

// Registry resolves (chain, oracle address) to the adapter describing how
// that oracle's answer is built from aggregated symbols.
type Registry struct {
	mu             sync.RWMutex
	entries        map[registryKey]Adapter
	baselineSymbol string
}

// NewRegistry constructs a Registry whose fallback adapter feeds from
// baselineSymbol.
func NewRegistry(baselineSymbol string) *Registry {
	return &Registry{
		entries:        make(map[registryKey]Adapter),
		baselineSymbol: baselineSymbol,
	}
}

// Register installs an explicit adapter for one oracle.
func (r *Registry) Register(chainID int64, addr string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey{chainID: chainID, addr: normalizeAddr(addr)}] = adapter
}

// Resolve returns the adapter for an oracle. When no explicit entry exists
// it falls back to a single-feed adapter on the baseline symbol and reports
// verified=false; production oracles are expected to be registered
// explicitly.
func (r *Registry) Resolve(chainID int64, addr string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if adapter, ok := r.entries[registryKey{chainID: chainID, addr: normalizeAddr(addr)}]; ok {
		return adapter, true
	}
	return SingleFeed(r.baselineSymbol), false
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
