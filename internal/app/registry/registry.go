// Package registry implements the ruleset registry: a versioned, in-memory
// store keyed by (country, ruleset key) that serves a lookup on every
// request and supports atomic hot-swap without coordinating with readers.
package registry

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
)

const globalCountry = "global"

// HotSwapStatus enumerates the outcomes of a hot-swap attempt.
type HotSwapStatus string

const (
	StatusReplaced   HotSwapStatus = "REPLACED"
	StatusNotFound   HotSwapStatus = "NOT_FOUND"
	StatusStale      HotSwapStatus = "STALE"
	StatusLoadFailed HotSwapStatus = "LOAD_FAILED"
)

// HotSwapResult reports the outcome of Registry.HotSwap.
type HotSwapResult struct {
	Success    bool          `json:"success"`
	Status     HotSwapStatus `json:"status"`
	OldVersion int           `json:"old_version"`
	Message    string        `json:"message,omitempty"`
}

// Loader fetches a ruleset version from wherever rulesets are compiled and
// stored (out of scope for this package: rulesets are consumed already
// compiled). HotSwap calls it to resolve the target version before
// validating monotonicity and publishing.
type Loader interface {
	Load(country, key string, version int) (*payment.Ruleset, error)
}

// cell holds a single (country, key) slot. Readers load the pointer with no
// lock; writers are serialized by mu and publish via Store, which is an
// atomic, total replacement — a concurrent reader observes either the
// entirely-old or entirely-new Ruleset, never a hybrid.
type cell struct {
	mu   sync.Mutex
	ref  atomic.Value // holds *payment.Ruleset
}

func newCell(rs *payment.Ruleset) *cell {
	c := &cell{}
	c.ref.Store(rs)
	return c
}

func (c *cell) load() *payment.Ruleset {
	v := c.ref.Load()
	if v == nil {
		return nil
	}
	return v.(*payment.Ruleset)
}

// Registry is the process-local ruleset store. It does not propagate across
// replicas; each replica owns its own view.
type Registry struct {
	loader Loader

	mu    sync.RWMutex
	cells map[string]*cell
}

// New returns an empty registry. loader may be nil if the caller only ever
// uses LoadAndRegister/BulkLoad (which install rulesets supplied directly,
// with no external fetch).
func New(loader Loader) *Registry {
	return &Registry{
		loader: loader,
		cells:  make(map[string]*cell),
	}
}

func normalizeCountry(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" || strings.EqualFold(country, globalCountry) {
		return globalCountry
	}
	return country
}

func cellKey(country, key string) string {
	return normalizeCountry(country) + "\x00" + key
}

// Get performs an exact (country, key) lookup; no fallback.
func (r *Registry) Get(country, key string) *payment.Ruleset {
	r.mu.RLock()
	c, ok := r.cells[cellKey(country, key)]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.load()
}

// GetWithFallback tries (country, key) first, then (global, key). An empty
// country consults only global.
func (r *Registry) GetWithFallback(country, key string) *payment.Ruleset {
	normalized := normalizeCountry(country)
	if normalized != globalCountry {
		if rs := r.Get(normalized, key); rs != nil {
			return rs
		}
	}
	return r.Get(globalCountry, key)
}

// LoadAndRegister installs a ruleset without a monotonicity check — used for
// first registration of a (country, key) scope.
func (r *Registry) LoadAndRegister(country, key string, rs *payment.Ruleset) bool {
	if rs == nil {
		return false
	}
	k := cellKey(country, key)

	r.mu.Lock()
	c, ok := r.cells[k]
	if !ok {
		c = newCell(nil)
		r.cells[k] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref.Store(rs)
	return true
}

// BulkLoad installs each entry via LoadAndRegister semantics, idempotently.
// It returns the count of rulesets installed.
func (r *Registry) BulkLoad(rulesets []*payment.Ruleset) int {
	count := 0
	for _, rs := range rulesets {
		if rs == nil {
			continue
		}
		if r.LoadAndRegister(rs.Country, rs.Key, rs) {
			count++
		}
	}
	return count
}

// HotSwap resolves the target version through the configured Loader,
// validates that it strictly increases the current version, and — only if
// so — atomically replaces the cell. Concurrent readers never observe a
// partially updated ruleset: the swap is a single atomic.Value.Store.
func (r *Registry) HotSwap(country, key string, newVersion int) HotSwapResult {
	normalized := normalizeCountry(country)
	k := cellKey(normalized, key)

	r.mu.Lock()
	c, ok := r.cells[k]
	if !ok {
		c = newCell(nil)
		r.cells[k] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.load()
	oldVersion := 0
	if current != nil {
		oldVersion = current.Version
	}

	if r.loader == nil {
		return HotSwapResult{Status: StatusLoadFailed, OldVersion: oldVersion, Message: "no loader configured"}
	}

	next, err := r.loader.Load(normalized, key, newVersion)
	if err != nil {
		return HotSwapResult{Status: StatusLoadFailed, OldVersion: oldVersion, Message: err.Error()}
	}
	if next == nil {
		return HotSwapResult{Status: StatusNotFound, OldVersion: oldVersion, Message: "loader returned no ruleset"}
	}
	if next.Version <= oldVersion {
		return HotSwapResult{Status: StatusStale, OldVersion: oldVersion, Message: "new_version must exceed current_version"}
	}

	c.ref.Store(next)
	return HotSwapResult{Success: true, Status: StatusReplaced, OldVersion: oldVersion}
}
