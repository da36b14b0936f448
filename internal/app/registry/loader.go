package registry

import (
	"fmt"
	"sync"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
)

// StagingLoader is a process-local Loader: rulesets are staged by version via
// Stage (the management boundary's /rulesets/load path) before a later
// HotSwap can resolve them. Fetching compiled rulesets from an external
// artifact store is out of scope here; this loader models the resolution
// step HotSwap depends on without pulling in an object-store client.
type StagingLoader struct {
	mu     sync.Mutex
	staged map[string]*payment.Ruleset // keyed by cellKey(country,key) + version
}

// NewStagingLoader returns an empty loader.
func NewStagingLoader() *StagingLoader {
	return &StagingLoader{staged: make(map[string]*payment.Ruleset)}
}

func stagingKey(country, key string, version int) string {
	return fmt.Sprintf("%s:%d", cellKey(country, key), version)
}

// Stage records rs as the resolvable definition for its own (country, key,
// version) tuple.
func (l *StagingLoader) Stage(rs *payment.Ruleset) {
	if rs == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged[stagingKey(rs.Country, rs.Key, rs.Version)] = rs
}

// Load implements Loader by returning a previously staged ruleset, if any.
func (l *StagingLoader) Load(country, key string, version int) (*payment.Ruleset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.staged[stagingKey(country, key, version)]
	if !ok {
		return nil, fmt.Errorf("no staged ruleset for %s/%s version %d", country, key, version)
	}
	return rs, nil
}
