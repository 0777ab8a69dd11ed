// Package stats aggregates per-component statistics into one point-in-time
// snapshot. Components register a provider function; Snapshot invokes every
// provider under no shared lock, so a snapshot observes each component
// atomically but the set as a whole only approximately.
//
// Derived values (utilization, hit rates, overlap ratios) are computed by
// the components at read time from raw counters. The aggregator never
// caches or stores derived state.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/stratoml/strato/pkg/json"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Provider returns a component's current statistics. The returned value
// must be JSON-serializable and self-contained.
type Provider func() any

// Resetter zeroes a component's event counters. Structural state such as
// pool membership is never touched by a reset.
type Resetter func()

type component struct {
	provider Provider
	resetter Resetter
}

// Aggregator collects statistics from registered components. Safe for
// concurrent use.
type Aggregator struct {
	mu         sync.RWMutex
	components map[string]component
	createdAt  time.Time
	resetAt    time.Time
}

// Snapshot is one aggregated read of all registered components.
type Snapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	WindowSeconds float64        `json:"window_seconds"`
	Components    map[string]any `json:"components"`
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	now := time.Now()
	return &Aggregator{
		components: make(map[string]component),
		createdAt:  now,
		resetAt:    now,
	}
}

// Register adds a component under a unique name. The resetter may be nil
// for components with no event counters. Registering a duplicate name
// fails.
func (a *Aggregator) Register(name string, p Provider, r Resetter) error {
	if name == "" || p == nil {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"stats registration requires a name and a provider")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.components[name]; dup {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"duplicate stats component").WithDetail("name", name)
	}
	a.components[name] = component{provider: p, resetter: r}
	return nil
}

// Unregister removes a component. Unknown names are a no-op.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	delete(a.components, name)
	a.mu.Unlock()
}

// Names returns the registered component names, sorted.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.components))
	for name := range a.components {
		names = append(names, name)
	}
	a.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Snapshot reads every registered component and assembles the result.
// Providers run outside the aggregator lock.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	providers := make(map[string]Provider, len(a.components))
	for name, c := range a.components {
		providers[name] = c.provider
	}
	createdAt, resetAt := a.createdAt, a.resetAt
	a.mu.RUnlock()

	now := time.Now()
	s := Snapshot{
		Timestamp:     now,
		UptimeSeconds: now.Sub(createdAt).Seconds(),
		WindowSeconds: now.Sub(resetAt).Seconds(),
		Components:    make(map[string]any, len(providers)),
	}
	for name, p := range providers {
		s.Components[name] = p()
	}
	return s
}

// JSON returns the snapshot serialized as indented JSON.
func (a *Aggregator) JSON() ([]byte, error) {
	return json.MarshalIndent(a.Snapshot(), "", "  ")
}

// Reset zeroes event counters on every component that registered a
// resetter and restarts the stats window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	resetters := make([]Resetter, 0, len(a.components))
	for _, c := range a.components {
		if c.resetter != nil {
			resetters = append(resetters, c.resetter)
		}
	}
	a.resetAt = time.Now()
	a.mu.Unlock()

	for _, r := range resetters {
		r()
	}
}
