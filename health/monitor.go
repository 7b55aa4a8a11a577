package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/c360/filterstream/component"
)

// Source reports the current health of one component.
type Source func() Status

// Monitor aggregates the health of registered sources. Sources are polled on
// every Check so the reported state is never stale.
type Monitor struct {
	mu      sync.RWMutex
	system  string
	sources map[string]Source
}

// NewMonitor creates a new health monitor for the named system
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:  system,
		sources: make(map[string]Source),
	}
}

// Register adds or replaces a named source
func (m *Monitor) Register(name string, source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = source
}

// RegisterComponent adds a Discoverable component as a source
func (m *Monitor) RegisterComponent(c component.Discoverable) {
	name := c.Meta().Name
	m.Register(name, func() Status {
		return FromComponentHealth(name, c.Health())
	})
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// ListComponents returns the registered source names in sorted order
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check polls every source and returns the aggregate
func (m *Monitor) Check() Status {
	names := m.ListComponents()

	m.mu.RLock()
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if source, ok := m.sources[name]; ok {
			s := source()
			s.Component = name
			subStatuses = append(subStatuses, s)
		}
	}
	m.mu.RUnlock()

	return Aggregate(m.system, subStatuses)
}

// ServeHTTP writes the aggregate status as JSON. Unhealthy systems answer
// 503 so load balancers and orchestrators can act on the status code alone.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Check()

	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}
