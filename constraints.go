package courier

import (
	"log/slog"
	"sync"
)

// Constraint names jobs may list in Job.Constraints.
const (
	// ConstraintNetwork admits a job only while the device reports
	// connectivity.
	ConstraintNetwork = "network"
)

// ConstraintRegistry tracks which admission constraints are currently
// satisfied. Sources (connectivity monitors, charging state, and the like)
// flip their constraint and the registry wakes the queue so blocked jobs are
// re-evaluated.
type ConstraintRegistry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	satisfied map[string]bool
	onChange  []func()
}

// NewConstraintRegistry creates a registry with no constraints satisfied.
func NewConstraintRegistry(logger *slog.Logger) *ConstraintRegistry {
	return &ConstraintRegistry{
		logger:    logger,
		satisfied: make(map[string]bool),
	}
}

// Set marks a constraint satisfied or unsatisfied. Change listeners fire
// only on actual transitions.
func (r *ConstraintRegistry) Set(name string, ok bool) {
	r.mu.Lock()
	changed := r.satisfied[name] != ok
	r.satisfied[name] = ok
	listeners := r.onChange
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.Debug("constraint changed", "constraint", name, "satisfied", ok)
	for _, fn := range listeners {
		fn()
	}
}

// IsSatisfied reports the current state of one constraint.
func (r *ConstraintRegistry) IsSatisfied(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.satisfied[name]
}

// Satisfied returns a snapshot of all currently satisfied constraints.
func (r *ConstraintRegistry) Satisfied() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]bool, len(r.satisfied))
	for name, ok := range r.satisfied {
		if ok {
			snapshot[name] = true
		}
	}
	return snapshot
}

// OnChange registers a listener invoked after every constraint transition.
// Must be called before sources start flipping constraints.
func (r *ConstraintRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// ConnectivityMonitor feeds the network constraint from an external
// reachability signal. The transport layer calls SetOnline as its connection
// state changes.
type ConnectivityMonitor struct {
	registry *ConstraintRegistry
}

// NewConnectivityMonitor creates a monitor bound to the registry. The
// network constraint starts unsatisfied until the first SetOnline(true).
func NewConnectivityMonitor(registry *ConstraintRegistry) *ConnectivityMonitor {
	return &ConnectivityMonitor{registry: registry}
}

// SetOnline records the current connectivity state.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.registry.Set(ConstraintNetwork, online)
}

// Online reports the last recorded connectivity state.
func (m *ConnectivityMonitor) Online() bool {
	return m.registry.IsSatisfied(ConstraintNetwork)
}
