// Package ctx provides RuntimeCtx, the explicitly-constructed replacement
// for the process-wide singletons (StateManager, InstrumentRegistry,
// Logger) the source design calls for — see spec.md §9's design note:
// "Replace with explicitly-passed context objects ... constructed in main
// and threaded through. Tests construct fresh ctx per case."
package ctx

import (
	"sync"
	"time"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/pkg/types"
	"go.uber.org/zap"
)

// ComponentType labels an entry in the state registry.
type ComponentType string

const (
	ComponentStrategy   ComponentType = "strategy"
	ComponentPortfolio  ComponentType = "portfolio"
	ComponentCoordinator ComponentType = "coordinator"
)

// ComponentState is a node in the C11 state machine.
type ComponentState string

const (
	StateInitialized ComponentState = "initialized"
	StateRunning     ComponentState = "running"
	StatePaused      ComponentState = "paused"
	StateStopped     ComponentState = "stopped"
	StateError       ComponentState = "error"
)

// componentEntry is one row of the registry.
type componentEntry struct {
	Type         ComponentType
	State        ComponentState
	LastUpdate   time.Time
	ErrorMessage string
	Metrics      map[string]float64
}

// allowedTransitions is the table from spec.md §4.1: rows are "from",
// columns are the set of states reachable in one transition.
var allowedTransitions = map[ComponentState]map[ComponentState]bool{
	StateInitialized: {StateRunning: true, StateError: true},
	StateRunning:      {StatePaused: true, StateStopped: true, StateError: true},
	StatePaused:       {StateRunning: true, StateStopped: true, StateError: true},
	StateError:        {StateInitialized: true, StateStopped: true},
	StateStopped:      {StateInitialized: true},
}

// StateManager is a registry from component_id to its lifecycle state.
// Operations are serialized by a single mutex (spec.md §4.1 "reentrant
// lock" — a plain sync.Mutex suffices in Go since no method here calls
// another exported method while holding the lock).
type StateManager struct {
	mu         sync.Mutex
	components map[string]*componentEntry
}

// NewStateManager returns an empty registry.
func NewStateManager() *StateManager {
	return &StateManager{components: make(map[string]*componentEntry)}
}

// Register adds a new component in the Initialized state. Registering a
// duplicate id fails.
func (sm *StateManager) Register(id string, typ ComponentType) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.components[id]; exists {
		return coreerr.New(coreerr.InvalidArgument, "StateManager.Register", "component %q already registered", id)
	}
	sm.components[id] = &componentEntry{
		Type:       typ,
		State:      StateInitialized,
		LastUpdate: time.Now(),
		Metrics:    make(map[string]float64),
	}
	return nil
}

// Unregister removes a component entirely.
func (sm *StateManager) Unregister(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.components[id]; !exists {
		return coreerr.New(coreerr.DataNotFound, "StateManager.Unregister", "component %q not registered", id)
	}
	delete(sm.components, id)
	return nil
}

// UpdateState attempts a transition, validated against allowedTransitions.
// Any disallowed transition fails with InvalidArgument and leaves state
// unchanged.
func (sm *StateManager) UpdateState(id string, next ComponentState, errMsg string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, exists := sm.components[id]
	if !exists {
		return coreerr.New(coreerr.DataNotFound, "StateManager.UpdateState", "component %q not registered", id)
	}
	if !allowedTransitions[entry.State][next] {
		return coreerr.New(coreerr.InvalidArgument, "StateManager.UpdateState",
			"transition %s -> %s not permitted for %q", entry.State, next, id)
	}
	entry.State = next
	entry.LastUpdate = time.Now()
	entry.ErrorMessage = errMsg
	return nil
}

// UpdateMetrics merges metric values into the component's metrics map.
func (sm *StateManager) UpdateMetrics(id string, metrics map[string]float64) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, exists := sm.components[id]
	if !exists {
		return coreerr.New(coreerr.DataNotFound, "StateManager.UpdateMetrics", "component %q not registered", id)
	}
	for k, v := range metrics {
		entry.Metrics[k] = v
	}
	entry.LastUpdate = time.Now()
	return nil
}

// GetState returns the current state of a component.
func (sm *StateManager) GetState(id string) (ComponentState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, exists := sm.components[id]
	if !exists {
		return "", coreerr.New(coreerr.DataNotFound, "StateManager.GetState", "component %q not registered", id)
	}
	return entry.State, nil
}

// IsHealthy is true iff the registry is non-empty and every entry is
// Initialized or Running.
func (sm *StateManager) IsHealthy() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.components) == 0 {
		return false
	}
	for _, entry := range sm.components {
		if entry.State != StateInitialized && entry.State != StateRunning {
			return false
		}
	}
	return true
}

// GetAllComponents returns a snapshot of every registered component's
// state, keyed by id.
func (sm *StateManager) GetAllComponents() map[string]ComponentState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]ComponentState, len(sm.components))
	for id, entry := range sm.components {
		out[id] = entry.State
	}
	return out
}

// Reset clears the registry entirely.
func (sm *StateManager) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.components = make(map[string]*componentEntry)
}

// Instrument is the subset of instrument metadata the core relies on.
type Instrument struct {
	Symbol     string
	PointValue float64
	TickSize   float64
}

// InstrumentRegistry resolves per-symbol contract economics. A real
// deployment would back this with the database-backed catalogue spec.md
// §1 places out of core scope; this in-memory map is the concrete
// collaborator used for tests, the CSV loader, and the CLI.
type InstrumentRegistry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

// NewInstrumentRegistry returns an empty registry.
func NewInstrumentRegistry() *InstrumentRegistry {
	return &InstrumentRegistry{instruments: make(map[string]Instrument)}
}

// Register adds or overwrites an instrument's metadata.
func (r *InstrumentRegistry) Register(inst Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[inst.Symbol] = inst
}

// Get looks up an instrument by symbol.
func (r *InstrumentRegistry) Get(symbol string) (Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[symbol]
	return inst, ok
}

// PointValue returns the point value for symbol and true, or 0 and false
// when the instrument is unknown (the "point_value unavailable" case the
// PnL manager uses to mark daily PnL invalid rather than crash the loop).
func (r *InstrumentRegistry) PointValue(symbol string) (float64, bool) {
	inst, ok := r.Get(symbol)
	if !ok {
		return 0, false
	}
	return inst.PointValue, true
}

// RuntimeCtx bundles every former process-wide singleton into one
// explicitly-constructed, explicitly-passed object. Constructed once in
// main (or once per test case); never package-level state.
type RuntimeCtx struct {
	Logger     *zap.Logger
	State      *StateManager
	Registry   *InstrumentRegistry
	Config     types.AppConfig
}

// New constructs a RuntimeCtx from its parts.
func New(logger *zap.Logger, registry *InstrumentRegistry, cfg types.AppConfig) *RuntimeCtx {
	return &RuntimeCtx{
		Logger:   logger,
		State:    NewStateManager(),
		Registry: registry,
		Config:   cfg,
	}
}
