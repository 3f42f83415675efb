// Package registry holds the live set of step instances a scheduler works on.
//
// Instances are owned by the registry and addressed by id. Every instance has
// its own lock: all reads and writes of an instance and its executions happen
// inside Do, so a poll and a reconciler touching the same instance never see
// a half-applied change. Executions are looked up through the instance that
// owns them, never by direct reference.
package registry

import (
	"fmt"
	"sync"

	"github.com/jdziat/scanflow/pkg/core"
)

type entry struct {
	mu   sync.Mutex
	inst *core.StepInstance
}

// Registry is an arena of step instances keyed by id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	owners  map[string]string // execution id -> instance id
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		owners:  make(map[string]string),
	}
}

// Add takes ownership of inst. Adding an id twice fails with core.ErrDuplicateInstance.
func (r *Registry) Add(inst *core.StepInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[inst.ID]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateInstance, inst.ID)
	}
	r.entries[inst.ID] = &entry{inst: inst}
	r.order = append(r.order, inst.ID)
	for _, e := range inst.Executions {
		r.owners[e.ID] = inst.ID
	}
	return nil
}

// Has reports whether id is tracked.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the number of tracked instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the tracked instance ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Do runs fn with exclusive access to the instance. Executions added by fn
// become addressable through DoExecution once fn returns.
func (r *Registry) Do(id string, fn func(inst *core.StepInstance) error) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := fn(e.inst)
	r.index(e.inst)
	return err
}

// index records the owner of every execution the instance holds.
// Called with the instance lock held; takes the registry lock after it.
func (r *Registry) index(inst *core.StepInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ex := range inst.Executions {
		r.owners[ex.ID] = inst.ID
	}
}

// DoExecution runs fn on the execution with the given id and its owning
// instance, holding the instance lock.
func (r *Registry) DoExecution(executionID string, fn func(inst *core.StepInstance, e *core.StepExecution) error) error {
	r.mu.RLock()
	owner, ok := r.owners[executionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}

	return r.Do(owner, func(inst *core.StepInstance) error {
		ex := inst.Execution(executionID)
		if ex == nil {
			return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
		}
		return fn(inst, ex)
	})
}

// State returns the derived state of an instance.
func (r *Registry) State(id string) (core.State, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.State(), true
}

// Each calls fn for every instance in insertion order, one lock at a time.
// Returning false stops the iteration.
func (r *Registry) Each(fn func(inst *core.StepInstance) bool) {
	for _, id := range r.IDs() {
		e, ok := r.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		more := fn(e.inst)
		e.mu.Unlock()
		if !more {
			return
		}
	}
}
