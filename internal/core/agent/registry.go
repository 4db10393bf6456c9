// Package agent provides the agent kind catalog and instance bookkeeping.
package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/roea-ai/reel/pkg/types"
)

// maxUsageSamples bounds the usage history kept per instance.
const maxUsageSamples = 32

// Registry manages agent kinds and deployed instances.
type Registry struct {
	kindsMu sync.RWMutex
	kinds   map[string]*types.AgentKind

	// Deployed instances
	instancesMu sync.RWMutex
	instances   map[string]*instanceEntry
}

type instanceEntry struct {
	inst   *types.AgentInstance
	handle Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:     make(map[string]*types.AgentKind),
		instances: make(map[string]*instanceEntry),
	}
}

// Register adds an agent kind. Kinds are immutable once registered.
func (r *Registry) Register(kind *types.AgentKind) error {
	if err := ValidateKind(kind); err != nil {
		return err
	}

	r.kindsMu.Lock()
	defer r.kindsMu.Unlock()

	if _, ok := r.kinds[kind.Name]; ok {
		return types.NewError(types.CodeAlreadyRegistered, "agent kind already registered: %s", kind.Name)
	}
	r.kinds[kind.Name] = cloneKind(kind)
	return nil
}

// ValidateKind checks a kind before registration.
func ValidateKind(kind *types.AgentKind) error {
	if kind == nil || kind.Name == "" {
		return types.ValidationError("agent kind name is required")
	}
	req := kind.Requirement
	if req.CPU < 0 || req.MemoryMB < 0 || req.DiskMB < 0 {
		return types.ValidationError("agent kind %s: negative resource requirement", kind.Name)
	}
	for _, dep := range kind.Dependencies {
		if dep == kind.Name {
			return types.ValidationError("agent kind %s depends on itself", kind.Name)
		}
	}
	return nil
}

// Lookup returns a copy of the named kind.
func (r *Registry) Lookup(name string) (*types.AgentKind, error) {
	r.kindsMu.RLock()
	defer r.kindsMu.RUnlock()

	kind, ok := r.kinds[name]
	if !ok {
		return nil, types.NotFoundError("agent kind", name)
	}
	return cloneKind(kind), nil
}

// Kinds returns all registered kinds sorted by name.
func (r *Registry) Kinds() []*types.AgentKind {
	r.kindsMu.RLock()
	defer r.kindsMu.RUnlock()

	kinds := make([]*types.AgentKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		kinds = append(kinds, cloneKind(k))
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Name < kinds[j].Name })
	return kinds
}

// CheckDependencies returns the dependencies of name that are not satisfied.
// A dependency is unmet when its kind is unknown or has no running instance.
func (r *Registry) CheckDependencies(name string) ([]string, error) {
	kind, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	var unmet []string
	for _, dep := range kind.Dependencies {
		if _, err := r.Lookup(dep); err != nil {
			unmet = append(unmet, dep)
			continue
		}
		if r.countState(dep, types.InstanceRunning) == 0 {
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// AddInstance records a newly deployed instance.
func (r *Registry) AddInstance(inst *types.AgentInstance, handle Handle) error {
	if _, err := r.Lookup(inst.Kind); err != nil {
		return err
	}

	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	if _, ok := r.instances[inst.ID]; ok {
		return types.NewError(types.CodeAlreadyRegistered, "instance already exists: %s", inst.ID)
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now()
	}
	if inst.State == "" {
		inst.State = types.InstanceStarting
	}
	r.instances[inst.ID] = &instanceEntry{inst: inst.Clone(), handle: handle}
	return nil
}

// RemoveInstance drops a terminated instance and returns its last state.
func (r *Registry) RemoveInstance(id string) (*types.AgentInstance, Handle, error) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, nil, types.NotFoundError("instance", id)
	}
	delete(r.instances, id)

	now := time.Now()
	e.inst.State = types.InstanceTerminated
	e.inst.StoppedAt = &now
	return e.inst.Clone(), e.handle, nil
}

// SetState updates the state of an instance.
func (r *Registry) SetState(id string, state types.InstanceState, reason string) error {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return types.NotFoundError("instance", id)
	}
	e.inst.State = state
	if reason != "" {
		e.inst.LastError = reason
	}
	return nil
}

// ReplaceHandle swaps the handle of a restarted instance.
func (r *Registry) ReplaceHandle(id string, handle Handle) error {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return types.NotFoundError("instance", id)
	}
	e.handle = handle
	e.inst.PID = handle.PID()
	e.inst.Restarts++
	e.inst.Stats = types.CallStats{}
	e.inst.State = types.InstanceRunning
	e.inst.LastError = ""
	return nil
}

// Instance returns a copy of an instance.
func (r *Registry) Instance(id string) (*types.AgentInstance, error) {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, types.NotFoundError("instance", id)
	}
	return e.inst.Clone(), nil
}

// Handle returns the live handle of an instance.
func (r *Registry) Handle(id string) (Handle, error) {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, types.NotFoundError("instance", id)
	}
	return e.handle, nil
}

// Instances returns copies of all instances sorted by id.
func (r *Registry) Instances() []*types.AgentInstance {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	out := make([]*types.AgentInstance, 0, len(r.instances))
	for _, e := range r.instances {
		out = append(out, e.inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InstancesOf returns copies of the instances of one kind.
func (r *Registry) InstancesOf(kind string) []*types.AgentInstance {
	var out []*types.AgentInstance
	for _, inst := range r.Instances() {
		if inst.Kind == kind {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns the number of non-terminated instances of a kind.
func (r *Registry) Count(kind string) int {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	n := 0
	for _, e := range r.instances {
		if e.inst.Kind == kind && e.inst.State != types.InstanceTerminated {
			n++
		}
	}
	return n
}

func (r *Registry) countState(kind string, state types.InstanceState) int {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	n := 0
	for _, e := range r.instances {
		if e.inst.Kind == kind && e.inst.State == state {
			n++
		}
	}
	return n
}

// Pick selects the least busy usable instance of a kind. Running instances
// are preferred over degraded ones.
func (r *Registry) Pick(kind string) (string, Handle, error) {
	r.instancesMu.RLock()
	defer r.instancesMu.RUnlock()

	var best *instanceEntry
	for _, e := range r.instances {
		if e.inst.Kind != kind {
			continue
		}
		if e.inst.State != types.InstanceRunning && e.inst.State != types.InstanceDegraded {
			continue
		}
		if best == nil || better(e.inst, best.inst) {
			best = e
		}
	}
	if best == nil {
		return "", nil, types.NewError(types.CodeAgentUnavailable, "no available instance of agent kind %s", kind).With("kind", kind)
	}
	return best.inst.ID, best.handle, nil
}

func better(a, b *types.AgentInstance) bool {
	if a.State != b.State {
		return a.State == types.InstanceRunning
	}
	if a.Stats.InFlight != b.Stats.InFlight {
		return a.Stats.InFlight < b.Stats.InFlight
	}
	return a.ID < b.ID
}

// BeginCall marks an invocation as in flight.
func (r *Registry) BeginCall(id string) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	if e, ok := r.instances[id]; ok {
		e.inst.Stats.InFlight++
		e.inst.Stats.LastCallAt = time.Now()
	}
}

// EndCall records the outcome of an invocation. Faults count as errors.
func (r *Registry) EndCall(id string, fault error) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return
	}
	if e.inst.Stats.InFlight > 0 {
		e.inst.Stats.InFlight--
	}
	e.inst.Stats.Invocations++
	if fault != nil {
		e.inst.Stats.Errors++
		e.inst.LastError = fault.Error()
	}
}

// RecordUsage appends a usage sample to an instance's bounded history.
func (r *Registry) RecordUsage(id string, sample types.UsageSample) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return
	}
	e.inst.Usage = append(e.inst.Usage, sample)
	if n := len(e.inst.Usage); n > maxUsageSamples {
		e.inst.Usage = append([]types.UsageSample(nil), e.inst.Usage[n-maxUsageSamples:]...)
	}
}

func cloneKind(k *types.AgentKind) *types.AgentKind {
	c := *k
	c.Capabilities = append([]string(nil), k.Capabilities...)
	c.Dependencies = append([]string(nil), k.Dependencies...)
	c.Command = append([]string(nil), k.Command...)
	if k.Env != nil {
		c.Env = make(map[string]string, len(k.Env))
		for key, v := range k.Env {
			c.Env[key] = v
		}
	}
	return &c
}
