package policy

import (
	"fmt"
	"sort"
	"sync"

	apperrors "meridian/pkg/errors"
)

// Registry maps declared policy names to factories. Policies are built once
// per component when it is constructed, never looked up per message.
type Registry struct {
	mu         sync.RWMutex
	acceptance map[string]Factory
	forwarding map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		acceptance: make(map[string]Factory),
		forwarding: make(map[string]Factory),
	}
}

// NewDefaultRegistry returns a registry holding every built-in policy.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func (r *Registry) RegisterAcceptance(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptance[name] = f
}

func (r *Registry) RegisterForwarding(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarding[name] = f
}

func (r *Registry) Acceptance(name string, cfg Config) (AcceptancePolicy, error) {
	return r.build(KindAcceptance, r.acceptance, name, cfg)
}

func (r *Registry) Forwarding(name string, cfg Config) (ForwardingPolicy, error) {
	return r.build(KindForwarding, r.forwarding, name, cfg)
}

func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source := r.acceptance
	if kind == KindForwarding {
		source = r.forwarding
	}
	names := make([]string, 0, len(source))
	for n := range source {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) build(kind Kind, factories map[string]Factory, name string, cfg Config) (Policy, error) {
	r.mu.RLock()
	factory, ok := factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrPolicy.
			WithMessage(fmt.Sprintf("no %s policy named %q", kind, name)).
			WithDetail("policy", name)
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, apperrors.ErrPolicy.
			WithCause(err).
			WithMessage(fmt.Sprintf("cannot build %s policy %q: %v", kind, name, err)).
			WithDetail("policy", name)
	}
	return p, nil
}
