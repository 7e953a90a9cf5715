package testkit

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/component"
	apperrors "meridian/pkg/errors"
)

type ComponentRepository struct {
	mu         sync.Mutex
	routes     map[string]component.Route
	components map[string]component.Component
}

func NewComponentRepository(uow *UnitOfWork) *ComponentRepository {
	r := &ComponentRepository{
		routes:     make(map[string]component.Route),
		components: make(map[string]component.Component),
	}
	uow.register(r)
	return r
}

func (r *ComponentRepository) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes, components := maps.Clone(r.routes), maps.Clone(r.components)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.routes, r.components = routes, components
	}
}

func (r *ComponentRepository) FindOrCreateRoute(_ context.Context, name, owner string) (*component.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, route := range r.routes {
		if route.Name == name && route.Owner == owner {
			cp := route
			return &cp, nil
		}
	}
	route := component.Route{ID: uuid.NewString(), Name: name, Owner: owner, CreatedAt: time.Now().UTC()}
	r.routes[route.ID] = route
	return &route, nil
}

func (r *ComponentRepository) GetRoute(_ context.Context, id string) (*component.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[id]
	if !ok {
		return nil, apperrors.ErrRouteNotFound.WithDetail("route_id", id)
	}
	return &route, nil
}

func (r *ComponentRepository) FindOrCreate(_ context.Context, spec component.Spec) (*component.Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for id, c := range r.components {
		if c.Name == spec.Name && c.RouteID == spec.RouteID && c.Owner == spec.Owner {
			c.Type = spec.Type
			c.Configuration = maps.Clone(spec.Configuration)
			c.UpdatedAt = now
			r.components[id] = c
			return copyComponent(c), nil
		}
	}
	c := component.Component{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		RouteID:       spec.RouteID,
		Owner:         spec.Owner,
		Type:          spec.Type,
		InboundState:  component.StateRunning,
		OutboundState: component.StateRunning,
		Configuration: maps.Clone(spec.Configuration),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.components[c.ID] = c
	return copyComponent(c), nil
}

func (r *ComponentRepository) Get(_ context.Context, id string) (*component.Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return nil, apperrors.ErrComponentNotFound.WithDetail("component_id", id)
	}
	return copyComponent(c), nil
}

func (r *ComponentRepository) List(_ context.Context, owner string) ([]component.Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []component.Component
	for _, c := range r.components {
		if owner == "" || c.Owner == owner {
			out = append(out, *copyComponent(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ComponentRepository) UpdateState(_ context.Context, id string, side component.Side, state component.State, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[id]
	if !ok {
		return apperrors.ErrComponentNotFound.WithDetail("component_id", id)
	}
	if side == component.SideInbound {
		c.InboundState = state
	} else {
		c.OutboundState = state
	}
	c.UpdatedAt = at
	r.components[id] = c
	return nil
}

// Put stores c as-is, bypassing FindOrCreate.
func (r *ComponentRepository) Put(c component.Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.ID] = *copyComponent(c)
}

func copyComponent(c component.Component) *component.Component {
	c.Configuration = maps.Clone(c.Configuration)
	return &c
}
