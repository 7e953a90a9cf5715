package pipeline

import (
	"context"
	"maps"

	"meridian/internal/component"
	"meridian/internal/message"
	"meridian/internal/policy"
	"meridian/internal/processing"
)

// runtime is a component with its policies and plugins already built, so
// the per-message path never resolves anything by name.
type runtime struct {
	component   component.Component
	contentType message.ContentType
	acceptance  policy.AcceptancePolicy
	forwarding  policy.ForwardingPolicy
	transformer processing.Transformer
	splitter    processing.Splitter
	acknowledge bool
}

func (rt *runtime) destination() string {
	return rt.component.Config(component.KeyDestination)
}

func (rt *runtime) source() string {
	return rt.component.Config(component.KeySource)
}

func (c *Controller) build(comp *component.Component) (*runtime, error) {
	if err := component.Validate(comp.Name, comp.Type, comp.Configuration); err != nil {
		return nil, err
	}

	cfg := policy.Config(comp.Configuration)
	rt := &runtime{
		component:   *comp,
		acknowledge: comp.Config(component.KeyAcknowledge) == "true",
	}

	if ct := comp.Config(component.KeyContentType); ct != "" {
		parsed, err := message.ParseContentType(ct)
		if err != nil {
			return nil, err
		}
		rt.contentType = parsed
	}

	var err error
	rt.acceptance, err = c.policies.Acceptance(comp.Config(component.KeyAcceptancePolicy), cfg.Scope("acceptance"))
	if err != nil {
		return nil, err
	}
	rt.forwarding, err = c.policies.Forwarding(comp.Config(component.KeyForwardingPolicy), cfg.Scope("forwarding"))
	if err != nil {
		return nil, err
	}

	switch comp.Type {
	case component.TypeTransformer:
		rt.transformer, err = c.plugins.Transformer(comp.Config(component.KeyTransformer), cfg.Scope("transformer"))
	case component.TypeSplitter:
		rt.splitter, err = c.plugins.Splitter(comp.Config(component.KeySplitter), cfg.Scope("splitter"))
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// runtime returns the cached runtime for a component, building it on first
// use.
func (c *Controller) runtime(ctx context.Context, componentID string) (*runtime, error) {
	c.mu.Lock()
	rt, ok := c.runtimes[componentID]
	c.mu.Unlock()
	if ok {
		return rt, nil
	}

	comp, err := c.components.Get(ctx, componentID)
	if err != nil {
		return nil, err
	}
	return c.refresh(comp)
}

// refresh replaces the cached runtime when the component record changed.
// A state-only change keeps the built policies and plugins.
func (c *Controller) refresh(comp *component.Component) (*runtime, error) {
	c.mu.Lock()
	current, ok := c.runtimes[comp.ID]
	if ok && current.component.UpdatedAt.Equal(comp.UpdatedAt) && maps.Equal(current.component.Configuration, comp.Configuration) {
		next := *current
		next.component.InboundState = comp.InboundState
		next.component.OutboundState = comp.OutboundState
		c.runtimes[comp.ID] = &next
		c.mu.Unlock()
		return &next, nil
	}
	c.mu.Unlock()

	rt, err := c.build(comp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runtimes[comp.ID] = rt
	c.mu.Unlock()
	return rt, nil
}
