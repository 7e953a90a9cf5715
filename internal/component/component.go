// Package component holds the persisted description of pipeline components:
// their type, configuration and inbound/outbound run state.
package component

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"meridian/internal/message"
	apperrors "meridian/pkg/errors"
)

type Category string

const (
	CategoryInboundAdapter         Category = "INBOUND_ADAPTER"
	CategoryOutboundAdapter        Category = "OUTBOUND_ADAPTER"
	CategoryInboundRouteConnector  Category = "INBOUND_ROUTE_CONNECTOR"
	CategoryOutboundRouteConnector Category = "OUTBOUND_ROUTE_CONNECTOR"
	CategoryMessageHandler         Category = "MESSAGE_HANDLER"
)

type Type string

const (
	TypeTransportInboundAdapter  Type = "TRANSPORT_INBOUND_ADAPTER"
	TypeTransportOutboundAdapter Type = "TRANSPORT_OUTBOUND_ADAPTER"
	TypeInboundRouteConnector    Type = "INBOUND_ROUTE_CONNECTOR"
	TypeOutboundRouteConnector   Type = "OUTBOUND_ROUTE_CONNECTOR"
	TypeTransformer              Type = "TRANSFORMER"
	TypeFilter                   Type = "FILTER"
	TypeSplitter                 Type = "SPLITTER"
)

var categories = map[Type]Category{
	TypeTransportInboundAdapter:  CategoryInboundAdapter,
	TypeTransportOutboundAdapter: CategoryOutboundAdapter,
	TypeInboundRouteConnector:    CategoryInboundRouteConnector,
	TypeOutboundRouteConnector:   CategoryOutboundRouteConnector,
	TypeTransformer:              CategoryMessageHandler,
	TypeFilter:                   CategoryMessageHandler,
	TypeSplitter:                 CategoryMessageHandler,
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := categories[t]; !ok {
		return "", apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("unknown component type %q", s))
	}
	return t, nil
}

// Category returns "" for unknown types.
func (t Type) Category() Category {
	return categories[t]
}

// RawInput reports whether the component reads unwrapped payloads from its
// source rather than envelopes written by an upstream component.
func (t Type) RawInput() bool {
	return t == TypeTransportInboundAdapter
}

// RawOutput reports whether the component publishes bare content instead of
// an envelope.
func (t Type) RawOutput() bool {
	return t == TypeTransportOutboundAdapter
}

type State string

const (
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

type Side string

const (
	SideInbound  Side = "inbound"
	SideOutbound Side = "outbound"
)

// Configuration keys every component type is checked against.
const (
	KeyAcceptancePolicy = "acceptance_policy"
	KeyForwardingPolicy = "forwarding_policy"
	KeySource           = "source"
	KeyDestination      = "destination"
	KeyContentType      = "content_type"
	KeyTransformer      = "transformer"
	KeySplitter         = "splitter"
	KeyAcknowledge      = "acknowledge"
	// KeyAckDestination is optional; without it acknowledgments are only
	// recorded in the ledger.
	KeyAckDestination = "ack_destination"
)

var requirements = map[Type][]string{
	TypeTransportInboundAdapter:  {KeySource, KeyContentType, KeyAcceptancePolicy, KeyForwardingPolicy, KeyDestination},
	TypeTransportOutboundAdapter: {KeySource, KeyAcceptancePolicy, KeyForwardingPolicy, KeyDestination},
	TypeInboundRouteConnector:    {KeySource, KeyAcceptancePolicy, KeyForwardingPolicy, KeyDestination},
	TypeOutboundRouteConnector:   {KeySource, KeyAcceptancePolicy, KeyForwardingPolicy, KeyDestination},
	TypeTransformer:              {KeySource, KeyAcceptancePolicy, KeyTransformer, KeyForwardingPolicy, KeyDestination},
	TypeFilter:                   {KeySource, KeyAcceptancePolicy, KeyForwardingPolicy, KeyDestination},
	TypeSplitter:                 {KeySource, KeyAcceptancePolicy, KeySplitter, KeyForwardingPolicy, KeyDestination},
}

// Requirements lists the configuration keys a component type cannot run
// without.
func Requirements(t Type) []string {
	return append([]string(nil), requirements[t]...)
}

// Validate checks cfg against the type's requirements and reports every
// missing or malformed key in one CONFIGURATION_ERROR.
func Validate(name string, t Type, cfg map[string]string) error {
	reqs, ok := requirements[t]
	if !ok {
		return apperrors.ErrConfiguration.
			WithMessage(fmt.Sprintf("component %q has unknown type %q", name, t)).
			WithDetail("component", name)
	}

	var missing []string
	for _, key := range reqs {
		if strings.TrimSpace(cfg[key]) == "" {
			missing = append(missing, key)
		}
	}

	var invalid []string
	if ct, ok := cfg[KeyContentType]; ok && ct != "" {
		if _, err := message.ParseContentType(ct); err != nil {
			invalid = append(invalid, KeyContentType)
		}
	}
	if ack, ok := cfg[KeyAcknowledge]; ok && ack != "true" && ack != "false" {
		invalid = append(invalid, KeyAcknowledge)
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}

	sort.Strings(missing)
	parts := make([]string, 0, 2)
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(invalid, ", "))
	}

	err := apperrors.ErrConfiguration.
		WithMessage(fmt.Sprintf("component %q (%s): %s", name, t, strings.Join(parts, "; "))).
		WithDetail("component", name)
	if len(missing) > 0 {
		err = err.WithDetail("missing", missing)
	}
	if len(invalid) > 0 {
		err = err.WithDetail("invalid", invalid)
	}
	return err
}

type Route struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

type Component struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	RouteID       string            `json:"route_id"`
	Owner         string            `json:"owner"`
	Type          Type              `json:"type"`
	InboundState  State             `json:"inbound_state"`
	OutboundState State             `json:"outbound_state"`
	Configuration map[string]string `json:"configuration"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (c *Component) Category() Category {
	return c.Type.Category()
}

// Path names the component across every instance of the same owner.
func (c *Component) Path() string {
	return c.Owner + "/" + c.RouteID + "/" + c.Name
}

func (c *Component) State(side Side) State {
	if side == SideInbound {
		return c.InboundState
	}
	return c.OutboundState
}

func (c *Component) Config(key string) string {
	return c.Configuration[key]
}

// Scoped returns the keys under prefix with the prefix and its dot removed.
func (c *Component) Scoped(prefix string) map[string]string {
	out := make(map[string]string)
	p := prefix + "."
	for k, v := range c.Configuration {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out
}

// Spec describes a component as declared in route configuration.
type Spec struct {
	Name          string
	RouteID       string
	Owner         string
	Type          Type
	Configuration map[string]string
}

type StateChange struct {
	Old State `json:"old_state"`
	New State `json:"new_state"`
	// Success reports whether this call moved the component to a new state.
	Success bool `json:"success"`
}
