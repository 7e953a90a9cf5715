// Package outbox is the durable per-component work queue. Events are written
// in the same unit of work as the ledger step that needs them and deleted by
// whoever completes the work they stand for.
package outbox

import (
	"slices"
	"time"
)

type Direction string

const (
	DirectionOutbox Direction = "OUTBOX"
	DirectionInbox  Direction = "INBOX"
)

type EventType string

const (
	TypeIngressComplete    EventType = "INGRESS_COMPLETE"
	TypeProcessingComplete EventType = "PROCESSING_COMPLETE"
	TypePendingForwarding  EventType = "PENDING_FORWARDING"

	TypeMessageReceived       EventType = "MESSAGE_RECEIVED"
	TypeAcknowledgmentPending EventType = "ACKNOWLEDGMENT_PENDING"
)

var eventDirections = map[EventType]Direction{
	TypeIngressComplete:       DirectionOutbox,
	TypeProcessingComplete:    DirectionOutbox,
	TypePendingForwarding:     DirectionOutbox,
	TypeMessageReceived:       DirectionInbox,
	TypeAcknowledgmentPending: DirectionInbox,
}

// Direction returns the table the type lives in, or "" for unknown types.
func (t EventType) Direction() Direction {
	return eventDirections[t]
}

func (t EventType) Valid() bool {
	return t.Direction() != ""
}

// InboundSide reports whether the type belongs to the receiving half of a
// component, which an inbound stop suspends.
func (t EventType) InboundSide() bool {
	return t == TypeMessageReceived || t == TypeIngressComplete || t == TypeAcknowledgmentPending
}

// InboundTypes lists the inbound-side types in a stable order.
func InboundTypes() []EventType {
	out := make([]EventType, 0, len(eventDirections))
	for t := range eventDirections {
		if t.InboundSide() {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

type Event struct {
	ID            string     `json:"id"`
	Direction     Direction  `json:"direction"`
	MessageFlowID string     `json:"message_flow_id"`
	ComponentID   string     `json:"component_id"`
	RouteID       string     `json:"route_id"`
	Owner         string     `json:"owner"`
	Type          EventType  `json:"type"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

type EventRequest struct {
	FlowID      string
	ComponentID string
	RouteID     string
	Owner       string
	Type        EventType
}

type EligibleQuery struct {
	ComponentID string
	Direction   Direction
	Now         time.Time
	Limit       uint64
	// ExcludeTypes are left in the table, for example while a side is stopped.
	ExcludeTypes []EventType
}

// Stats summarizes one component's backlog for one event type.
type Stats struct {
	ComponentID   string     `json:"component_id"`
	Direction     Direction  `json:"direction"`
	Type          EventType  `json:"type"`
	Pending       int        `json:"pending"`
	Retrying      int        `json:"retrying"`
	MaxRetryCount int        `json:"max_retry_count"`
	OldestAt      *time.Time `json:"oldest_at,omitempty"`
}
