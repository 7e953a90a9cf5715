// Package ledger records the lineage of every message through the pipeline.
// Flow nodes are written once and addressed by id; the only mutation is the
// PENDING_FORWARDING to FORWARDED action overwrite.
package ledger

import (
	"sort"
	"time"

	"meridian/internal/message"
)

type Action string

const (
	ActionIngested            Action = "INGESTED"
	ActionAccepted            Action = "ACCEPTED"
	ActionNotAccepted         Action = "NOT_ACCEPTED"
	ActionPendingForwarding   Action = "PENDING_FORWARDING"
	ActionNotForwarded        Action = "NOT_FORWARDED"
	ActionForwarded           Action = "FORWARDED"
	ActionCreatedFromSplit    Action = "CREATED_FROM_SPLIT"
	ActionTransformed         Action = "TRANSFORMED"
	ActionAcknowledgmentSent  Action = "ACKNOWLEDGMENT_SENT"
	ActionTransformationError Action = "TRANSFORMATION_ERROR"
	ActionFilterError         Action = "FILTER_ERROR"
	ActionSplitterError       Action = "SPLITTER_ERROR"
	ActionProcessingError     Action = "PROCESSING_ERROR"
)

var terminalActions = map[Action]bool{
	ActionForwarded:           true,
	ActionNotAccepted:         true,
	ActionNotForwarded:        true,
	ActionTransformationError: true,
	ActionFilterError:         true,
	ActionSplitterError:       true,
	ActionProcessingError:     true,
}

var knownActions = map[Action]bool{
	ActionIngested:           true,
	ActionAccepted:           true,
	ActionPendingForwarding:  true,
	ActionCreatedFromSplit:   true,
	ActionTransformed:        true,
	ActionAcknowledgmentSent: true,
}

func (a Action) Valid() bool {
	return knownActions[a] || terminalActions[a]
}

// Terminal reports whether no further step is expected from a node in this
// state. Children may still hang off a terminal node.
func (a Action) Terminal() bool {
	return terminalActions[a]
}

func (a Action) IsError() bool {
	switch a {
	case ActionTransformationError, ActionFilterError, ActionSplitterError, ActionProcessingError:
		return true
	}
	return false
}

// CanOverwrite reports whether an existing node may move from one action to
// another. Everything except PENDING_FORWARDING to FORWARDED is a new node.
func CanOverwrite(from, to Action) bool {
	return from == ActionPendingForwarding && to == ActionForwarded
}

type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Properties keeps insertion order. A key may repeat; the last value wins.
type Properties []Property

func (p Properties) Get(key string) (string, bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Key == key {
			return p[i].Value, true
		}
	}
	return "", false
}

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// Merge returns a copy of p with extra appended.
func (p Properties) Merge(extra Properties) Properties {
	out := make(Properties, 0, len(p)+len(extra))
	out = append(out, p...)
	return append(out, extra...)
}

// Map flattens the list using last-value-wins.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, prop := range p {
		m[prop.Key] = prop.Value
	}
	return m
}

func PropertiesFromMap(m map[string]string) Properties {
	out := make(Properties, 0, len(m))
	for k, v := range m {
		out = append(out, Property{Key: k, Value: v})
	}
	sortProperties(out)
	return out
}

type Flow struct {
	ID          string              `json:"id"`
	GroupID     string              `json:"group_id"`
	ParentID    *string             `json:"parent_id,omitempty"`
	ComponentID string              `json:"component_id"`
	MessageID   string              `json:"message_id"`
	ContentType message.ContentType `json:"content_type"`
	ContentHash string              `json:"content_hash"`
	Action      Action              `json:"action"`
	Properties  Properties          `json:"properties"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (f *Flow) IsRoot() bool {
	return f.ParentID == nil
}

type DetailKind string

const (
	DetailFiltered DetailKind = "FILTERED"
	DetailError    DetailKind = "ERROR"
)

// Detail is the single side record a flow node may carry.
type Detail struct {
	FlowID    string     `json:"flow_id"`
	Kind      DetailKind `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type FlowView struct {
	Flow
	Detail  *Detail `json:"detail,omitempty"`
	Content *string `json:"content,omitempty"`
}

type StepRequest struct {
	ComponentID string
	// ParentID is empty for a root step.
	ParentID    string
	Content     *string
	ContentType message.ContentType
	Action      Action
	Properties  Properties
}

type ErrorQuery struct {
	ComponentID string
	Since       time.Time
	Limit       uint64
}

type ErrorRecord struct {
	Flow      Flow      `json:"flow"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"recorded_at"`
}

func sortProperties(p Properties) {
	sort.Slice(p, func(i, j int) bool { return p[i].Key < p[j].Key })
}
