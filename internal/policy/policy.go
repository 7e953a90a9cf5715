// Package policy holds the acceptance and forwarding gates components apply
// to a flow. Policies are pure: the same subject always yields the same
// result and nothing is written.
package policy

import (
	"context"
	"strings"

	"meridian/internal/ledger"
	"meridian/internal/message"
)

type Kind string

const (
	KindAcceptance Kind = "acceptance"
	KindForwarding Kind = "forwarding"
)

// Subject is the read-only view of a flow a policy decides on.
type Subject struct {
	FlowID      string
	ComponentID string
	Content     string
	ContentType message.ContentType
	Properties  ledger.Properties
}

type Result struct {
	Success      bool
	FilterName   string
	FilterReason string
}

func Accept() Result {
	return Result{Success: true}
}

func Filter(name, reason string) Result {
	return Result{FilterName: name, FilterReason: reason}
}

type Policy interface {
	Name() string
	ApplyPolicy(ctx context.Context, subject Subject) (Result, error)
}

// AcceptancePolicy gates messages arriving at a component.
type AcceptancePolicy interface {
	Policy
}

// ForwardingPolicy gates messages leaving a component.
type ForwardingPolicy interface {
	Policy
}

// Config is the component configuration a factory builds a policy from.
type Config map[string]string

// Factory builds a policy from component configuration.
type Factory func(cfg Config) (Policy, error)

// Scope returns the entries under "prefix." with the prefix removed, laid
// over the unprefixed entries. It lets acceptance and forwarding policies of
// one component take different settings for the same key.
func (c Config) Scope(prefix string) Config {
	out := make(Config, len(c))
	for k, v := range c {
		if !strings.Contains(k, ".") {
			out[k] = v
		}
	}
	p := prefix + "."
	for k, v := range c {
		if rest, ok := strings.CutPrefix(k, p); ok {
			out[rest] = v
		}
	}
	return out
}

// List splits a comma-separated value, trimming blanks.
func (c Config) List(key string) []string {
	var out []string
	for _, part := range strings.Split(c[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
