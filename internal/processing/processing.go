// Package processing defines the content plugins message-handler components
// run between acceptance and forwarding.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meridian/internal/ledger"
	"meridian/internal/message"
	"meridian/internal/policy"
	apperrors "meridian/pkg/errors"
)

type Input struct {
	FlowID      string
	ComponentID string
	Content     string
	ContentType message.ContentType
	Properties  ledger.Properties
}

// Output is one produced message. An empty ContentType keeps the input's.
type Output struct {
	Content     string
	ContentType message.ContentType
	Properties  ledger.Properties
}

type Transformer interface {
	Transform(ctx context.Context, in Input) (Output, error)
}

type Splitter interface {
	Split(ctx context.Context, in Input) ([]Output, error)
}

type TransformerFactory func(cfg policy.Config) (Transformer, error)

type SplitterFactory func(cfg policy.Config) (Splitter, error)

type Registry struct {
	mu           sync.RWMutex
	transformers map[string]TransformerFactory
	splitters    map[string]SplitterFactory
}

func NewRegistry() *Registry {
	return &Registry{
		transformers: make(map[string]TransformerFactory),
		splitters:    make(map[string]SplitterFactory),
	}
}

func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func (r *Registry) RegisterTransformer(name string, f TransformerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[name] = f
}

func (r *Registry) RegisterSplitter(name string, f SplitterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splitters[name] = f
}

func (r *Registry) Transformer(name string, cfg policy.Config) (Transformer, error) {
	r.mu.RLock()
	f, ok := r.transformers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownPlugin("transformer", name)
	}
	t, err := f(cfg)
	if err != nil {
		return nil, badPlugin("transformer", name, err)
	}
	return t, nil
}

func (r *Registry) Splitter(name string, cfg policy.Config) (Splitter, error) {
	r.mu.RLock()
	f, ok := r.splitters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownPlugin("splitter", name)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, badPlugin("splitter", name, err)
	}
	return s, nil
}

func (r *Registry) TransformerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.transformers)
}

func (r *Registry) SplitterNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.splitters)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unknownPlugin(kind, name string) error {
	return apperrors.ErrConfiguration.
		WithMessage(fmt.Sprintf("no %s named %q", kind, name)).
		WithDetail(kind, name)
}

func badPlugin(kind, name string, err error) error {
	return apperrors.ErrConfiguration.
		WithCause(err).
		WithMessage(fmt.Sprintf("cannot build %s %q: %v", kind, name, err)).
		WithDetail(kind, name)
}

// Failed wraps a plugin failure so the pipeline records it instead of retrying.
func Failed(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ErrProcessing.WithCause(err).WithMessage(err.Error())
}
