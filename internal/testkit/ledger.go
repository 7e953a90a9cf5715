package testkit

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/ledger"
	apperrors "meridian/pkg/errors"
)

type LedgerRepository struct {
	mu      sync.Mutex
	groups  map[string]bool
	flows   map[string]ledger.Flow
	order   []string
	details map[string]ledger.Detail
}

func NewLedgerRepository(uow *UnitOfWork) *LedgerRepository {
	r := &LedgerRepository{
		groups:  make(map[string]bool),
		flows:   make(map[string]ledger.Flow),
		details: make(map[string]ledger.Detail),
	}
	uow.register(r)
	return r
}

func (r *LedgerRepository) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups, flows, details := maps.Clone(r.groups), maps.Clone(r.flows), maps.Clone(r.details)
	order := append([]string(nil), r.order...)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.groups, r.flows, r.details, r.order = groups, flows, details, order
	}
}

func (r *LedgerRepository) CreateGroup(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.groups[id] = true
	return id, nil
}

func (r *LedgerRepository) Insert(_ context.Context, flow *ledger.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[flow.ID]; ok {
		return apperrors.ErrConflict.WithDetail("flow_id", flow.ID)
	}
	if !r.groups[flow.GroupID] {
		return apperrors.ErrStore.WithMessage("unknown group").AsFatal()
	}
	r.flows[flow.ID] = copyFlow(*flow)
	r.order = append(r.order, flow.ID)
	return nil
}

func (r *LedgerRepository) Get(_ context.Context, id string) (*ledger.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flow, ok := r.flows[id]
	if !ok {
		return nil, apperrors.ErrFlowNotFound.WithDetail("flow_id", id)
	}
	cp := copyFlow(flow)
	return &cp, nil
}

func (r *LedgerRepository) UpdateAction(_ context.Context, id string, from, to ledger.Action, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flow, ok := r.flows[id]
	if !ok || flow.Action != from {
		return false, nil
	}
	flow.Action = to
	flow.UpdatedAt = at
	r.flows[id] = flow
	return true, nil
}

func (r *LedgerRepository) InsertDetail(_ context.Context, detail *ledger.Detail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.details[detail.FlowID]; ok {
		return apperrors.ErrConflict.
			WithMessage("flow already has a filter or error record").
			WithDetail("flow_id", detail.FlowID)
	}
	r.details[detail.FlowID] = *detail
	return nil
}

func (r *LedgerRepository) GetDetail(_ context.Context, flowID string) (*ledger.Detail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[flowID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *LedgerRepository) ListByGroup(_ context.Context, groupID string) ([]ledger.Flow, error) {
	return r.filter(func(f ledger.Flow) bool { return f.GroupID == groupID }), nil
}

func (r *LedgerRepository) ListChildren(_ context.Context, parentID string) ([]ledger.Flow, error) {
	return r.filter(func(f ledger.Flow) bool { return f.ParentID != nil && *f.ParentID == parentID }), nil
}

func (r *LedgerRepository) ListErrors(_ context.Context, q ledger.ErrorQuery) ([]ledger.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var records []ledger.ErrorRecord
	for _, d := range r.details {
		if d.Kind != ledger.DetailError {
			continue
		}
		flow := r.flows[d.FlowID]
		if q.ComponentID != "" && flow.ComponentID != q.ComponentID {
			continue
		}
		if !q.Since.IsZero() && d.CreatedAt.Before(q.Since) {
			continue
		}
		records = append(records, ledger.ErrorRecord{Flow: copyFlow(flow), Error: d.Error, CreatedAt: d.CreatedAt})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if q.Limit > 0 && uint64(len(records)) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// All returns every flow in insertion order.
func (r *LedgerRepository) All() []ledger.Flow {
	return r.filter(func(ledger.Flow) bool { return true })
}

// Details returns every side record keyed by flow id.
func (r *LedgerRepository) Details() map[string]ledger.Detail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.details)
}

func (r *LedgerRepository) filter(keep func(ledger.Flow) bool) []ledger.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledger.Flow
	for _, id := range r.order {
		if f := r.flows[id]; keep(f) {
			out = append(out, copyFlow(f))
		}
	}
	return out
}

func copyFlow(f ledger.Flow) ledger.Flow {
	f.Properties = f.Properties.Clone()
	if f.ParentID != nil {
		id := *f.ParentID
		f.ParentID = &id
	}
	return f
}
