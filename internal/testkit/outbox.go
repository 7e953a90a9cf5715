package testkit

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"meridian/internal/outbox"
	apperrors "meridian/pkg/errors"
)

type OutboxRepository struct {
	mu     sync.Mutex
	events map[string]outbox.Event
}

func NewOutboxRepository(uow *UnitOfWork) *OutboxRepository {
	r := &OutboxRepository{events: make(map[string]outbox.Event)}
	uow.register(r)
	return r
}

func (r *OutboxRepository) snapshot() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := maps.Clone(r.events)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = events
	}
}

func (r *OutboxRepository) Create(_ context.Context, ev *outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Direction == outbox.DirectionInbox {
		for _, other := range r.events {
			if other.Direction == outbox.DirectionInbox &&
				other.ComponentID == ev.ComponentID &&
				other.MessageFlowID == ev.MessageFlowID &&
				other.Type == ev.Type {
				return apperrors.ErrConflict.WithDetail("message_flow_id", ev.MessageFlowID)
			}
		}
	}
	r.events[ev.ID] = copyEvent(*ev)
	return nil
}

func (r *OutboxRepository) Get(_ context.Context, id string) (*outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, apperrors.ErrEventNotFound.WithDetail("event_id", id)
	}
	cp := copyEvent(ev)
	return &cp, nil
}

func (r *OutboxRepository) Eligible(_ context.Context, q outbox.EligibleQuery) ([]outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []outbox.Event
	for _, ev := range r.events {
		if ev.ComponentID != q.ComponentID || ev.Direction != q.Direction {
			continue
		}
		if ev.RetryAfter != nil && ev.RetryAfter.After(q.Now) {
			continue
		}
		if slices.Contains(q.ExcludeTypes, ev.Type) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sortEvents(out)
	if q.Limit > 0 && uint64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *OutboxRepository) UpdateRetry(_ context.Context, ev *outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.events[ev.ID]
	if !ok {
		return apperrors.ErrEventNotFound.WithDetail("event_id", ev.ID)
	}
	stored.RetryCount = ev.RetryCount
	stored.RetryAfter = copyTime(ev.RetryAfter)
	r.events[ev.ID] = stored
	return nil
}

func (r *OutboxRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[id]; !ok {
		return apperrors.ErrEventNotFound.WithDetail("event_id", id)
	}
	delete(r.events, id)
	return nil
}

func (r *OutboxRepository) Stats(_ context.Context, componentID string) ([]outbox.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		component string
		direction outbox.Direction
		typ       outbox.EventType
	}
	agg := make(map[key]*outbox.Stats)
	for _, ev := range r.events {
		if componentID != "" && ev.ComponentID != componentID {
			continue
		}
		k := key{ev.ComponentID, ev.Direction, ev.Type}
		st, ok := agg[k]
		if !ok {
			st = &outbox.Stats{ComponentID: ev.ComponentID, Direction: ev.Direction, Type: ev.Type}
			agg[k] = st
		}
		st.Pending++
		if ev.RetryCount > 0 {
			st.Retrying++
		}
		st.MaxRetryCount = max(st.MaxRetryCount, ev.RetryCount)
		if st.OldestAt == nil || ev.CreatedAt.Before(*st.OldestAt) {
			st.OldestAt = copyTime(&ev.CreatedAt)
		}
	}

	out := make([]outbox.Stats, 0, len(agg))
	for _, st := range agg {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComponentID != out[j].ComponentID {
			return out[i].ComponentID < out[j].ComponentID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (r *OutboxRepository) ListByComponent(_ context.Context, componentID string, dir outbox.Direction, limit uint64) ([]outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []outbox.Event
	for _, ev := range r.events {
		if ev.ComponentID == componentID && ev.Direction == dir {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	if limit > 0 && uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored event, oldest first.
func (r *OutboxRepository) All() []outbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]outbox.Event, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, copyEvent(ev))
	}
	sortEvents(out)
	return out
}

func sortEvents(events []outbox.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

func copyEvent(ev outbox.Event) outbox.Event {
	ev.RetryAfter = copyTime(ev.RetryAfter)
	return ev
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
