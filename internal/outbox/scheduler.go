package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/config"
	"meridian/internal/lock"
	"meridian/internal/logger"
	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/retry"
	"meridian/pkg/tracing"
)

const (
	tracerName = "meridian-outbox"

	defaultPollInterval   = time.Second
	defaultBatchSize      = 50
	defaultBatchTimeout   = 30 * time.Second
	defaultRetryStep      = 30 * time.Second
	defaultBacklogPeriod  = 15 * time.Second
	releaseTimeout        = 5 * time.Second
	dispatchStatusOK      = "success"
	dispatchStatusFailed  = "failed"
	dispatchStatusSkipped = "skipped"
)

// Handler performs the work an event stands for. On success the handler is
// responsible for deleting the event in the same unit of work as its ledger
// writes. A retryable error schedules a retry; any other error dead-letters
// the event.
type Handler func(ctx context.Context, ev Event) error

// ExhaustedFunc is called inside the unit of work that dead-letters an event,
// either after its last retry or on a non-retryable failure.
// The scheduler deletes the event itself once the hook returns nil.
type ExhaustedFunc func(ctx context.Context, ev Event, cause error) error

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithBacklogInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.backlogInterval = d
	}
}

type registration struct {
	path      string
	suspended map[EventType]bool
	cancel    context.CancelFunc
}

type Scheduler struct {
	repo   Repository
	locker lock.Locker
	uow    store.UnitOfWork
	cfg    config.SchedulerConfig
	logger logger.Logger
	now    func() time.Time

	backlogInterval time.Duration

	mu          sync.RWMutex
	handlers    map[EventType]Handler
	components  map[string]*registration
	onExhausted ExhaustedFunc

	// guarded by mu
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(
	repo Repository,
	locker lock.Locker,
	uow store.UnitOfWork,
	cfg config.SchedulerConfig,
	log logger.Logger,
	opts ...Option,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = defaultRetryStep
	}

	s := &Scheduler{
		repo:            repo,
		locker:          locker,
		uow:             uow,
		cfg:             cfg,
		logger:          log,
		now:             func() time.Time { return time.Now().UTC() },
		backlogInterval: defaultBacklogPeriod,
		handlers:        make(map[EventType]Handler),
		components:      make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle routes events of type t to h, replacing any earlier handler.
func (s *Scheduler) Handle(t EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

func (s *Scheduler) OnExhausted(fn ExhaustedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExhausted = fn
}

// Register adds a component to the polling set. path names the lock shared
// by every instance polling the same component. When the scheduler is
// running a poller starts right away.
func (s *Scheduler) Register(componentID, path string) {
	if path == "" {
		path = componentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reg, ok := s.components[componentID]; ok {
		reg.path = path
		return
	}
	reg := &registration{path: path, suspended: make(map[EventType]bool)}
	s.components[componentID] = reg
	if s.started {
		s.startWorkerLocked(componentID, reg)
	}
}

// Unregister stops polling a component. A batch already in flight finishes.
func (s *Scheduler) Unregister(componentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.components[componentID]
	if !ok {
		return
	}
	if reg.cancel != nil {
		reg.cancel()
	}
	delete(s.components, componentID)
}

func (s *Scheduler) Registered(componentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.components[componentID]
	return ok
}

// Suspend keeps events of the given types in the table without dispatching
// them until Resume is called.
func (s *Scheduler) Suspend(componentID string, types ...EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.components[componentID]; ok {
		for _, t := range types {
			reg.suspended[t] = true
		}
	}
}

func (s *Scheduler) Resume(componentID string, types ...EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.components[componentID]; ok {
		for _, t := range types {
			delete(reg.suspended, t)
		}
	}
}

// RecordEvent writes an event through the unit of work bound to ctx. Callers
// pair it with the ledger write that needs the follow-up.
func (s *Scheduler) RecordEvent(ctx context.Context, req EventRequest) (*Event, error) {
	if !req.Type.Valid() {
		return nil, apperrors.ErrValidation.
			WithMessage("unknown event type").
			WithDetail("type", string(req.Type))
	}
	if req.FlowID == "" || req.ComponentID == "" {
		return nil, apperrors.ErrValidation.WithMessage("event requires a flow and a component")
	}

	ev := &Event{
		ID:            uuid.NewString(),
		Direction:     req.Type.Direction(),
		MessageFlowID: req.FlowID,
		ComponentID:   req.ComponentID,
		RouteID:       req.RouteID,
		Owner:         req.Owner,
		Type:          req.Type,
		CreatedAt:     s.now(),
	}
	if err := s.repo.Create(ctx, ev); err != nil {
		return nil, err
	}

	metrics.IncEventRecorded(string(ev.Direction), string(ev.Type))
	s.logger.DebugwCtx(logging.WithEventID(ctx, ev.ID), "Recorded event",
		"type", ev.Type,
		"flow_id", ev.MessageFlowID,
		"component_id", ev.ComponentID,
	)
	return ev, nil
}

// DeleteEvent consumes an event. EVENT_NOT_FOUND means another worker got
// there first.
func (s *Scheduler) DeleteEvent(ctx context.Context, eventID string) error {
	return s.repo.Delete(ctx, eventID)
}

// MarkForRetry counts a failed attempt and pushes the event back by
// retry_step times the new count. Once max_retries is exceeded the event is
// handed to the exhausted hook and removed.
func (s *Scheduler) MarkForRetry(ctx context.Context, eventID string, cause error) error {
	var (
		updated   Event
		exhausted bool
	)

	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		ev, err := s.repo.Get(ctx, eventID)
		if err != nil {
			return err
		}
		ev.RetryCount++

		if s.cfg.MaxRetries > 0 && ev.RetryCount > s.cfg.MaxRetries {
			exhausted = true
			updated = *ev
			return s.bury(ctx, *ev, cause)
		}

		retryAfter := s.now().Add(retry.LinearDelay(s.cfg.RetryStep, ev.RetryCount, s.cfg.MaxRetryDelay))
		ev.RetryAfter = &retryAfter
		updated = *ev
		return s.repo.UpdateRetry(ctx, ev)
	})
	if err != nil {
		return err
	}

	ctx = logging.WithEventID(ctx, eventID)
	if exhausted {
		metrics.IncEventDeadLettered(string(updated.Type))
		s.logger.ErrorwCtx(ctx, "Event retries exhausted, dead-lettered",
			"type", updated.Type,
			"flow_id", updated.MessageFlowID,
			"retry_count", updated.RetryCount,
			"error", cause,
		)
		return nil
	}

	metrics.IncEventRetried(string(updated.Type))
	s.logger.WarnwCtx(ctx, "Event scheduled for retry",
		"type", updated.Type,
		"flow_id", updated.MessageFlowID,
		"retry_count", updated.RetryCount,
		"retry_after", updated.RetryAfter,
		"error", cause,
	)
	return nil
}

// DeadLetter hands an event to the exhausted hook and removes it without
// spending its remaining retries. Used for failures a retry cannot fix.
func (s *Scheduler) DeadLetter(ctx context.Context, eventID string, cause error) error {
	var buried Event
	err := s.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		ev, err := s.repo.Get(ctx, eventID)
		if err != nil {
			return err
		}
		buried = *ev
		return s.bury(ctx, *ev, cause)
	})
	if err != nil {
		return err
	}

	metrics.IncEventDeadLettered(string(buried.Type))
	s.logger.ErrorwCtx(logging.WithEventID(ctx, eventID), "Event failed permanently, dead-lettered",
		"type", buried.Type,
		"flow_id", buried.MessageFlowID,
		"retry_count", buried.RetryCount,
		"error", cause,
	)
	return nil
}

func (s *Scheduler) bury(ctx context.Context, ev Event, cause error) error {
	if hook := s.exhaustedHook(); hook != nil {
		if err := hook(ctx, ev, cause); err != nil {
			return err
		}
	}
	return s.repo.Delete(ctx, ev.ID)
}

// PollAndDispatch runs one batch for a component under its lease lock:
// inbox events first, then outbox, each oldest first.
func (s *Scheduler) PollAndDispatch(ctx context.Context, componentID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	path, excluded := s.snapshot(componentID)

	ctx = logging.WithComponentID(ctx, componentID)
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "outbox.poll")
	defer span.End()
	span.SetAttributes(attribute.String("component_id", componentID))

	guard, err := s.locker.Lock(ctx, lockKey(path))
	if err != nil {
		return 0, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := guard.Release(releaseCtx); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to release component lock", "path", path, "error", err)
		}
	}()

	now := s.now()
	var events []Event
	for _, dir := range []Direction{DirectionInbox, DirectionOutbox} {
		remaining := batchSize - len(events)
		if remaining <= 0 {
			break
		}
		batch, err := s.repo.Eligible(ctx, EligibleQuery{
			ComponentID:  componentID,
			Direction:    dir,
			Now:          now,
			Limit:        uint64(remaining),
			ExcludeTypes: excluded,
		})
		if err != nil {
			tracing.RecordError(span, err)
			return 0, err
		}
		events = append(events, batch...)
	}
	span.SetAttributes(attribute.Int("batch_size", len(events)))

	dispatched := 0
	for i := range events {
		select {
		case <-guard.Lost():
			s.logger.WarnwCtx(ctx, "Component lock lost, abandoning batch",
				"path", path,
				"remaining", len(events)-i,
			)
			return dispatched, apperrors.ErrServiceUnavailable.
				WithMessage("component lock lost").
				WithDetail("path", path).
				AsRetryable()
		case <-ctx.Done():
			return dispatched, ctx.Err()
		default:
		}
		if s.dispatch(ctx, events[i]) {
			dispatched++
		}
	}
	return dispatched, nil
}

func (s *Scheduler) dispatch(ctx context.Context, ev Event) bool {
	ctx = logging.WithEventID(logging.WithFlowID(ctx, ev.MessageFlowID), ev.ID)

	h := s.handler(ev.Type)
	if h == nil {
		metrics.IncEventDispatched(string(ev.Type), dispatchStatusSkipped)
		s.logger.WarnwCtx(ctx, "No handler for event type, skipping", "type", ev.Type)
		return false
	}

	start := time.Now()
	err := invoke(ctx, h, ev)
	metrics.ObserveDispatchDuration(string(ev.Type), time.Since(start))

	if err == nil {
		metrics.IncEventDispatched(string(ev.Type), dispatchStatusOK)
		return true
	}
	metrics.IncEventDispatched(string(ev.Type), dispatchStatusFailed)

	if apperrors.IsRetryable(err) {
		s.logger.WarnwCtx(ctx, "Event handler failed", "type", ev.Type, "error", err)
		if rerr := s.MarkForRetry(ctx, ev.ID, err); rerr != nil && !errors.Is(rerr, apperrors.ErrEventNotFound) {
			s.logger.ErrorwCtx(ctx, "Failed to schedule event retry", "type", ev.Type, "error", rerr)
		}
		return true
	}

	s.logger.ErrorwCtx(ctx, "Event handler returned a non-retryable error", "type", ev.Type, "error", err)
	if rerr := s.DeadLetter(ctx, ev.ID, err); rerr != nil && !errors.Is(rerr, apperrors.ErrEventNotFound) {
		s.logger.ErrorwCtx(ctx, "Failed to dead-letter event", "type", ev.Type, "error", rerr)
	}
	return true
}

func invoke(ctx context.Context, h Handler, ev Event) error {
	return apperrors.Guard(func() error { return h(ctx, ev) })
}

// Stats reports the backlog of one component, or of all when componentID is
// empty.
func (s *Scheduler) Stats(ctx context.Context, componentID string) ([]Stats, error) {
	return s.repo.Stats(ctx, componentID)
}

func (s *Scheduler) Pending(ctx context.Context, componentID string, dir Direction, limit uint64) ([]Event, error) {
	return s.repo.ListByComponent(ctx, componentID, dir, limit)
}

// Start launches one poller per registered component and a backlog reporter.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return apperrors.ErrConflict.WithMessage("scheduler already started")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for id, reg := range s.components {
		s.startWorkerLocked(id, reg)
	}

	s.wg.Add(1)
	go s.backlogLoop(s.runCtx)

	s.logger.Infow("Event scheduler started",
		"components", len(s.components),
		"poll_interval", s.cfg.PollInterval,
		"batch_size", s.cfg.BatchSize,
	)
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.BatchTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the pollers and waits for in-flight batches.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Event scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) startWorkerLocked(componentID string, reg *registration) {
	ctx, cancel := context.WithCancel(s.runCtx)
	reg.cancel = cancel
	s.wg.Add(1)
	go s.worker(ctx, componentID)
}

func (s *Scheduler) worker(ctx context.Context, componentID string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, componentID)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, componentID string) {
	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	_, err := s.PollAndDispatch(batchCtx, componentID, s.cfg.BatchSize)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, apperrors.ErrTimeout):
		// another instance holds the component
		s.logger.Debugw("Component busy, skipping poll", "component_id", componentID)
	default:
		s.logger.Warnw("Poll failed", "component_id", componentID, "error", err)
	}
}

func (s *Scheduler) backlogLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.backlogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportBacklog(ctx)
		}
	}
}

func (s *Scheduler) reportBacklog(ctx context.Context) {
	stats, err := s.repo.Stats(ctx, "")
	if err != nil {
		s.logger.Warnw("Failed to collect event backlog", "error", err)
		return
	}

	type key struct {
		component string
		direction Direction
	}
	pending := make(map[key]int)

	s.mu.RLock()
	for id := range s.components {
		pending[key{id, DirectionInbox}] = 0
		pending[key{id, DirectionOutbox}] = 0
	}
	s.mu.RUnlock()

	for _, st := range stats {
		pending[key{st.ComponentID, st.Direction}] += st.Pending
	}
	for k, n := range pending {
		metrics.SetEventBacklog(k.component, string(k.direction), n)
	}
}

func (s *Scheduler) handler(t EventType) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[t]
}

func (s *Scheduler) exhaustedHook() ExhaustedFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onExhausted
}

func (s *Scheduler) snapshot(componentID string) (string, []EventType) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.components[componentID]
	if !ok {
		return componentID, nil
	}
	excluded := make([]EventType, 0, len(reg.suspended))
	for t := range reg.suspended {
		excluded = append(excluded, t)
	}
	return reg.path, excluded
}

func lockKey(path string) string {
	return "outbox:" + path
}
