package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/lock"
	"meridian/internal/logger"
	"meridian/internal/outbox"
	"meridian/internal/testkit"
	apperrors "meridian/pkg/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	scheduler *outbox.Scheduler
	repo      *testkit.OutboxRepository
	uow       *testkit.UnitOfWork
	locker    *lock.LocalLocker
	clock     *clock
}

func newFixture(cfg config.SchedulerConfig) *fixture {
	uow := testkit.NewUnitOfWork()
	repo := testkit.NewOutboxRepository(uow)
	locker := lock.NewLocalLocker(50 * time.Millisecond)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		scheduler: outbox.NewScheduler(repo, locker, uow, cfg, logger.NopLogger(), outbox.WithClock(clk.Now)),
		repo:      repo,
		uow:       uow,
		locker:    locker,
		clock:     clk,
	}
}

func (f *fixture) record(t *testing.T, flowID string, typ outbox.EventType) *outbox.Event {
	t.Helper()
	ev, err := f.scheduler.RecordEvent(context.Background(), outbox.EventRequest{
		FlowID:      flowID,
		ComponentID: "c1",
		RouteID:     "r1",
		Owner:       "default",
		Type:        typ,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return ev
}

// consume returns a handler that records the flow ids it saw and deletes
// the event, as a successful stage would.
func (f *fixture) consume(seen *[]string) outbox.Handler {
	return func(ctx context.Context, ev outbox.Event) error {
		*seen = append(*seen, ev.MessageFlowID)
		return f.scheduler.DeleteEvent(ctx, ev.ID)
	}
}

func TestRecordEventAssignsDirection(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})

	out := f.record(t, "f1", outbox.TypePendingForwarding)
	in := f.record(t, "f2", outbox.TypeMessageReceived)

	assert.Equal(t, outbox.DirectionOutbox, out.Direction)
	assert.Equal(t, outbox.DirectionInbox, in.Direction)
	assert.Nil(t, out.RetryAfter)
	assert.Zero(t, out.RetryCount)

	_, err := f.scheduler.RecordEvent(context.Background(), outbox.EventRequest{
		FlowID: "f3", ComponentID: "c1", Type: "BOGUS",
	})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.scheduler.RecordEvent(context.Background(), outbox.EventRequest{
		ComponentID: "c1", Type: outbox.TypeIngressComplete,
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestInboundTypes(t *testing.T) {
	assert.Equal(t, []outbox.EventType{
		outbox.TypeAcknowledgmentPending,
		outbox.TypeIngressComplete,
		outbox.TypeMessageReceived,
	}, outbox.InboundTypes())
	assert.False(t, outbox.TypePendingForwarding.InboundSide())
	assert.False(t, outbox.TypeProcessingComplete.InboundSide())
}

func TestDuplicateInboxEventConflicts(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.record(t, "f1", outbox.TypeMessageReceived)

	_, err := f.scheduler.RecordEvent(context.Background(), outbox.EventRequest{
		FlowID: "f1", ComponentID: "c1", Type: outbox.TypeMessageReceived,
	})
	assert.True(t, apperrors.IsConflict(err))
}

func TestRecordEventRollsBackWithUnitOfWork(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	boom := errors.New("ledger write failed")

	err := f.uow.WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, err := f.scheduler.RecordEvent(ctx, outbox.EventRequest{
			FlowID: "f1", ComponentID: "c1", Type: outbox.TypeIngressComplete,
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.repo.All())
}

func TestPollDispatchesInboxBeforeOutbox(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	var seen []string
	f.scheduler.Handle(outbox.TypeIngressComplete, f.consume(&seen))
	f.scheduler.Handle(outbox.TypeMessageReceived, f.consume(&seen))

	f.record(t, "out-1", outbox.TypeIngressComplete)
	f.record(t, "out-2", outbox.TypeIngressComplete)
	f.record(t, "in-1", outbox.TypeMessageReceived)

	n, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"in-1", "out-1", "out-2"}, seen)
	assert.Empty(t, f.repo.All())
}

func TestPollRespectsBatchSize(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	var seen []string
	f.scheduler.Handle(outbox.TypeProcessingComplete, f.consume(&seen))

	for _, id := range []string{"a", "b", "c"} {
		f.record(t, id, outbox.TypeProcessingComplete)
	}

	n, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Len(t, f.repo.All(), 1)
}

func TestUnknownEventTypeIsSkipped(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.record(t, "f1", outbox.TypeAcknowledgmentPending)

	n, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	events := f.repo.All()
	require.Len(t, events, 1)
	assert.Zero(t, events[0].RetryCount)
}

func TestHandlerFailureSchedulesRetry(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	calls := 0
	f.scheduler.Handle(outbox.TypePendingForwarding, func(context.Context, outbox.Event) error {
		calls++
		return apperrors.ErrTransport.WithMessage("broker down")
	})
	f.record(t, "f1", outbox.TypePendingForwarding)
	now := f.clock.Now()

	_, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	events := f.repo.All()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].RetryCount)
	require.NotNil(t, events[0].RetryAfter)
	assert.Equal(t, now.Add(30*time.Second), *events[0].RetryAfter)

	// not eligible until retry_after passes
	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	f.clock.Advance(30 * time.Second)
	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestLinearBackoffGrowth(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	ev := f.record(t, "f1", outbox.TypePendingForwarding)
	ref := f.clock.Now()

	for n := 1; n <= 5; n++ {
		require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))

		got, err := f.repo.Get(context.Background(), ev.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.RetryCount)
		require.NotNil(t, got.RetryAfter)
		assert.Equal(t, ref.Add(time.Duration(n)*30*time.Second), *got.RetryAfter)
	}
}

func TestRetryDelayCap(t *testing.T) {
	f := newFixture(config.SchedulerConfig{RetryStep: time.Minute, MaxRetryDelay: 2 * time.Minute})
	ev := f.record(t, "f1", outbox.TypePendingForwarding)
	ref := f.clock.Now()

	for range 4 {
		require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))
	}

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RetryCount)
	assert.Equal(t, ref.Add(2*time.Minute), *got.RetryAfter)
}

func TestMarkForRetryMissingEvent(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})

	err := f.scheduler.MarkForRetry(context.Background(), "gone", errors.New("x"))
	assert.True(t, errors.Is(err, apperrors.ErrEventNotFound))
}

func TestExhaustedEventIsDeadLettered(t *testing.T) {
	f := newFixture(config.SchedulerConfig{MaxRetries: 2})
	var dead []outbox.Event
	f.scheduler.OnExhausted(func(_ context.Context, ev outbox.Event, cause error) error {
		assert.EqualError(t, cause, "fail")
		dead = append(dead, ev)
		return nil
	})
	ev := f.record(t, "f1", outbox.TypeProcessingComplete)

	for range 2 {
		require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))
	}
	assert.Empty(t, dead)
	assert.Len(t, f.repo.All(), 1)

	require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Empty(t, f.repo.All())
}

func TestExhaustedHookFailureKeepsEvent(t *testing.T) {
	f := newFixture(config.SchedulerConfig{MaxRetries: 1})
	hookErr := apperrors.ErrStore.WithMessage("ledger unavailable").AsRetryable()
	f.scheduler.OnExhausted(func(context.Context, outbox.Event, error) error {
		return hookErr
	})
	ev := f.record(t, "f1", outbox.TypeProcessingComplete)

	require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))
	err := f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail"))
	require.ErrorIs(t, err, apperrors.ErrStore)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestUnlimitedRetriesByDefault(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.scheduler.OnExhausted(func(context.Context, outbox.Event, error) error {
		t.Fatal("event must not be dead-lettered")
		return nil
	})
	ev := f.record(t, "f1", outbox.TypeProcessingComplete)

	for range 20 {
		require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("fail")))
	}
	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.RetryCount)
}

func TestHandlerPanicIsDeadLettered(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	var causes []error
	f.scheduler.OnExhausted(func(_ context.Context, _ outbox.Event, cause error) error {
		causes = append(causes, cause)
		return nil
	})
	f.scheduler.Handle(outbox.TypeIngressComplete, func(context.Context, outbox.Event) error {
		panic("boom")
	})
	f.record(t, "f1", outbox.TypeIngressComplete)

	_, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)

	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], apperrors.ErrInternal)
	assert.Empty(t, f.repo.All())
}

func TestNonRetryableHandlerErrorIsDeadLetteredAtOnce(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	var dead []outbox.Event
	f.scheduler.OnExhausted(func(_ context.Context, ev outbox.Event, cause error) error {
		assert.ErrorIs(t, cause, apperrors.ErrConfiguration)
		dead = append(dead, ev)
		return nil
	})
	calls := 0
	f.scheduler.Handle(outbox.TypeProcessingComplete, func(context.Context, outbox.Event) error {
		calls++
		return apperrors.ErrConfiguration.WithMessage("no transformer named \"gone\"")
	})
	ev := f.record(t, "f1", outbox.TypeProcessingComplete)

	_, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, dead, 1)
	assert.Equal(t, ev.ID, dead[0].ID)
	assert.Zero(t, dead[0].RetryCount)
	assert.Empty(t, f.repo.All())

	f.clock.Advance(time.Hour)
	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDeadLetterHookFailureKeepsEvent(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.scheduler.OnExhausted(func(context.Context, outbox.Event, error) error {
		return apperrors.ErrStore.WithMessage("ledger unavailable").AsRetryable()
	})
	ev := f.record(t, "f1", outbox.TypeIngressComplete)

	err := f.scheduler.DeadLetter(context.Background(), ev.ID, apperrors.ErrProcessing)
	require.ErrorIs(t, err, apperrors.ErrStore)

	got, err := f.repo.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)

	err = f.scheduler.DeadLetter(context.Background(), "gone", apperrors.ErrProcessing)
	assert.ErrorIs(t, err, apperrors.ErrEventNotFound)
}

func TestDeleteEventTwiceReportsNotFound(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	first := f.record(t, "f1", outbox.TypeIngressComplete)
	second := f.record(t, "f2", outbox.TypePendingForwarding)
	before, err := f.repo.Get(context.Background(), second.ID)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.DeleteEvent(context.Background(), first.ID))
	err = f.scheduler.DeleteEvent(context.Background(), first.ID)
	assert.ErrorIs(t, err, apperrors.ErrEventNotFound)
	assert.True(t, apperrors.IsNotFound(err))

	events := f.repo.All()
	require.Len(t, events, 1)
	assert.Equal(t, *before, events[0])
}

func TestSuspendedTypesStayQueued(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	var seen []string
	f.scheduler.Handle(outbox.TypePendingForwarding, f.consume(&seen))
	f.scheduler.Handle(outbox.TypeIngressComplete, f.consume(&seen))
	f.scheduler.Register("c1", "route/c1")

	f.record(t, "fwd", outbox.TypePendingForwarding)
	f.record(t, "ingress", outbox.TypeIngressComplete)

	f.scheduler.Suspend("c1", outbox.TypePendingForwarding)
	_, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingress"}, seen)

	f.scheduler.Resume("c1", outbox.TypePendingForwarding)
	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ingress", "fwd"}, seen)
}

func TestPollSkipsWhenComponentLocked(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	calls := 0
	f.scheduler.Handle(outbox.TypeIngressComplete, func(context.Context, outbox.Event) error {
		calls++
		return nil
	})
	f.scheduler.Register("c1", "route/c1")
	f.record(t, "f1", outbox.TypeIngressComplete)

	guard, err := f.locker.Lock(context.Background(), "outbox:route/c1")
	require.NoError(t, err)

	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTimeout))
	assert.Zero(t, calls)

	require.NoError(t, guard.Release(context.Background()))
	_, err = f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestLockReleasedAfterBatch(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	f.scheduler.Register("c1", "route/c1")

	_, err := f.scheduler.PollAndDispatch(context.Background(), "c1", 10)
	require.NoError(t, err)

	guard, err := f.locker.Lock(context.Background(), "outbox:route/c1")
	require.NoError(t, err)
	require.NoError(t, guard.Release(context.Background()))
}

func TestStats(t *testing.T) {
	f := newFixture(config.SchedulerConfig{})
	ev := f.record(t, "f1", outbox.TypePendingForwarding)
	f.record(t, "f2", outbox.TypePendingForwarding)
	f.record(t, "f3", outbox.TypeMessageReceived)
	require.NoError(t, f.scheduler.MarkForRetry(context.Background(), ev.ID, errors.New("x")))

	stats, err := f.scheduler.Stats(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byType := map[outbox.EventType]outbox.Stats{}
	for _, s := range stats {
		byType[s.Type] = s
	}
	fwd := byType[outbox.TypePendingForwarding]
	assert.Equal(t, 2, fwd.Pending)
	assert.Equal(t, 1, fwd.Retrying)
	assert.Equal(t, 1, fwd.MaxRetryCount)
	assert.Equal(t, 1, byType[outbox.TypeMessageReceived].Pending)
}

func TestStartPollsRegisteredComponents(t *testing.T) {
	f := newFixture(config.SchedulerConfig{PollInterval: 5 * time.Millisecond})

	var handled atomic.Int32
	f.scheduler.Handle(outbox.TypeIngressComplete, func(ctx context.Context, ev outbox.Event) error {
		handled.Add(1)
		return f.scheduler.DeleteEvent(ctx, ev.ID)
	})
	f.scheduler.Register("c1", "route/c1")
	f.record(t, "f1", outbox.TypeIngressComplete)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.scheduler.Start(ctx))
	assert.Error(t, f.scheduler.Start(ctx))

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	// components registered while running get a poller too
	f.scheduler.Register("c2", "route/c2")
	_, err := f.scheduler.RecordEvent(context.Background(), outbox.EventRequest{
		FlowID: "f2", ComponentID: "c2", Type: outbox.TypeIngressComplete,
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, f.scheduler.Shutdown(shutdownCtx))
}

func TestRegisterConcurrentWithStart(t *testing.T) {
	for range 50 {
		f := newFixture(config.SchedulerConfig{PollInterval: time.Millisecond})
		var handled atomic.Int32
		f.scheduler.Handle(outbox.TypeIngressComplete, func(ctx context.Context, ev outbox.Event) error {
			handled.Add(1)
			return f.scheduler.DeleteEvent(ctx, ev.ID)
		})
		f.record(t, "f1", outbox.TypeIngressComplete)

		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.scheduler.Register("c1", "route/c1")
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.scheduler.Start(ctx))
		}()
		wg.Wait()

		assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, f.scheduler.Shutdown(shutdownCtx))
		shutdownCancel()
	}
}

func TestUnregisterStopsPolling(t *testing.T) {
	f := newFixture(config.SchedulerConfig{PollInterval: 5 * time.Millisecond})
	f.scheduler.Register("c1", "")
	assert.True(t, f.scheduler.Registered("c1"))

	f.scheduler.Unregister("c1")
	assert.False(t, f.scheduler.Registered("c1"))
}
