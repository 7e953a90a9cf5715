package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/config"
	"meridian/internal/ledger"
	"meridian/internal/lock"
	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/outbox"
	"meridian/internal/pipeline"
	"meridian/internal/policy"
	"meridian/internal/processing"
	"meridian/internal/testkit"
	apperrors "meridian/pkg/errors"
)

const adt = "MSH|^~\\&|LAB|HOSP|EHR|HOSP|20260101120000||ADT^A01^ADT_A01|MSG0001|P|2.5\rPID|1||12345\r"

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
	ctrl       *pipeline.Controller
	scheduler  *outbox.Scheduler
	ledger     *ledger.Ledger
	uow        *testkit.UnitOfWork
	flows      *testkit.LedgerRepository
	messages   *testkit.MessageStore
	events     *testkit.OutboxRepository
	components *testkit.ComponentRepository
	policies   *policy.Registry
	plugins    *processing.Registry
	broker     *testkit.Broker
	consumer   *testkit.Consumer
	clock      *clock
}

func newFixture(t *testing.T, cfg config.SchedulerConfig) *fixture {
	t.Helper()
	f := &fixture{
		uow:      testkit.NewUnitOfWork(),
		policies: policy.NewDefaultRegistry(),
		plugins:  processing.NewDefaultRegistry(),
		broker:   testkit.NewBroker(),
		consumer: testkit.NewConsumer(),
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.flows = testkit.NewLedgerRepository(f.uow)
	f.messages = testkit.NewMessageStore(f.uow)
	f.events = testkit.NewOutboxRepository(f.uow)
	f.components = testkit.NewComponentRepository(f.uow)

	log := logger.NopLogger()
	f.ledger = ledger.New(f.flows, f.messages, f.uow, log, ledger.WithClock(f.clock.Now))
	f.scheduler = outbox.NewScheduler(f.events, lock.NewLocalLocker(50*time.Millisecond), f.uow, cfg, log,
		outbox.WithClock(f.clock.Now))
	f.ctrl = pipeline.New(pipeline.Deps{
		Ledger:     f.ledger,
		Scheduler:  f.scheduler,
		UnitOfWork: f.uow,
		Components: f.components,
		Policies:   f.policies,
		Plugins:    f.plugins,
		Producer:   f.broker,
		Consumers: func(string) (broker.Consumer, error) {
			return f.consumer, nil
		},
		Logger: log,
	}, pipeline.WithClock(f.clock.Now))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.ctrl.Shutdown(ctx)
	})
	return f
}

// add stores a running component and applies its outbound side. Inbound
// consumers are only started by startInbound.
func (f *fixture) add(t *testing.T, id string, typ component.Type, cfg map[string]string) *component.Component {
	t.Helper()
	c := component.Component{
		ID:            id,
		Name:          id,
		RouteID:       "route-1",
		Owner:         "default",
		Type:          typ,
		InboundState:  component.StateRunning,
		OutboundState: component.StateRunning,
		Configuration: cfg,
		UpdatedAt:     f.clock.Now(),
	}
	f.components.Put(c)
	require.NoError(t, f.ctrl.ApplyOutbound(context.Background(), &c, true))
	return &c
}

func (f *fixture) startInbound(t *testing.T, c *component.Component) {
	t.Helper()
	require.NoError(t, f.ctrl.ApplyInbound(context.Background(), c, true))
	select {
	case dest := <-f.consumer.Started():
		require.Equal(t, c.Config(component.KeySource), dest)
	case <-time.After(time.Second):
		t.Fatal("consumer did not start")
	}
}

// drain polls a component until a pass dispatches nothing.
func (f *fixture) drain(t *testing.T, componentID string) {
	t.Helper()
	for range 20 {
		n, err := f.scheduler.PollAndDispatch(context.Background(), componentID, 0)
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
	t.Fatal("component did not drain")
}

func (f *fixture) withAction(action ledger.Action) []ledger.Flow {
	var out []ledger.Flow
	for _, fl := range f.flows.All() {
		if fl.Action == action {
			out = append(out, fl)
		}
	}
	return out
}

func adapterConfig(extra map[string]string) map[string]string {
	cfg := map[string]string{
		component.KeySource:           "lab.in",
		component.KeyDestination:      "route.in",
		component.KeyContentType:      "hl7",
		component.KeyAcceptancePolicy: policy.AcceptAll,
		component.KeyForwardingPolicy: policy.ForwardAll,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	return cfg
}

func TestIngestAcceptedFlowIsForwarded(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	ctx := context.Background()

	accepted, err := f.ctrl.Ingest(ctx, "adapter", adt, "", ledger.Properties{{Key: "sender", Value: "lab"}})
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionAccepted, accepted.Action)
	assert.Equal(t, message.ContentTypeHL7, accepted.ContentType)

	events := f.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeIngressComplete, events[0].Type)
	assert.Equal(t, accepted.ID, events[0].MessageFlowID)

	f.drain(t, "adapter")

	assert.Empty(t, f.events.All())
	forwarded := f.withAction(ledger.ActionForwarded)
	require.Len(t, forwarded, 1)
	assert.Equal(t, accepted.ID, *forwarded[0].ParentID)

	sent := f.broker.Sent("route.in")
	require.Len(t, sent, 1)
	_, env, err := broker.DecodeEnvelope(ctx, sent[0])
	require.NoError(t, err)
	assert.Equal(t, forwarded[0].ID, env.FlowID)
	assert.Equal(t, adt, env.Content)
	assert.Equal(t, "lab", env.Properties.Map()["sender"])

	lineage, err := f.ledger.Lineage(ctx, forwarded[0].ID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, ledger.ActionIngested, lineage[0].Action)
	assert.Equal(t, forwarded[0].ID, lineage[2].ID)
}

func TestIngestFilteredFlowStops(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(map[string]string{
		component.KeyAcceptancePolicy: policy.HL7MessageType,
		"acceptance.message_types":    "ORU^R01",
	}))

	flow, err := f.ctrl.Ingest(context.Background(), "adapter", adt, "", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionNotAccepted, flow.Action)
	assert.Empty(t, f.events.All())

	detail, ok := f.flows.Details()[flow.ID]
	require.True(t, ok)
	assert.Equal(t, ledger.DetailFiltered, detail.Kind)
	assert.Equal(t, "HL7MessageTypeFilter", detail.Name)
}

func TestIngestPolicyFailureRecordsErrorNode(t *testing.T) {
	broken := map[string]string{
		component.KeyAcceptancePolicy: policy.CEL,
		"acceptance.expression":       `properties["missing"] == "x"`,
	}

	tests := []struct {
		name   string
		typ    component.Type
		action ledger.Action
	}{
		{"filter component", component.TypeFilter, ledger.ActionFilterError},
		{"adapter", component.TypeTransportInboundAdapter, ledger.ActionProcessingError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.SchedulerConfig{})
			f.add(t, "c1", tt.typ, adapterConfig(broken))

			flow, err := f.ctrl.Ingest(context.Background(), "c1", "payload", message.ContentTypeTXT, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.action, flow.Action)
			require.NotNil(t, flow.ParentID)

			root, err := f.ledger.Get(context.Background(), *flow.ParentID)
			require.NoError(t, err)
			assert.Equal(t, ledger.ActionIngested, root.Action)

			detail := f.flows.Details()[flow.ID]
			assert.Equal(t, ledger.DetailError, detail.Kind)
			assert.Contains(t, detail.Error, "PROCESSING_ERROR")
			assert.Empty(t, f.events.All())
		})
	}
}

func TestIngestRollsBackOnCommitFailure(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))

	f.uow.FailNextCommit(errors.New("connection reset"))
	_, err := f.ctrl.Ingest(context.Background(), "adapter", adt, "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	assert.Empty(t, f.flows.All())
	assert.Empty(t, f.events.All())
	assert.Zero(t, f.messages.Count())
}

func TestIngestRejectedWhileInboundStopped(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	c := f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	c.InboundState = component.StateStopped
	require.NoError(t, f.ctrl.ApplyInbound(context.Background(), c, false))

	_, err := f.ctrl.Ingest(context.Background(), "adapter", adt, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Empty(t, f.flows.All())
}

func TestTransformerProducesNewContent(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "upper", component.TypeTransformer, adapterConfig(map[string]string{
		component.KeyTransformer: processing.CELTransformer,
		"transformer.expression": "content.upperAscii()",
	}))
	ctx := context.Background()

	_, err := f.ctrl.Ingest(ctx, "upper", "abc", message.ContentTypeTXT, nil)
	require.NoError(t, err)
	f.drain(t, "upper")

	transformed := f.withAction(ledger.ActionTransformed)
	require.Len(t, transformed, 1)
	content, err := f.ledger.Content(ctx, &transformed[0])
	require.NoError(t, err)
	assert.Equal(t, "ABC", content.Content)

	sent := f.broker.Sent("route.in")
	require.Len(t, sent, 1)
	_, env, err := broker.DecodeEnvelope(ctx, sent[0])
	require.NoError(t, err)
	assert.Equal(t, "ABC", env.Content)
}

func TestTransformerFailureIsRecordedOnce(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "upper", component.TypeTransformer, adapterConfig(map[string]string{
		component.KeyTransformer: processing.CELTransformer,
		"transformer.expression": `properties["missing"]`,
	}))

	_, err := f.ctrl.Ingest(context.Background(), "upper", "abc", message.ContentTypeTXT, nil)
	require.NoError(t, err)
	f.drain(t, "upper")

	failed := f.withAction(ledger.ActionTransformationError)
	require.Len(t, failed, 1)
	assert.Equal(t, ledger.DetailError, f.flows.Details()[failed[0].ID].Kind)
	assert.Empty(t, f.events.All())
	assert.Empty(t, f.broker.Sent("route.in"))
}

// nilMap panics from every plugin method it implements.
type nilMap struct{}

func (nilMap) write() {
	var counts map[string]int
	counts["calls"]++
}

func (n nilMap) Name() string { return "nil-map" }

func (n nilMap) ApplyPolicy(context.Context, policy.Subject) (policy.Result, error) {
	n.write()
	return policy.Accept(), nil
}

func (n nilMap) Transform(context.Context, processing.Input) (processing.Output, error) {
	n.write()
	return processing.Output{}, nil
}

func (n nilMap) Split(context.Context, processing.Input) ([]processing.Output, error) {
	n.write()
	return nil, nil
}

func TestPanickingPluginIsRecordedNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		typ    component.Type
		cfg    map[string]string
		action ledger.Action
	}{
		{
			name:   "transformer",
			typ:    component.TypeTransformer,
			cfg:    map[string]string{component.KeyTransformer: "nil-map"},
			action: ledger.ActionTransformationError,
		},
		{
			name:   "splitter",
			typ:    component.TypeSplitter,
			cfg:    map[string]string{component.KeySplitter: "nil-map"},
			action: ledger.ActionSplitterError,
		},
		{
			name:   "filter forwarding policy",
			typ:    component.TypeFilter,
			cfg:    map[string]string{component.KeyForwardingPolicy: "nil-map"},
			action: ledger.ActionFilterError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.SchedulerConfig{RetryStep: time.Second})
			f.plugins.RegisterTransformer("nil-map", func(policy.Config) (processing.Transformer, error) {
				return nilMap{}, nil
			})
			f.plugins.RegisterSplitter("nil-map", func(policy.Config) (processing.Splitter, error) {
				return nilMap{}, nil
			})
			f.policies.RegisterForwarding("nil-map", func(policy.Config) (policy.Policy, error) {
				return nilMap{}, nil
			})
			f.add(t, "broken", tt.typ, adapterConfig(tt.cfg))

			_, err := f.ctrl.Ingest(context.Background(), "broken", "abc", message.ContentTypeTXT, nil)
			require.NoError(t, err)
			f.drain(t, "broken")

			failed := f.withAction(tt.action)
			require.Len(t, failed, 1)
			detail := f.flows.Details()[failed[0].ID]
			assert.Equal(t, ledger.DetailError, detail.Kind)
			assert.Contains(t, detail.Error, "recovered panic")

			accepted := f.withAction(ledger.ActionAccepted)
			require.Len(t, accepted, 1)
			assert.Equal(t, accepted[0].ID, *failed[0].ParentID)
			assert.Empty(t, f.events.All())
			assert.Empty(t, f.broker.Sent("route.in"))
		})
	}
}

func TestUnbuildableComponentFailureIsRecordedNotRetried(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{RetryStep: time.Second})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	ctx := context.Background()

	flow, err := f.ctrl.Ingest(ctx, "adapter", adt, "", nil)
	require.NoError(t, err)

	ghost := component.Component{
		ID:            "ghost",
		Name:          "ghost",
		RouteID:       "route-1",
		Owner:         "default",
		Type:          component.TypeTransformer,
		InboundState:  component.StateRunning,
		OutboundState: component.StateRunning,
		Configuration: adapterConfig(map[string]string{component.KeyTransformer: "no-such-plugin"}),
		UpdatedAt:     f.clock.Now(),
	}
	f.components.Put(ghost)
	f.scheduler.Register(ghost.ID, ghost.Path())
	require.NoError(t, f.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := f.scheduler.RecordEvent(ctx, outbox.EventRequest{
			FlowID:      flow.ID,
			ComponentID: ghost.ID,
			RouteID:     ghost.RouteID,
			Owner:       ghost.Owner,
			Type:        outbox.TypeIngressComplete,
		})
		return err
	}))

	f.drain(t, ghost.ID)

	failed := f.withAction(ledger.ActionProcessingError)
	require.Len(t, failed, 1)
	assert.Equal(t, ghost.ID, failed[0].ComponentID)
	assert.Equal(t, flow.ID, *failed[0].ParentID)
	assert.Contains(t, f.flows.Details()[failed[0].ID].Error, "CONFIGURATION_ERROR")
	for _, ev := range f.events.All() {
		assert.NotEqual(t, ghost.ID, ev.ComponentID)
	}
}

func TestSplitterCreatesOneFlowPerPart(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "split", component.TypeSplitter, adapterConfig(map[string]string{
		component.KeyContentType: "json",
		component.KeySplitter:    processing.JSONArray,
	}))

	_, err := f.ctrl.Ingest(context.Background(), "split", `[{"a":1},{"a":2},{"a":3}]`, "", nil)
	require.NoError(t, err)
	f.drain(t, "split")

	parts := f.withAction(ledger.ActionCreatedFromSplit)
	require.Len(t, parts, 3)
	for _, p := range parts {
		total, ok := p.Properties.Get(processing.PropSplitTotal)
		require.True(t, ok)
		assert.Equal(t, "3", total)
	}
	assert.Len(t, f.withAction(ledger.ActionForwarded), 3)
	assert.Len(t, f.broker.Sent("route.in"), 3)

	group, err := f.ledger.Group(context.Background(), parts[0].GroupID)
	require.NoError(t, err)
	assert.Len(t, group, 1+1+3+3)
}

func TestSplitterFailureRecordsSplitterError(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "split", component.TypeSplitter, adapterConfig(map[string]string{
		component.KeyContentType: "json",
		component.KeySplitter:    processing.JSONArray,
	}))

	_, err := f.ctrl.Ingest(context.Background(), "split", `{"not":"an array"}`, "", nil)
	require.NoError(t, err)
	f.drain(t, "split")

	assert.Len(t, f.withAction(ledger.ActionSplitterError), 1)
	assert.Empty(t, f.events.All())
}

func TestDispatchRetriesAfterTransportFailure(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{RetryStep: 30 * time.Second})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	ctx := context.Background()

	_, err := f.ctrl.Ingest(ctx, "adapter", adt, "", nil)
	require.NoError(t, err)

	f.broker.Fail(errors.New("broker unreachable"))
	f.drain(t, "adapter")

	events := f.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypePendingForwarding, events[0].Type)
	assert.Equal(t, 1, events[0].RetryCount)
	require.NotNil(t, events[0].RetryAfter)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), *events[0].RetryAfter)
	assert.Empty(t, f.withAction(ledger.ActionForwarded))

	f.broker.Fail(nil)
	f.drain(t, "adapter")
	assert.Len(t, f.events.All(), 1, "event is not eligible before its retry time")

	f.clock.Advance(31 * time.Second)
	f.drain(t, "adapter")
	assert.Empty(t, f.events.All())
	assert.Len(t, f.withAction(ledger.ActionForwarded), 1)
	assert.Len(t, f.broker.Sent("route.in"), 1)
}

func TestDispatchDeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{RetryStep: time.Second, MaxRetries: 1})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))

	_, err := f.ctrl.Ingest(context.Background(), "adapter", adt, "", nil)
	require.NoError(t, err)
	f.broker.Fail(errors.New("broker unreachable"))

	f.drain(t, "adapter")
	f.clock.Advance(2 * time.Second)
	f.drain(t, "adapter")

	assert.Empty(t, f.events.All())
	failed := f.withAction(ledger.ActionProcessingError)
	require.Len(t, failed, 1)

	pending := f.withAction(ledger.ActionPendingForwarding)
	require.Len(t, pending, 1)
	assert.Equal(t, pending[0].ID, *failed[0].ParentID)
	assert.Contains(t, f.flows.Details()[failed[0].ID].Error, "retries exhausted after 2 attempts")
}

func TestStoppedOutboundHoldsDispatch(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	c := f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	ctx := context.Background()
	require.NoError(t, f.ctrl.ApplyOutbound(ctx, c, false))

	_, err := f.ctrl.Ingest(ctx, "adapter", adt, "", nil)
	require.NoError(t, err)
	f.drain(t, "adapter")

	assert.Len(t, f.withAction(ledger.ActionPendingForwarding), 1)
	assert.Empty(t, f.broker.Sent("route.in"))

	require.NoError(t, f.ctrl.ApplyOutbound(ctx, c, true))
	f.drain(t, "adapter")
	assert.Len(t, f.broker.Sent("route.in"), 1)
}

func TestStoppedInboundHoldsQueuedProcessing(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	c := f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	ctx := context.Background()
	f.startInbound(t, c)

	_, err := f.ctrl.Ingest(ctx, "adapter", adt, "", nil)
	require.NoError(t, err)

	c.InboundState = component.StateStopped
	require.NoError(t, f.ctrl.ApplyInbound(ctx, c, false))
	f.drain(t, "adapter")

	events := f.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.TypeIngressComplete, events[0].Type)
	assert.Zero(t, events[0].RetryCount)
	assert.Empty(t, f.withAction(ledger.ActionPendingForwarding))

	c.InboundState = component.StateRunning
	f.startInbound(t, c)
	f.drain(t, "adapter")

	assert.Empty(t, f.events.All())
	assert.Len(t, f.withAction(ledger.ActionForwarded), 1)
	assert.Len(t, f.broker.Sent("route.in"), 1)
}

func TestEnvelopeReceivedDownstreamOnce(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	downstream := f.add(t, "connector", component.TypeOutboundRouteConnector, map[string]string{
		component.KeySource:           "route.in",
		component.KeyDestination:      "route.out",
		component.KeyAcceptancePolicy: policy.AcceptAll,
		component.KeyForwardingPolicy: policy.ForwardAll,
	})
	f.startInbound(t, downstream)
	ctx := context.Background()

	_, err := f.ctrl.Ingest(ctx, "adapter", adt, "", nil)
	require.NoError(t, err)
	f.drain(t, "adapter")
	sent := f.broker.Sent("route.in")
	require.Len(t, sent, 1)

	for range 2 {
		ok, err := f.consumer.Deliver(ctx, "route.in", sent[0])
		require.True(t, ok)
		require.NoError(t, err)
	}
	inbox := f.events.All()
	require.Len(t, inbox, 1)
	assert.Equal(t, outbox.TypeMessageReceived, inbox[0].Type)
	assert.Equal(t, outbox.DirectionInbox, inbox[0].Direction)

	f.drain(t, "connector")
	forwarded := f.withAction(ledger.ActionForwarded)
	require.Len(t, forwarded, 2)
	require.Len(t, f.broker.Sent("route.out"), 1)

	// The same event recorded again after the first was consumed must not
	// produce a second branch.
	_, err = f.ctrl.Receive(ctx, "connector", broker.Envelope{FlowID: inbox[0].MessageFlowID})
	require.NoError(t, err)
	f.drain(t, "connector")
	assert.Len(t, f.withAction(ledger.ActionAccepted), 2)
}

func TestReceiveRejectsUnknownFlow(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "connector", component.TypeInboundRouteConnector, adapterConfig(nil))

	_, err := f.ctrl.Receive(context.Background(), "connector", broker.Envelope{FlowID: "no-such-flow"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRawInboundPayloadIsIngested(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	c := f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(nil))
	f.startInbound(t, c)
	assert.True(t, f.ctrl.Consuming("adapter"))

	ok, err := f.consumer.Deliver(context.Background(), "lab.in", broker.Message{
		Value:   []byte(adt),
		Headers: map[string]string{"sender": "lab", "traceparent": "00-abc-def-01"},
	})
	require.True(t, ok)
	require.NoError(t, err)

	roots := f.withAction(ledger.ActionIngested)
	require.Len(t, roots, 1)
	assert.Equal(t, ledger.Properties{{Key: "sender", Value: "lab"}}, roots[0].Properties)

	require.NoError(t, f.ctrl.ApplyInbound(context.Background(), c, false))
	assert.False(t, f.ctrl.Consuming("adapter"))
}

func TestAcknowledgmentReturnedForHL7(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{})
	f.add(t, "adapter", component.TypeTransportInboundAdapter, adapterConfig(map[string]string{
		component.KeyAcknowledge:    "true",
		component.KeyAckDestination: "lab.acks",
	}))

	accepted, err := f.ctrl.Ingest(context.Background(), "adapter", adt, "", nil)
	require.NoError(t, err)
	assert.Len(t, f.events.All(), 2)

	f.drain(t, "adapter")

	acks := f.broker.Sent("lab.acks")
	require.Len(t, acks, 1)
	assert.Contains(t, string(acks[0].Value), "MSA|AA|MSG0001")

	sent := f.withAction(ledger.ActionAcknowledgmentSent)
	require.Len(t, sent, 1)
	assert.Equal(t, accepted.ID, *sent[0].ParentID)
	assert.Equal(t, message.ContentTypeHL7Ack, sent[0].ContentType)
}
