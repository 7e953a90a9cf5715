package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/broker"
	"meridian/internal/component"
	"meridian/internal/logger"
	"meridian/internal/testkit"
)

type counter struct{ n atomic.Int32 }

func (c *counter) Trigger() { c.n.Add(1) }

func stateChange(t *testing.T, owner string) broker.Message {
	t.Helper()
	b := testkit.NewBroker()
	n := NewNotifier(b, "component-state", "management-service")

	c := &component.Component{ID: "c1", Name: "adt-in", RouteID: "r1", Owner: owner}
	err := n.ComponentStateChanged(context.Background(), c, component.SideInbound,
		component.StateChange{Old: component.StateRunning, New: component.StateStopped, Success: true})
	require.NoError(t, err)

	sent := b.Sent("component-state")
	require.Len(t, sent, 1)
	return sent[0]
}

func TestNotifierPublishesStateChange(t *testing.T) {
	msg := stateChange(t, "default")
	assert.Equal(t, "c1", string(msg.Key))

	ev, err := decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "default/r1/adt-in", ev.Path)
	assert.Equal(t, component.SideInbound, ev.Side)
	assert.Equal(t, component.StateStopped, ev.NewState)
}

func TestNotifierWithoutTopicIsNoop(t *testing.T) {
	b := testkit.NewBroker()
	n := NewNotifier(b, "", "management-service")
	err := n.ComponentStateChanged(context.Background(), &component.Component{ID: "c1"}, component.SideOutbound, component.StateChange{})
	require.NoError(t, err)
	assert.Empty(t, b.Sent(""))
}

func TestHandlerTriggersReconcileForOwner(t *testing.T) {
	tests := []struct {
		name      string
		owner     string
		eventFrom string
		want      int32
	}{
		{"same owner", "default", "default", 1},
		{"other owner", "default", "lab", 0},
		{"any owner", "", "lab", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &counter{}
			h := NewHandler(tt.owner, c, logger.NopLogger())
			require.NoError(t, h.Handle(context.Background(), stateChange(t, tt.eventFrom)))
			assert.Equal(t, tt.want, c.n.Load())
		})
	}
}

func TestHandlerIgnoresGarbage(t *testing.T) {
	c := &counter{}
	h := NewHandler("default", c, logger.NopLogger())
	require.NoError(t, h.Handle(context.Background(), broker.Message{Value: []byte("{")}))
	assert.Zero(t, c.n.Load())
}
