package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBus struct {
	inputs []*eventbridge.PutEventsInput
	err    error
}

func (f *fakeBus) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestPublishSetsEnvelopeFields(t *testing.T) {
	bus := &fakeBus{}
	p := NewBusPublisher(bus, "graphplane-events", zap.NewNop())

	p.Publish(context.Background(), Event{
		Type:       GraphAllocated,
		GraphID:    "kg0123456789abcdef",
		InstanceID: "i-aaa1",
	})

	require.Len(t, bus.inputs, 1)
	require.Len(t, bus.inputs[0].Entries, 1)
	entry := bus.inputs[0].Entries[0]

	assert.Equal(t, "graphplane-events", *entry.EventBusName)
	assert.Equal(t, "graphplane.controlplane", *entry.Source)
	assert.Equal(t, "graph.allocated", *entry.DetailType)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(*entry.Detail), &evt))
	assert.Equal(t, "kg0123456789abcdef", evt.GraphID)
	assert.False(t, evt.Timestamp.IsZero(), "a missing timestamp is filled in")
}

func TestPublishBatchesAtTen(t *testing.T) {
	bus := &fakeBus{}
	p := NewBusPublisher(bus, "graphplane-events", zap.NewNop())

	evts := make([]Event, 23)
	for i := range evts {
		evts[i] = Event{Type: SubgraphCreated, GraphID: "kg0123456789abcdef", Timestamp: time.Now()}
	}
	p.Publish(context.Background(), evts...)

	require.Len(t, bus.inputs, 3)
	assert.Len(t, bus.inputs[0].Entries, 10)
	assert.Len(t, bus.inputs[1].Entries, 10)
	assert.Len(t, bus.inputs[2].Entries, 3)
}

func TestPublishSwallowsBusErrors(t *testing.T) {
	bus := &fakeBus{err: assert.AnError}
	p := NewBusPublisher(bus, "graphplane-events", zap.NewNop())

	// Must not panic or surface the error.
	p.Publish(context.Background(), Event{Type: GraphDeallocated, GraphID: "kg0123456789abcdef"})
	assert.Len(t, bus.inputs, 1)
}
