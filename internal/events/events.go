// Package events publishes graph lifecycle events to EventBridge.
// Publishing is best effort: downstream consumers (billing, audit)
// reconcile from the registry, so a dropped event never fails the
// operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const source = "graphplane.controlplane"

// EventBridge limits PutEvents to 10 entries per call.
const batchSize = 10

// Type enumerates the lifecycle events the control plane emits.
type Type string

const (
	GraphAllocated     Type = "graph.allocated"
	GraphDeallocated   Type = "graph.deallocated"
	SubgraphCreated    Type = "subgraph.created"
	SubgraphDeleted    Type = "subgraph.deleted"
	IngestionCompleted Type = "ingestion.completed"
	IngestionFailed    Type = "ingestion.failed"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type       Type           `json:"type"`
	GraphID    string         `json:"graph_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// EventBridgeAPI is the subset of the EventBridge client the publisher
// uses.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// BusPublisher ships events to an EventBridge bus in batches of ten.
type BusPublisher struct {
	client EventBridgeAPI
	bus    string
	logger *zap.Logger
	now    func() time.Time
}

func NewBusPublisher(client EventBridgeAPI, bus string, logger *zap.Logger) *BusPublisher {
	return &BusPublisher{client: client, bus: bus, logger: logger, now: time.Now}
}

func (p *BusPublisher) Publish(ctx context.Context, evts ...Event) {
	for i := 0; i < len(evts); i += batchSize {
		end := i + batchSize
		if end > len(evts) {
			end = len(evts)
		}
		p.publishBatch(ctx, evts[i:end])
	}
}

func (p *BusPublisher) publishBatch(ctx context.Context, evts []Event) {
	entries := make([]types.PutEventsRequestEntry, 0, len(evts))
	for _, evt := range evts {
		if evt.Timestamp.IsZero() {
			evt.Timestamp = p.now().UTC()
		}
		detail, err := json.Marshal(evt)
		if err != nil {
			p.logger.Error("failed to marshal lifecycle event",
				zap.String("type", string(evt.Type)), zap.Error(err))
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.bus),
			Source:       aws.String(source),
			DetailType:   aws.String(string(evt.Type)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(evt.Timestamp),
		})
	}
	if len(entries) == 0 {
		return
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		p.logger.Warn("failed to publish lifecycle events",
			zap.Int("count", len(entries)), zap.Error(err))
		return
	}
	if out.FailedEntryCount > 0 {
		p.logger.Warn("some lifecycle events were rejected",
			zap.Int32("failed", out.FailedEntryCount))
	}
}

// nopPublisher drops events when no bus is configured.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...Event) {}

// NopPublisher returns a publisher that discards all events.
func NopPublisher() Publisher { return nopPublisher{} }
