// Package sse relays task progress to API consumers over
// server-sent events. Workers report progress to the control plane,
// the broker fans it out per task.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// heartbeatInterval keeps idle connections alive through load
// balancers with short idle timeouts.
const heartbeatInterval = 15 * time.Second

// subscriberBuffer absorbs bursts; a subscriber that falls further
// behind loses events rather than blocking the publisher.
const subscriberBuffer = 16

// Message is one SSE frame.
type Message struct {
	Event string
	Data  any
}

// terminal events close the task's stream after delivery.
var terminalEvents = map[string]bool{
	"completed": true,
	"failed":    true,
	"error":     true,
}

type subscriber struct {
	ch chan Message
}

// Broker fans task events out to HTTP subscribers.
type Broker struct {
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	closed map[string]bool
}

func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		logger: logger,
		topics: make(map[string]map[*subscriber]struct{}),
		closed: make(map[string]bool),
	}
}

// Publish delivers a message to every subscriber of the task. A
// terminal event closes the topic; later publishes to it are dropped.
func (b *Broker) Publish(taskID string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed[taskID] {
		return
	}

	for sub := range b.topics[taskID] {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("dropping event for slow subscriber", zap.String("task_id", taskID))
		}
	}

	if terminalEvents[msg.Event] {
		b.closed[taskID] = true
		for sub := range b.topics[taskID] {
			close(sub.ch)
		}
		delete(b.topics, taskID)
	}
}

// Forget drops a finished task's terminal marker so the ID can be
// reused. Called by the task GC.
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	delete(b.closed, taskID)
	b.mu.Unlock()
}

func (b *Broker) subscribe(taskID string) (*subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed[taskID] {
		return nil, false
	}
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if b.topics[taskID] == nil {
		b.topics[taskID] = make(map[*subscriber]struct{})
	}
	b.topics[taskID][sub] = struct{}{}
	return sub, true
}

func (b *Broker) unsubscribe(taskID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[taskID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, taskID)
		}
	}
}

// ServeTask streams a task's events until a terminal event, client
// disconnect, or an already finished task (which yields an immediate
// terminal frame).
func (b *Broker) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, live := b.subscribe(taskID)
	if !live {
		writeFrame(w, Message{Event: "completed", Data: map[string]any{"task_id": taskID, "replayed": true}})
		flusher.Flush()
		return
	}
	defer b.unsubscribe(taskID, sub)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			writeFrame(w, msg)
			flusher.Flush()
			if terminalEvents[msg.Event] {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, msg Message) {
	payload, err := json.Marshal(msg.Data)
	if err != nil {
		payload = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, payload)
}
