package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SSE monitoring constants. Progress events are logged at most every 30
// seconds; a heartbeat gap beyond 120 seconds logs a warning but never
// terminates the watch.
const (
	progressLogInterval = 30 * time.Second
	heartbeatWarnAfter  = 120 * time.Second
)

type sseEvent struct {
	name string
	data []byte
}

// MonitorTask connects to the task's SSE path and blocks until a
// terminal event, the deadline, or the end of the stream. Ingestion,
// backup, restore and fork all go through here; the task type only
// affects logging and metrics labels.
//
// Terminal rules:
//   - completed: returns status "completed" with records/duration/result
//   - failed or error: returns status "failed" with the reported error
//   - deadline exceeded: status "failed", error "Timeout after N seconds"
//   - stream end without a terminal event: status "failed",
//     error "SSE stream ended unexpectedly"
//
// A task keeps running on the worker after the caller's deadline; callers
// may reconnect to the same SSE path to resume monitoring.
func (c *Client) MonitorTask(ctx context.Context, handle TaskHandle, timeout time.Duration) *TaskResult {
	taskType := handle.TaskType
	if taskType == "" {
		taskType = "task"
	}
	logger := c.logger.With(
		zap.String("task_id", handle.TaskID),
		zap.String("task_type", taskType))

	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	deadline := time.Now().Add(timeout)
	monitorCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ssePath := handle.SSEURL
	if !strings.HasPrefix(ssePath, "/") {
		ssePath = "/" + ssePath
	}

	resp, err := c.openStream(monitorCtx, http.MethodGet, ssePath, nil, "text/event-stream")
	if err != nil {
		c.metrics.SSEOutcomes.WithLabelValues(taskType, "connect_failed").Inc()
		return &TaskResult{Status: "failed", Error: err.Error()}
	}
	defer resp.Body.Close()

	done := make(chan struct{})
	defer close(done)
	events := make(chan sseEvent)
	readErr := make(chan error, 1)
	go readSSE(resp, events, readErr, done)

	lastHeartbeat := time.Now()
	lastProgressLog := time.Time{}
	heartbeatCheck := time.NewTicker(10 * time.Second)
	defer heartbeatCheck.Stop()

	for {
		select {
		case <-monitorCtx.Done():
			c.metrics.SSEOutcomes.WithLabelValues(taskType, "timeout").Inc()
			return &TaskResult{
				Status: "failed",
				Error:  fmt.Sprintf("Timeout after %d seconds", int(timeout.Seconds())),
			}

		case <-heartbeatCheck.C:
			if time.Since(lastHeartbeat) > heartbeatWarnAfter {
				logger.Warn("No SSE heartbeat received",
					zap.Duration("since", time.Since(lastHeartbeat)))
			}

		case err := <-readErr:
			if err != nil {
				logger.Warn("SSE stream read error", zap.Error(err))
			}
			c.metrics.SSEOutcomes.WithLabelValues(taskType, "disconnected").Inc()
			return &TaskResult{Status: "failed", Error: "SSE stream ended unexpectedly"}

		case ev := <-events:
			switch ev.name {
			case "heartbeat":
				lastHeartbeat = time.Now()

			case "progress":
				if time.Since(lastProgressLog) >= progressLogInterval {
					lastProgressLog = time.Now()
					logger.Info("Task progress", zap.ByteString("data", ev.data))
				}

			case "completed":
				var result TaskResult
				if err := json.Unmarshal(ev.data, &result); err != nil {
					logger.Warn("Unparseable completed event, treating as bare completion", zap.Error(err))
				}
				result.Status = "completed"
				c.metrics.SSEOutcomes.WithLabelValues(taskType, "completed").Inc()
				return &result

			case "failed", "error":
				var payload struct {
					Error   string `json:"error"`
					Message string `json:"message"`
				}
				if err := json.Unmarshal(ev.data, &payload); err != nil {
					logger.Warn("Unparseable failure event", zap.Error(err))
				}
				msg := payload.Error
				if msg == "" {
					msg = payload.Message
				}
				if msg == "" {
					msg = "task failed"
				}
				c.metrics.SSEOutcomes.WithLabelValues(taskType, "failed").Inc()
				return &TaskResult{Status: "failed", Error: msg}

			default:
				// Unknown event names are skipped, same as bad JSON.
				logger.Debug("Skipping unknown SSE event", zap.String("event", ev.name))
			}
		}
	}
}

// readSSE parses the event stream: "event:" names the event, "data:"
// carries JSON, a blank line dispatches. Unparseable frames are skipped
// by the consumer, not here.
func readSSE(resp *http.Response, events chan<- sseEvent, readErr chan<- error, done <-chan struct{}) {
	defer close(readErr)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment line, keepalive padding
		case line == "":
			if name != "" || data.Len() > 0 {
				payload := data.String()
				if !json.Valid([]byte(payload)) && payload != "" {
					// Unparseable event JSON: skip this event only.
					name = ""
					data.Reset()
					continue
				}
				select {
				case events <- sseEvent{name: name, data: []byte(payload)}:
				case <-done:
					return
				}
			}
			name = ""
			data.Reset()
		}
	}
	readErr <- scanner.Err()
}
