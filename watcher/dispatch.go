package watcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileJob is one unit of work for a stable, classified file.
type FileJob struct {
	Path        string
	Filename    string
	Destination Destination
	Mtime       time.Time
	SourceTag   string
}

// DispatchClient enqueues one unit of work and returns its correlation
// id. Implementations perform no deduplication; at-most-one dispatch per
// stable observation is the tracker's invariant, and the downstream
// worker must tolerate duplicate delivery.
type DispatchClient interface {
	Dispatch(ctx context.Context, job FileJob) (string, error)
}

// correlationID derives the per-attempt id from the file name and the
// dispatch timestamp, matching what the worker reports back.
func correlationID(filename string, now time.Time) string {
	return fmt.Sprintf("%s_%d", filepath.Base(filename), now.Unix())
}

// sourceName tags the dataset load with the file stem and a readable
// timestamp.
func sourceName(filename string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return fmt.Sprintf("%s_%s", stem, now.Format("20060102_150405"))
}

func taskKwargs(job FileJob, now time.Time) map[string]any {
	kwargs := map[string]any{
		"table_name":     job.Destination.Table,
		"source_name":    sourceName(job.Filename, now),
		"auto_triggered": true,
		"filepath":       job.Path,
	}
	if job.Destination.Schema != "" {
		kwargs["schema"] = job.Destination.Schema
	}
	if job.SourceTag != "" {
		kwargs["source_tag"] = job.SourceTag
	}
	return kwargs
}

// TaskClient is the structured enqueue strategy: it submits a named task
// with args and kwargs through the envelope codec, hiding the wire format
// from callers.
type TaskClient struct {
	broker   Broker
	queue    string
	taskName string
	now      func() time.Time
}

func NewTaskClient(broker Broker, queue string, taskName string) *TaskClient {
	return &TaskClient{broker: broker, queue: queue, taskName: taskName, now: time.Now}
}

func (c *TaskClient) Dispatch(ctx context.Context, job FileJob) (string, error) {
	now := c.now()
	msg := TaskMessage{
		Task:   c.taskName,
		ID:     correlationID(job.Filename, now),
		Args:   []any{job.Filename},
		Kwargs: taskKwargs(job, now),
	}
	payload, err := EncodeTaskMessage(msg, c.queue)
	if err != nil {
		return "", err
	}
	if err := c.broker.Enqueue(ctx, c.queue, payload); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Filename, err)
	}
	return msg.ID, nil
}

// RawEnvelopeClient is the low-level strategy used when no task client
// abstraction is available: it builds the consumer's message by hand and
// pushes it directly onto the broker list. The field set must replicate
// the consumer's expected envelope exactly; see the wire compatibility
// tests.
type RawEnvelopeClient struct {
	broker   Broker
	queue    string
	taskName string
	now      func() time.Time
}

func NewRawEnvelopeClient(broker Broker, queue string, taskName string) *RawEnvelopeClient {
	return &RawEnvelopeClient{broker: broker, queue: queue, taskName: taskName, now: time.Now}
}

func (c *RawEnvelopeClient) Dispatch(ctx context.Context, job FileJob) (string, error) {
	now := c.now()
	id := correlationID(job.Filename, now)
	args := []any{job.Filename}
	kwargs := taskKwargs(job, now)

	body, err := json.Marshal([]any{args, kwargs, map[string]any{}})
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}

	message := map[string]any{
		"body":             base64.StdEncoding.EncodeToString(body),
		"content-type":     "application/json",
		"content-encoding": "utf-8",
		"headers": map[string]any{
			"lang":        "py",
			"task":        c.taskName,
			"id":          id,
			"shadow":      nil,
			"eta":         nil,
			"expires":     nil,
			"group":       nil,
			"group_index": nil,
			"retries":     0,
			"timelimit":   []any{nil, nil},
			"root_id":     id,
			"parent_id":   nil,
			"argsrepr":    compactJSON(args),
			"kwargsrepr":  compactJSON(kwargs),
		},
		"properties": map[string]any{
			"correlation_id": id,
			"reply_to":       nil,
			"delivery_mode":  2,
			"delivery_info":  map[string]any{"exchange": "", "routing_key": c.queue},
			"priority":       0,
			"body_encoding":  "base64",
			"delivery_tag":   nil,
		},
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.broker.Enqueue(ctx, c.queue, payload); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.Filename, err)
	}
	return id, nil
}
