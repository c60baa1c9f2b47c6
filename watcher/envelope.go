package watcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// TaskMessage is the logical unit of work sent to the processing queue.
type TaskMessage struct {
	Task   string
	ID     string
	Args   []any
	Kwargs map[string]any
}

// The wire envelope matches the consumer's expected message shape field
// for field. Any field the consumer requires and the producer omits is
// silently dropped or fails deserialization on the worker side, so the
// struct below is treated as a contract fixture, not a free-form bag.

type envelopeHeaders struct {
	Lang       string   `json:"lang"`
	Task       string   `json:"task"`
	ID         string   `json:"id"`
	Shadow     *string  `json:"shadow"`
	ETA        *string  `json:"eta"`
	Expires    *string  `json:"expires"`
	Group      *string  `json:"group"`
	GroupIndex *int     `json:"group_index"`
	Retries    int      `json:"retries"`
	Timelimit  [2]*int  `json:"timelimit"`
	RootID     string   `json:"root_id"`
	ParentID   *string  `json:"parent_id"`
	ArgsRepr   string   `json:"argsrepr"`
	KwargsRepr string   `json:"kwargsrepr"`
}

type deliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

type envelopeProperties struct {
	CorrelationID string       `json:"correlation_id"`
	ReplyTo       *string      `json:"reply_to"`
	DeliveryMode  int          `json:"delivery_mode"`
	DeliveryInfo  deliveryInfo `json:"delivery_info"`
	Priority      int          `json:"priority"`
	BodyEncoding  string       `json:"body_encoding"`
	DeliveryTag   *string      `json:"delivery_tag"`
}

type envelope struct {
	Body            string             `json:"body"`
	ContentType     string             `json:"content-type"`
	ContentEncoding string             `json:"content-encoding"`
	Headers         envelopeHeaders    `json:"headers"`
	Properties      envelopeProperties `json:"properties"`
}

// EncodeTaskMessage serializes a task message into the consumer's wire
// envelope: a base64 body holding JSON [args, kwargs, extras] plus the
// header and property segments the worker requires.
func EncodeTaskMessage(msg TaskMessage, routingKey string) ([]byte, error) {
	if msg.Task == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	args := msg.Args
	if args == nil {
		args = []any{}
	}
	kwargs := msg.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	body, err := json.Marshal([]any{args, kwargs, map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	env := envelope{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Headers: envelopeHeaders{
			Lang:       "py",
			Task:       msg.Task,
			ID:         msg.ID,
			RootID:     msg.ID,
			ArgsRepr:   compactJSON(args),
			KwargsRepr: compactJSON(kwargs),
		},
		Properties: envelopeProperties{
			CorrelationID: msg.ID,
			DeliveryMode:  2,
			DeliveryInfo:  deliveryInfo{Exchange: "", RoutingKey: routingKey},
			Priority:      0,
			BodyEncoding:  "base64",
		},
	}
	return json.Marshal(env)
}

// DecodeTaskMessage is the reference deserializer used by the wire-level
// compatibility tests: it reads an envelope the way the consumer does and
// reproduces the original task name, args and kwargs.
func DecodeTaskMessage(payload []byte) (TaskMessage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return TaskMessage{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Headers.Task == "" {
		return TaskMessage{}, fmt.Errorf("envelope missing headers.task")
	}
	if env.Headers.ID == "" {
		return TaskMessage{}, fmt.Errorf("envelope missing headers.id")
	}
	if env.ContentType != "application/json" {
		return TaskMessage{}, fmt.Errorf("unsupported content-type %q", env.ContentType)
	}

	raw := []byte(env.Body)
	if env.Properties.BodyEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return TaskMessage{}, fmt.Errorf("decode body: %w", err)
		}
		raw = decoded
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return TaskMessage{}, fmt.Errorf("decode body segments: %w", err)
	}
	if len(parts) < 2 {
		return TaskMessage{}, fmt.Errorf("body has %d segments, want [args, kwargs, extras]", len(parts))
	}

	msg := TaskMessage{Task: env.Headers.Task, ID: env.Headers.ID}
	if err := json.Unmarshal(parts[0], &msg.Args); err != nil {
		return TaskMessage{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(parts[1], &msg.Kwargs); err != nil {
		return TaskMessage{}, fmt.Errorf("decode kwargs: %w", err)
	}
	return msg, nil
}

// compactJSON renders arguments for the observability headers. Readable
// is what matters here, not perfect fidelity to the consumer language.
func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
