package watcher

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockBroker struct {
	mu       sync.Mutex
	queues   []string
	payloads [][]byte
	failN    int
}

func (m *mockBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("mock broker unavailable")
	}
	m.queues = append(m.queues, queue)
	m.payloads = append(m.payloads, append([]byte(nil), payload...))
	return nil
}

func (m *mockBroker) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockBroker) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.payloads))
	copy(out, m.payloads)
	return out
}

func testJob() FileJob {
	return FileJob{
		Path:     "/srv/share/customer_data/jan.csv",
		Filename: "jan.csv",
		Destination: Destination{
			Table:  "dim_customers",
			Schema: "public",
		},
		Mtime: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

// Both dispatch strategies must produce envelopes the reference
// deserializer reads back identically: same task, args and kwargs.
func TestDispatchClients_EnvelopeCompleteness(t *testing.T) {
	fixed := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)

	clients := []struct {
		name  string
		build func(b Broker) DispatchClient
	}{
		{name: "structured", build: func(b Broker) DispatchClient {
			c := NewTaskClient(b, "celery", "process_dataframe")
			c.now = func() time.Time { return fixed }
			return c
		}},
		{name: "raw envelope", build: func(b Broker) DispatchClient {
			c := NewRawEnvelopeClient(b, "celery", "process_dataframe")
			c.now = func() time.Time { return fixed }
			return c
		}},
	}

	for _, tc := range clients {
		t.Run(tc.name, func(t *testing.T) {
			broker := &mockBroker{}
			client := tc.build(broker)

			id, err := client.Dispatch(context.Background(), testJob())
			if err != nil {
				t.Fatal(err)
			}
			if id == "" {
				t.Fatal("empty correlation id")
			}

			payloads := broker.Payloads()
			if len(payloads) != 1 {
				t.Fatalf("got %d payloads, want 1", len(payloads))
			}
			msg, err := DecodeTaskMessage(payloads[0])
			if err != nil {
				t.Fatalf("consumer-side decode failed: %v", err)
			}

			if msg.Task != "process_dataframe" {
				t.Errorf("task = %q", msg.Task)
			}
			if msg.ID != id {
				t.Errorf("envelope id %q != returned correlation id %q", msg.ID, id)
			}
			if diff := cmp.Diff([]any{"jan.csv"}, msg.Args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
			wantKwargs := map[string]any{
				"table_name":     "dim_customers",
				"source_name":    "jan_20260110_093000",
				"schema":         "public",
				"auto_triggered": true,
				"filepath":       "/srv/share/customer_data/jan.csv",
			}
			if diff := cmp.Diff(wantKwargs, msg.Kwargs); diff != "" {
				t.Errorf("kwargs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatchClients_EquivalentOutcome(t *testing.T) {
	fixed := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)

	structuredBroker := &mockBroker{}
	structured := NewTaskClient(structuredBroker, "celery", "process_dataframe")
	structured.now = func() time.Time { return fixed }

	rawBroker := &mockBroker{}
	raw := NewRawEnvelopeClient(rawBroker, "celery", "process_dataframe")
	raw.now = func() time.Time { return fixed }

	if _, err := structured.Dispatch(context.Background(), testJob()); err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Dispatch(context.Background(), testJob()); err != nil {
		t.Fatal(err)
	}

	a, err := DecodeTaskMessage(structuredBroker.Payloads()[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := DecodeTaskMessage(rawBroker.Payloads()[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("strategies decode differently (-structured +raw):\n%s", diff)
	}
}

func TestTaskClient_SourceTagForwarded(t *testing.T) {
	broker := &mockBroker{}
	client := NewTaskClient(broker, "celery", "process_dataframe")

	job := testJob()
	job.SourceTag = "partner_feed"
	if _, err := client.Dispatch(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	msg, err := DecodeTaskMessage(broker.Payloads()[0])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kwargs["source_tag"] != "partner_feed" {
		t.Fatalf("kwargs source_tag = %v, want partner_feed", msg.Kwargs["source_tag"])
	}
}

func TestTaskClient_BrokerFailurePropagates(t *testing.T) {
	broker := &mockBroker{}
	broker.FailNext(1)
	client := NewTaskClient(broker, "celery", "process_dataframe")

	if _, err := client.Dispatch(context.Background(), testJob()); err == nil {
		t.Fatal("expected dispatch error when broker enqueue fails")
	}
}

func TestCorrelationID_Format(t *testing.T) {
	now := time.Unix(1767000000, 0)
	id := correlationID("/srv/share/customer_data/jan.csv", now)
	if id != "jan.csv_1767000000" {
		t.Fatalf("correlationID = %q", id)
	}
	if !regexp.MustCompile(`^jan\.csv_\d+$`).MatchString(id) {
		t.Fatalf("correlationID %q not <filename>_<unix>", id)
	}
}

func TestSourceName_Format(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 30, 45, 0, time.UTC)
	if got := sourceName("jan.csv", now); got != "jan_20260110_093045" {
		t.Fatalf("sourceName = %q", got)
	}
}
