package watcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func dispatchedTracker(t *testing.T, path string) *Tracker {
	t.Helper()
	tr := NewTracker()
	mtime := time.Now()
	tr.Observe(path, mtime, 100)
	tr.MarkStable(path, mtime)
	if !tr.MarkDispatched(path, mtime, "jan.csv_1767000000", "dim_customers") {
		t.Fatal("setup dispatch failed")
	}
	return tr
}

func postCompletion(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/processing_complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListener_SuccessCompletesFile(t *testing.T) {
	path := "/srv/customer_data/jan.csv"
	tr := dispatchedTracker(t, path)
	handler := NewListener(tr, nil).Handler()

	rec := postCompletion(t, handler, `{
		"filename": "jan.csv",
		"status": "success",
		"details": {"rows_processed": 1500},
		"worker_id": "worker-1",
		"timestamp": "2026-01-10T09:35:00Z"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["acknowledged"] != true || resp["known"] != true {
		t.Fatalf("response = %v", resp)
	}
	if status, _ := tr.StatusOf(path); status != StatusCompleted {
		t.Fatalf("file status = %q, want completed", status)
	}
}

func TestListener_FailureMarksFileFailed(t *testing.T) {
	path := "/srv/customer_data/jan.csv"
	tr := dispatchedTracker(t, path)
	handler := NewListener(tr, nil).Handler()

	rec := postCompletion(t, handler, `{"filename": "jan.csv", "status": "failure", "details": "schema mismatch"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if status, _ := tr.StatusOf(path); status != StatusFailed {
		t.Fatalf("file status = %q, want failed", status)
	}
	if r, _ := tr.RecordFor("jan.csv"); r.Status != DispatchError {
		t.Fatalf("record status = %q, want error", r.Status)
	}
}

// A callback for a file the watcher never dispatched is acknowledged,
// not rejected: duplicate and late notifications must not make workers
// retry.
func TestListener_UnknownFilenameAcknowledged(t *testing.T) {
	tr := NewTracker()
	handler := NewListener(tr, nil).Handler()

	rec := postCompletion(t, handler, `{"filename": "never_seen.csv", "status": "success"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["acknowledged"] != true || resp["known"] != false {
		t.Fatalf("response = %v", resp)
	}
}

func TestListener_BadRequests(t *testing.T) {
	handler := NewListener(NewTracker(), nil).Handler()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{not json`},
		{name: "missing filename", body: `{"status": "success"}`},
		{name: "blank filename", body: `{"filename": "  ", "status": "success"}`},
		{name: "unknown status", body: `{"filename": "jan.csv", "status": "done"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postCompletion(t, handler, tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestListener_MethodNotAllowed(t *testing.T) {
	handler := NewListener(NewTracker(), nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/processing_complete", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /processing_complete = %d, want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/status", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d, want 405", rec.Code)
	}
}

func TestListener_StatusEndpoint(t *testing.T) {
	tr := dispatchedTracker(t, "/srv/customer_data/jan.csv")
	tr.Observe("/srv/misc/readme.csv", time.Now(), 10)
	tr.MarkIgnored("/srv/misc/readme.csv")
	handler := NewListener(tr, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var counts Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	want := Counts{Watched: 2, Dispatched: 1, Ignored: 1}
	if counts != want {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}
}
