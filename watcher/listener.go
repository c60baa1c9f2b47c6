package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// CompletionNotice is the inbound callback a worker posts after it
// finishes a dispatched file.
type CompletionNotice struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"` // success | failure
	Details   any    `json:"details,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Listener receives asynchronous completion notifications and updates the
// tracker. It shares only the tracker's lock with the scanner and never
// blocks the poll loop.
type Listener struct {
	tracker *Tracker
	journal *Journal
}

func NewListener(tracker *Tracker, journal *Journal) *Listener {
	return &Listener{tracker: tracker, journal: journal}
}

func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/processing_complete", l.handleCompletion)
	mux.HandleFunc("/status", l.handleStatus)
	return mux
}

func (l *Listener) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var notice CompletionNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		// Malformed callbacks are logged and dropped; the scanner is
		// unaffected.
		log.Printf("completion callback: malformed payload: %v", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(notice.Filename) == "" {
		log.Printf("completion callback: missing filename")
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}
	success := false
	switch notice.Status {
	case "success":
		success = true
	case "failure":
	default:
		log.Printf("completion callback: unknown status %q for %s", notice.Status, notice.Filename)
		http.Error(w, "status must be success or failure", http.StatusBadRequest)
		return
	}

	rec, ok := l.tracker.ResolveCompletion(notice.Filename, success)
	if !ok {
		// Not an error: the file's mtime, not this callback, decides
		// whether anything needs reprocessing.
		log.Printf("completion callback for unknown file %q (worker %s)", notice.Filename, notice.WorkerID)
	} else {
		log.Printf("completion: file=%s status=%s id=%s worker=%s", notice.Filename, notice.Status, rec.CorrelationID, notice.WorkerID)
		detail := ""
		if notice.Details != nil {
			detail = fmt.Sprintf("%v", notice.Details)
		}
		if err := l.journal.RecordCompletion(rec.CorrelationID, success, detail, notice.WorkerID); err != nil {
			log.Printf("journal completion: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"acknowledged": true, "known": ok})
}

func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(l.tracker.Snapshot())
}

// Serve runs the callback HTTP server until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           l.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
