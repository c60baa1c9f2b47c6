package watcher

import (
	"path/filepath"
	"sync"
	"time"
)

type FileStatus string

const (
	StatusCandidate  FileStatus = "candidate"
	StatusStable     FileStatus = "stable"
	StatusDispatched FileStatus = "dispatched"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
	StatusIgnored    FileStatus = "ignored"
)

// Transition is the result of one scan observation of a path.
type Transition int

const (
	// TransitionFirstSeen is a path new to the tracker. It is recorded as a
	// candidate and must not be dispatched on the same tick.
	TransitionFirstSeen Transition = iota
	// TransitionUnchanged means the mtime matches the prior observation and
	// the file is a candidate for the stability check.
	TransitionUnchanged
	// TransitionModified means the mtime moved; the file is reset to
	// candidate regardless of its prior status, re-arming dispatch.
	TransitionModified
	// TransitionSuppressed means this exact (path, mtime) was already
	// dispatched or baselined and must not be dispatched again.
	TransitionSuppressed
	// TransitionIgnored is a path previously marked as matching no pattern
	// (or otherwise excluded); it is not re-evaluated.
	TransitionIgnored
)

// WatchedFile is one entry per distinct path ever observed. Entries are
// never deleted during the process lifetime; state is rebuilt from disk
// at restart.
type WatchedFile struct {
	Path            string
	LastMtime       time.Time
	LastSize        int64
	Status          FileStatus
	// SuppressedMtime is the mtime a dispatch (or baseline/oversize skip)
	// was recorded for. A matching mtime never dispatches again; a new
	// mtime re-arms.
	SuppressedMtime time.Time
}

type DispatchStatus string

const (
	DispatchSent         DispatchStatus = "sent"
	DispatchAcknowledged DispatchStatus = "acknowledged"
	DispatchError        DispatchStatus = "error"
)

// DispatchRecord describes one dispatch attempt. Records are kept in
// memory only, for logging and for matching completion callbacks (which
// carry a bare filename, not a full path) back to the most recent
// dispatch for that name.
type DispatchRecord struct {
	CorrelationID string
	Path          string
	Filename      string
	Destination   string
	DispatchedAt  time.Time
	Status        DispatchStatus
}

// Counts is a point-in-time summary for the status surfaces.
type Counts struct {
	Watched    int `json:"watched"`
	Queued     int `json:"queued"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Ignored    int `json:"ignored"`
}

// Tracker is the authority on whether a file has already been dispatched.
// One coarse mutex guards the whole map; mutation rate is bounded by the
// poll interval, so contention is not a concern. The lock is taken once
// per transition and never held across I/O.
type Tracker struct {
	mu      sync.Mutex
	files   map[string]*WatchedFile
	records map[string]*DispatchRecord // keyed by base filename, most recent wins
}

func NewTracker() *Tracker {
	return &Tracker{
		files:   make(map[string]*WatchedFile),
		records: make(map[string]*DispatchRecord),
	}
}

// Observe records one stat of a path and reports the resulting transition.
func (t *Tracker) Observe(path string, mtime time.Time, size int64) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	wf, ok := t.files[path]
	if !ok {
		t.files[path] = &WatchedFile{
			Path:      path,
			LastMtime: mtime,
			LastSize:  size,
			Status:    StatusCandidate,
		}
		return TransitionFirstSeen
	}
	if wf.Status == StatusIgnored {
		return TransitionIgnored
	}
	if !wf.LastMtime.Equal(mtime) {
		wf.LastMtime = mtime
		wf.LastSize = size
		wf.Status = StatusCandidate
		return TransitionModified
	}
	wf.LastSize = size
	if wf.SuppressedMtime.Equal(mtime) && !mtime.IsZero() {
		return TransitionSuppressed
	}
	return TransitionUnchanged
}

// Baseline records a pre-existing file so it is never dispatched for its
// current mtime. A later modification re-arms it like any other file.
func (t *Tracker) Baseline(path string, mtime time.Time, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = &WatchedFile{
		Path:            path,
		LastMtime:       mtime,
		LastSize:        size,
		Status:          StatusCandidate,
		SuppressedMtime: mtime,
	}
}

// Suppress blocks dispatch for the given (path, mtime) without marking the
// path ignored. Used for oversize files; modification re-arms.
func (t *Tracker) Suppress(path string, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wf, ok := t.files[path]; ok && wf.LastMtime.Equal(mtime) {
		wf.SuppressedMtime = mtime
	}
}

// MarkIgnored excludes a path for the process lifetime (no pattern
// matched). Ignored paths are remembered so rules are not re-evaluated
// every tick.
func (t *Tracker) MarkIgnored(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wf, ok := t.files[path]; ok {
		wf.Status = StatusIgnored
	}
}

// MarkStable advances a candidate to stable, provided the mtime still
// matches the tracked observation.
func (t *Tracker) MarkStable(path string, mtime time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.files[path]
	if !ok || !wf.LastMtime.Equal(mtime) {
		return false
	}
	wf.Status = StatusStable
	return true
}

// MarkDispatched records the at-most-once dispatch for (path, mtime). It
// returns false when that exact pair was already dispatched or the file
// changed since the stable observation.
func (t *Tracker) MarkDispatched(path string, mtime time.Time, correlationID string, destination string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.files[path]
	if !ok || !wf.LastMtime.Equal(mtime) {
		return false
	}
	if wf.SuppressedMtime.Equal(mtime) && !mtime.IsZero() {
		return false
	}
	wf.Status = StatusDispatched
	wf.SuppressedMtime = mtime

	name := filepath.Base(path)
	t.records[name] = &DispatchRecord{
		CorrelationID: correlationID,
		Path:          path,
		Filename:      name,
		Destination:   destination,
		DispatchedAt:  time.Now().UTC(),
		Status:        DispatchSent,
	}
	return true
}

// ResolveCompletion matches an asynchronous completion notification back
// to the most recent dispatch for that filename and advances the file to
// completed or failed. It returns false for unknown filenames; that is
// logged by the caller, never treated as an error, because the source of
// truth for "needs reprocessing" is the file's mtime.
func (t *Tracker) ResolveCompletion(filename string, success bool) (DispatchRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[filepath.Base(filename)]
	if !ok {
		return DispatchRecord{}, false
	}
	if success {
		rec.Status = DispatchAcknowledged
	} else {
		rec.Status = DispatchError
	}
	if wf, ok := t.files[rec.Path]; ok && wf.Status == StatusDispatched {
		if success {
			wf.Status = StatusCompleted
		} else {
			wf.Status = StatusFailed
		}
	}
	return *rec, true
}

// RecordFor returns the most recent dispatch record for a base filename.
func (t *Tracker) RecordFor(filename string) (DispatchRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[filepath.Base(filename)]
	if !ok {
		return DispatchRecord{}, false
	}
	return *rec, true
}

// StatusOf reports the tracked status of a path.
func (t *Tracker) StatusOf(path string) (FileStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.files[path]
	if !ok {
		return "", false
	}
	return wf.Status, true
}

func (t *Tracker) Snapshot() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Counts{Watched: len(t.files)}
	for _, wf := range t.files {
		switch wf.Status {
		case StatusCandidate, StatusStable:
			c.Queued++
		case StatusDispatched:
			c.Dispatched++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusIgnored:
			c.Ignored++
		}
	}
	return c
}
