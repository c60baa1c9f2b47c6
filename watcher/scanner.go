package watcher

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StabilityResult is the outcome of the settle check for a candidate
// file. Errors are reserved for genuinely exceptional conditions; "not
// ready yet" is an expected state, not a failure.
type StabilityResult int

const (
	StabilityNotReady StabilityResult = iota
	StabilityStable
)

type tickStats struct {
	Scanned    int
	NewFiles   int
	Dispatched int
	Skipped    int
	Errors     int
}

type pendingJob struct {
	path   string
	mtime  time.Time
	dest   Destination
	fireAt time.Time
}

// Scanner walks the watch roots on every poll tick, consults the tracker
// and router, and hands stable classified files to the dispatch client.
// All scanning runs on the poll goroutine; only the tracker is shared
// with the completion listener.
type Scanner struct {
	cfg     Config
	tracker *Tracker
	router  *Router
	client  DispatchClient
	journal *Journal

	// test hooks
	sleep func(time.Duration)
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]pendingJob

	baselineDone bool
}

func NewScanner(cfg Config, tracker *Tracker, router *Router, client DispatchClient, journal *Journal) *Scanner {
	s := &Scanner{
		cfg:     cfg,
		tracker: tracker,
		router:  router,
		client:  client,
		journal: journal,
		sleep:   time.Sleep,
		now:     time.Now,
		pending: make(map[string]pendingJob),
	}
	if !cfg.BaselineExisting {
		s.baselineDone = true
	}
	return s
}

func (s *Scanner) debugf(format string, args ...any) {
	if s == nil || !s.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Run polls until ctx is cancelled. Shutdown is cooperative: the loop
// exits after the current tick and in-flight dispatches complete.
func (s *Scanner) Run(ctx context.Context) {
	s.runTick(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scanner) runTick(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		log.Printf("scan tick failed: %v", err)
	}
}

// RunOnce performs a single scan tick. A slow tick simply delays the
// next one; ticks never overlap.
func (s *Scanner) RunOnce(ctx context.Context) error {
	start := s.now()
	stats := &tickStats{}

	if !s.baselineDone {
		return s.baselineScan()
	}

	s.drainPending(ctx, stats)

	roots := s.watchRoots()
	for _, root := range roots {
		paths, err := s.collectFiles(root)
		if err != nil {
			log.Printf("scan %s: %v", root, err)
			stats.Errors++
			continue
		}
		for _, p := range paths {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.examine(ctx, p, stats)
		}
	}

	if stats.NewFiles > 0 || stats.Dispatched > 0 || stats.Errors > 0 {
		log.Printf("scan complete: scanned=%d new=%d dispatched=%d skipped=%d errors=%d elapsed=%s",
			stats.Scanned, stats.NewFiles, stats.Dispatched, stats.Skipped, stats.Errors, s.now().Sub(start))
	} else {
		s.debugf("scan complete: scanned=%d skipped=%d elapsed=%s", stats.Scanned, stats.Skipped, s.now().Sub(start))
	}
	return nil
}

// baselineScan records every file already present so pre-existing files
// are never dispatched. Only genuinely new or modified files are
// processed afterwards.
func (s *Scanner) baselineScan() error {
	existing := 0
	for _, root := range s.watchRoots() {
		paths, err := s.collectFiles(root)
		if err != nil {
			log.Printf("baseline scan %s: %v", root, err)
			continue
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			s.tracker.Baseline(p, info.ModTime(), info.Size())
			existing++
		}
	}
	s.baselineDone = true
	log.Printf("baseline scan complete: %d existing files recorded (ignored)", existing)
	return nil
}

// watchRoots returns the existing configured roots, falling back to the
// backup path (created on demand) when none exist.
func (s *Scanner) watchRoots() []string {
	var roots []string
	for _, p := range s.cfg.WatchPaths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		roots = append(roots, p)
	}
	if len(roots) == 0 && strings.TrimSpace(s.cfg.BackupWatchPath) != "" {
		if err := os.MkdirAll(s.cfg.BackupWatchPath, 0o755); err == nil {
			s.debugf("using backup watch path: %s", s.cfg.BackupWatchPath)
			roots = append(roots, s.cfg.BackupWatchPath)
		}
	}
	return roots
}

func (s *Scanner) collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped this tick, not fatal.
			log.Printf("walk %s: %v", p, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !s.supported(p) {
			return nil
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *Scanner) supported(path string) bool {
	_, ok := s.cfg.Extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// examine runs the per-file decision for one tick: stat, transition,
// classify, settle, dispatch.
func (s *Scanner) examine(ctx context.Context, path string, stats *tickStats) {
	stats.Scanned++

	info, err := os.Stat(path)
	if err != nil {
		// Transient I/O (locked, mid-write, permissions): retried next tick.
		log.Printf("stat %s: %v (skipping this tick)", path, err)
		stats.Errors++
		return
	}
	mtime := info.ModTime()
	size := info.Size()

	switch s.tracker.Observe(path, mtime, size) {
	case TransitionFirstSeen:
		// Never dispatched on first sight; guards against catching a file
		// mid-write.
		log.Printf("new file detected: %s", filepath.Base(path))
		stats.NewFiles++
		return
	case TransitionModified:
		log.Printf("modified file detected: %s", filepath.Base(path))
		return
	case TransitionSuppressed, TransitionIgnored:
		stats.Skipped++
		return
	case TransitionUnchanged:
	}

	dest, matched := s.router.Classify(path)
	if !matched {
		s.debugf("no pattern matched for %s, ignoring", path)
		s.tracker.MarkIgnored(path)
		stats.Skipped++
		return
	}

	result, err := s.settleCheck(path, mtime)
	if err != nil {
		log.Printf("settle check %s: %v (skipping this tick)", path, err)
		stats.Errors++
		return
	}
	if result != StabilityStable {
		s.debugf("file not ready: %s", path)
		return
	}

	if s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize {
		log.Printf("file %s exceeds size limit (%d bytes), skipping until modified", filepath.Base(path), size)
		s.tracker.Suppress(path, mtime)
		stats.Skipped++
		return
	}

	s.tracker.MarkStable(path, mtime)

	if s.cfg.ProcessDelay > 0 {
		s.schedule(path, mtime, dest)
		return
	}
	s.dispatchFile(ctx, path, mtime, dest, stats)
}

// settleCheck waits out the settle delay and re-stats the file. Stable
// means the mtime held still and the file has content; everything else
// stays a candidate for the next tick.
func (s *Scanner) settleCheck(path string, mtime time.Time) (StabilityResult, error) {
	s.sleep(s.cfg.SettleDelay)

	info, err := os.Stat(path)
	if err != nil {
		return StabilityNotReady, err
	}
	if !info.ModTime().Equal(mtime) {
		// Still being written; the next tick re-observes the new mtime.
		s.debugf("file still changing during settle window: %s", path)
		return StabilityNotReady, nil
	}
	if info.Size() == 0 {
		return StabilityNotReady, nil
	}
	return StabilityStable, nil
}

func (s *Scanner) schedule(path string, mtime time.Time, dest Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[path]; ok && cur.mtime.Equal(mtime) {
		// Already scheduled for this observation; keep the original fire time.
		return
	}
	fireAt := s.now().Add(s.cfg.ProcessDelay)
	s.pending[path] = pendingJob{path: path, mtime: mtime, dest: dest, fireAt: fireAt}
	log.Printf("scheduled %s for dispatch in %s", filepath.Base(path), s.cfg.ProcessDelay)
}

// drainPending dispatches delayed jobs whose fire time has passed. The
// lock covers only the map sweep, never the broker call.
func (s *Scanner) drainPending(ctx context.Context, stats *tickStats) {
	now := s.now()
	var due []pendingJob
	s.mu.Lock()
	for path, job := range s.pending {
		if !now.Before(job.fireAt) {
			due = append(due, job)
			delete(s.pending, path)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		info, err := os.Stat(job.path)
		if err != nil {
			log.Printf("stat scheduled %s: %v (dropped; rescanned next tick)", job.path, err)
			continue
		}
		if !info.ModTime().Equal(job.mtime) {
			// Changed while waiting; the normal scan path re-arms it.
			s.debugf("scheduled file modified before dispatch: %s", job.path)
			continue
		}
		s.dispatchFile(ctx, job.path, job.mtime, job.dest, stats)
	}
}

func (s *Scanner) dispatchFile(ctx context.Context, path string, mtime time.Time, dest Destination, stats *tickStats) {
	job := FileJob{
		Path:        path,
		Filename:    filepath.Base(path),
		Destination: dest,
		Mtime:       mtime,
	}

	id, err := s.client.Dispatch(ctx, job)
	if err != nil {
		// Not marked dispatched: the file stays stable and is retried on a
		// later tick rather than silently lost.
		log.Printf("dispatch failed path=%s table=%s err=%v", path, dest.Table, err)
		if jerr := s.journal.RecordDispatchError(job, err); jerr != nil {
			s.debugf("journal dispatch error: %v", jerr)
		}
		stats.Errors++
		return
	}

	if !s.tracker.MarkDispatched(path, mtime, id, dest.Table) {
		log.Printf("dispatch recorded elsewhere for path=%s mtime=%s, not counting", path, mtime)
		return
	}
	log.Printf("dispatched path=%s table=%s id=%s", path, dest.Table, id)
	if rec, ok := s.tracker.RecordFor(job.Filename); ok {
		if jerr := s.journal.RecordDispatch(rec); jerr != nil {
			s.debugf("journal dispatch: %v", jerr)
		}
	}
	stats.Dispatched++
}

// PendingCount reports how many delayed jobs await dispatch.
func (s *Scanner) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
