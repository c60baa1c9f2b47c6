package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"etl-watcher/watcher"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var watchPaths multiFlag
	var pollInterval time.Duration
	var settleDelay time.Duration
	var processDelay time.Duration
	var brokerURL string
	var queue string
	var taskName string
	var rawEnvelope bool
	var listenAddr string
	var journalPath string
	var baseline bool
	var debug bool

	flag.StringVar(&configPath, "config", "config/watcher.yaml", "YAML config file path (created with defaults when missing).")
	flag.Var(&watchPaths, "watch", "Watch root directory. Can be repeated.")
	flag.DurationVar(&pollInterval, "poll-interval", 10*time.Second, "Interval between scans.")
	flag.DurationVar(&settleDelay, "settle-delay", 2*time.Second, "Time a file must hold still before dispatch.")
	flag.DurationVar(&processDelay, "process-delay", 0, "Extra delay between stability and dispatch.")
	flag.StringVar(&brokerURL, "broker-url", "redis://localhost:6379/0", "Broker URL for the processing queue.")
	flag.StringVar(&queue, "queue", "celery", "Broker queue (list) name.")
	flag.StringVar(&taskName, "task", "process_dataframe", "Task name the worker consumes.")
	flag.BoolVar(&rawEnvelope, "raw-envelope", false, "Build the wire envelope by hand instead of using the task client.")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:5000", "HTTP address for completion callbacks ('' disables).")
	flag.StringVar(&journalPath, "journal", "watcher.db", "SQLite dispatch journal path ('' disables).")
	flag.BoolVar(&baseline, "baseline", true, "Record pre-existing files at startup without dispatching them.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.Usage = usage
	flag.Parse()

	switch flag.Arg(0) {
	case "", "run":
	case "status":
		if err := showStatus(configPath); err != nil {
			log.Fatalf("status: %v", err)
		}
		return
	case "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	fileCfg, err := watcher.LoadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// CLI overrides on top of the file config.
	if visited["watch"] {
		fileCfg.Watcher.WatchPaths = watchPaths
	}
	if visited["poll-interval"] {
		fileCfg.Watcher.PollIntervalSecs = int(pollInterval / time.Second)
	}
	if visited["settle-delay"] {
		fileCfg.Watcher.SettleDelaySecs = int(settleDelay / time.Second)
	}
	if visited["process-delay"] {
		fileCfg.Watcher.ProcessDelaySecs = int(processDelay / time.Second)
	}
	if visited["broker-url"] {
		fileCfg.Broker.URL = brokerURL
	}
	if visited["queue"] {
		fileCfg.Broker.Queue = queue
	}
	if visited["task"] {
		fileCfg.Broker.TaskName = taskName
	}
	if visited["raw-envelope"] {
		fileCfg.Broker.RawEnvelope = rawEnvelope
	}
	if visited["listen"] {
		fileCfg.Listener.Addr = listenAddr
	}
	if visited["journal"] {
		fileCfg.Journal.Path = journalPath
		enabled := journalPath != ""
		fileCfg.Journal.Enabled = &enabled
	}
	if visited["baseline"] {
		fileCfg.Watcher.BaselineExisting = &baseline
	}
	if visited["debug"] {
		fileCfg.Debug = debug
	}

	if err := fileCfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	cfg := fileCfg.Runtime()

	if err := run(cfg); err != nil {
		log.Fatalf("watcher: %v", err)
	}
}

func run(cfg watcher.Config) error {
	broker, err := watcher.NewRedisBroker(cfg.BrokerURL, cfg.BrokerTimeout)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer broker.Close()

	var client watcher.DispatchClient
	if cfg.RawEnvelope {
		client = watcher.NewRawEnvelopeClient(broker, cfg.Queue, cfg.TaskName)
	} else {
		client = watcher.NewTaskClient(broker, cfg.Queue, cfg.TaskName)
	}

	var journal *watcher.Journal
	if cfg.JournalEnabled {
		journal, err = watcher.OpenJournal(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
	}

	tracker := watcher.NewTracker()
	router := watcher.NewRouter(cfg.Rules)
	scanner := watcher.NewScanner(cfg, tracker, router, client, journal)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.BrokerTimeout)
	if err := broker.Ping(pingCtx); err != nil {
		log.Printf("broker not reachable yet: %v (dispatches will retry)", err)
	}
	cancel()

	if cfg.ListenerAddr != "" {
		listener := watcher.NewListener(tracker, journal)
		go func() {
			if err := listener.Serve(ctx, cfg.ListenerAddr); err != nil && err != http.ErrServerClosed {
				log.Printf("listener: %v", err)
			}
		}()
		log.Printf("completion listener on %s", cfg.ListenerAddr)
	}

	log.Printf("watching %v every %s (settle %s, queue %q, task %q, raw_envelope=%v)",
		cfg.WatchPaths, cfg.PollInterval, cfg.SettleDelay, cfg.Queue, cfg.TaskName, cfg.RawEnvelope)
	for _, r := range cfg.Rules {
		log.Printf("  rule: %q -> %s", r.Pattern, r.Destination.Table)
	}

	scanner.Run(ctx)
	log.Printf("watcher stopped")
	return nil
}

func showStatus(configPath string) error {
	fileCfg, err := watcher.LoadOrCreateConfig(configPath)
	if err != nil {
		return err
	}
	if err := fileCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg := fileCfg.Runtime()

	fmt.Printf("Config file:       %s\n", configPath)
	fmt.Printf("Watch paths:       %s\n", strings.Join(cfg.WatchPaths, ", "))
	fmt.Printf("Poll interval:     %s\n", cfg.PollInterval)
	fmt.Printf("Settle delay:      %s\n", cfg.SettleDelay)
	fmt.Printf("Process delay:     %s\n", cfg.ProcessDelay)
	fmt.Printf("Max file size:     %d MB\n", cfg.MaxFileSize/(1024*1024))
	exts := make([]string, 0, len(cfg.Extensions))
	for e := range cfg.Extensions {
		exts = append(exts, e)
	}
	sort.Strings(exts)
	fmt.Printf("Extensions:        %s\n", strings.Join(exts, ", "))
	fmt.Printf("Broker:            %s (queue %q, task %q, raw_envelope=%v)\n", cfg.BrokerURL, cfg.Queue, cfg.TaskName, cfg.RawEnvelope)
	fmt.Printf("Baseline existing: %v\n", cfg.BaselineExisting)
	fmt.Println("Pattern rules (first match wins):")
	for _, r := range cfg.Rules {
		line := fmt.Sprintf("  %-20s -> %s", r.Pattern, r.Destination.Table)
		if r.Destination.Schema != "" {
			line += " (schema " + r.Destination.Schema + ")"
		}
		fmt.Println(line)
	}

	// A running watcher exposes live counts over its listener.
	if cfg.ListenerAddr != "" {
		httpClient := &http.Client{Timeout: 2 * time.Second}
		resp, err := httpClient.Get("http://" + cfg.ListenerAddr + "/status")
		if err == nil {
			defer resp.Body.Close()
			var counts watcher.Counts
			if err := json.NewDecoder(resp.Body).Decode(&counts); err == nil {
				fmt.Printf("Live counts:       watched=%d queued=%d dispatched=%d completed=%d failed=%d ignored=%d\n",
					counts.Watched, counts.Queued, counts.Dispatched, counts.Completed, counts.Failed, counts.Ignored)
			}
		} else {
			fmt.Printf("Live counts:       unavailable (%s not reachable)\n", cfg.ListenerAddr)
		}
	}

	if cfg.JournalEnabled {
		journal, err := watcher.OpenJournal(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		sent, acked, failed, err := journal.Counts()
		if err != nil {
			return err
		}
		fmt.Printf("Journal:           sent=%d acknowledged=%d failed=%d (%s)\n", sent, acked, failed, cfg.JournalPath)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `etl-watcher watches directory trees for new data files and enqueues one
processing task per stable file, routed by path pattern.

Usage:
  etl-watcher [flags]           run the watcher
  etl-watcher [flags] status    print config and current counts
  etl-watcher help              show this help

Flags:
`)
	flag.PrintDefaults()
}
