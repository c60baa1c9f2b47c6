package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PatternRuleConfig is one path-substring -> destination table rule.
type PatternRuleConfig struct {
	Pattern     string `yaml:"pattern"`
	Table       string `yaml:"table"`
	Schema      string `yaml:"schema"`
	Description string `yaml:"description"`
}

// PatternsConfig accepts either:
//  1. mapping form (preferred, order of keys is the match order):
//     patterns:
//     customer_data: dim_customers
//     sales_data:
//     table: fact_sales
//     schema: public
//  2. legacy list form:
//     patterns:
//     - pattern: customer_data
//     table: dim_customers
type PatternsConfig struct {
	Rules []PatternRuleConfig
}

func (p *PatternsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		rules := make([]PatternRuleConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			pattern := strings.TrimSpace(k.Value)
			if pattern == "" {
				continue
			}

			// Mapping values may be either:
			// - scalar string: <table>
			// - mapping object: {table: ..., schema: ..., description: ...}
			switch v.Kind {
			case yaml.ScalarNode:
				table := strings.TrimSpace(v.Value)
				rules = append(rules, PatternRuleConfig{Pattern: pattern, Table: table})
			case yaml.MappingNode:
				var tmp struct {
					Table       string `yaml:"table"`
					Schema      string `yaml:"schema"`
					Description string `yaml:"description"`
				}
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				rules = append(rules, PatternRuleConfig{
					Pattern:     pattern,
					Table:       strings.TrimSpace(tmp.Table),
					Schema:      strings.TrimSpace(tmp.Schema),
					Description: strings.TrimSpace(tmp.Description),
				})
			default:
				continue
			}
		}
		p.Rules = rules
		return nil
	case yaml.SequenceNode:
		var rules []PatternRuleConfig
		if err := value.Decode(&rules); err != nil {
			return err
		}
		p.Rules = rules
		return nil
	default:
		// ignore other kinds
		return nil
	}
}

type WatcherSettings struct {
	WatchPaths          []string `yaml:"watch_paths"`
	BackupWatchPath     string   `yaml:"backup_watch_path"`
	PollIntervalSecs    int      `yaml:"poll_interval"`
	SettleDelaySecs     int      `yaml:"settle_delay"`
	ProcessDelaySecs    int      `yaml:"process_delay"`
	SupportedExtensions []string `yaml:"supported_extensions"`
	// BaselineExisting controls whether files present on the very first
	// scan are recorded as a baseline and never dispatched, or treated
	// like any new file. Default true.
	BaselineExisting *bool `yaml:"baseline_existing"`
}

type BrokerSettings struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	TaskName string `yaml:"task_name"`
	// RawEnvelope selects the hand-built wire message strategy instead of
	// the structured task client. Both target the same consumer.
	RawEnvelope bool `yaml:"raw_envelope"`
	TimeoutSecs int  `yaml:"timeout"`
}

type ListenerSettings struct {
	Addr string `yaml:"addr"`
}

type JournalSettings struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DataQualitySettings struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
}

type FileConfig struct {
	Watcher     WatcherSettings     `yaml:"watcher"`
	Patterns    PatternsConfig      `yaml:"patterns"`
	DataQuality DataQualitySettings `yaml:"data_quality"`
	Broker      BrokerSettings      `yaml:"broker"`
	Listener    ListenerSettings    `yaml:"listener"`
	Journal     JournalSettings     `yaml:"journal"`
	Debug       bool                `yaml:"debug"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrCreateConfig loads the config file, writing a documented default
// first when the file does not exist yet.
func LoadOrCreateConfig(path string) (*FileConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefaultConfig(path); err != nil {
			return nil, err
		}
	}
	return LoadConfig(path)
}

func WriteDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func (c *FileConfig) Validate() error {
	if len(c.Watcher.WatchPaths) == 0 && strings.TrimSpace(c.Watcher.BackupWatchPath) == "" {
		return fmt.Errorf("watcher.watch_paths or watcher.backup_watch_path is required")
	}
	if c.Watcher.PollIntervalSecs < 0 {
		return fmt.Errorf("watcher.poll_interval must not be negative")
	}
	if c.Watcher.SettleDelaySecs < 0 {
		return fmt.Errorf("watcher.settle_delay must not be negative")
	}
	if c.Watcher.ProcessDelaySecs < 0 {
		return fmt.Errorf("watcher.process_delay must not be negative")
	}
	if c.DataQuality.MaxFileSizeMB < 0 {
		return fmt.Errorf("data_quality.max_file_size_mb must not be negative")
	}
	if len(c.Patterns.Rules) == 0 {
		return fmt.Errorf("patterns is required (at least one pattern -> table rule)")
	}
	for i, r := range c.Patterns.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("patterns[%d]: empty pattern", i)
		}
		if strings.TrimSpace(r.Table) == "" {
			return fmt.Errorf("patterns[%d] (%q): missing table", i, r.Pattern)
		}
	}
	return nil
}

// Config is the immutable runtime configuration. It is built once at
// startup and passed into the Scanner, Router and dispatch clients; a
// reload swaps the whole value, never individual fields.
type Config struct {
	WatchPaths      []string
	BackupWatchPath string
	PollInterval    time.Duration
	SettleDelay     time.Duration
	ProcessDelay    time.Duration
	Extensions      map[string]struct{}
	MaxFileSize     int64
	Rules           []PatternRule
	BaselineExisting bool

	BrokerURL     string
	Queue         string
	TaskName      string
	RawEnvelope   bool
	BrokerTimeout time.Duration

	ListenerAddr   string
	JournalEnabled bool
	JournalPath    string
	Debug          bool
}

// Runtime applies defaults and converts the file config into the
// immutable runtime form. Call Validate first.
func (c *FileConfig) Runtime() Config {
	cfg := Config{
		WatchPaths:      append([]string(nil), c.Watcher.WatchPaths...),
		BackupWatchPath: c.Watcher.BackupWatchPath,
		PollInterval:    time.Duration(c.Watcher.PollIntervalSecs) * time.Second,
		SettleDelay:     time.Duration(c.Watcher.SettleDelaySecs) * time.Second,
		ProcessDelay:    time.Duration(c.Watcher.ProcessDelaySecs) * time.Second,
		MaxFileSize:     int64(c.DataQuality.MaxFileSizeMB) * 1024 * 1024,
		BaselineExisting: true,
		BrokerURL:       c.Broker.URL,
		Queue:           c.Broker.Queue,
		TaskName:        c.Broker.TaskName,
		RawEnvelope:     c.Broker.RawEnvelope,
		BrokerTimeout:   time.Duration(c.Broker.TimeoutSecs) * time.Second,
		ListenerAddr:    c.Listener.Addr,
		JournalEnabled:  true,
		JournalPath:     c.Journal.Path,
		Debug:           c.Debug,
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if c.Watcher.BaselineExisting != nil {
		cfg.BaselineExisting = *c.Watcher.BaselineExisting
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "redis://localhost:6379/0"
	}
	if cfg.Queue == "" {
		cfg.Queue = "celery"
	}
	if cfg.TaskName == "" {
		cfg.TaskName = "process_dataframe"
	}
	if cfg.BrokerTimeout == 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	if c.Journal.Enabled != nil {
		cfg.JournalEnabled = *c.Journal.Enabled
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "watcher.db"
	}

	exts := c.Watcher.SupportedExtensions
	if len(exts) == 0 {
		exts = []string{".csv", ".xlsx", ".xls", ".xlsm"}
	}
	cfg.Extensions = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		cfg.Extensions[e] = struct{}{}
	}

	cfg.Rules = make([]PatternRule, 0, len(c.Patterns.Rules))
	for _, r := range c.Patterns.Rules {
		cfg.Rules = append(cfg.Rules, PatternRule{
			Pattern: r.Pattern,
			Destination: Destination{
				Table:       r.Table,
				Schema:      r.Schema,
				Description: r.Description,
			},
		})
	}
	return cfg
}

const defaultConfigYAML = `# etl-watcher configuration.
#
# The watcher polls watch_paths for new data files, waits for them to
# stabilize, routes them to a destination table by path pattern and
# enqueues one processing task per stable file.

watcher:
  watch_paths:
    - ./watch
  # Used when none of the watch_paths exist.
  backup_watch_path: ./watch_production
  # Seconds between scans.
  poll_interval: 10
  # Seconds a file's mtime/size must hold still before dispatch.
  settle_delay: 2
  # Extra seconds to wait after a file is stable before enqueueing (0 = none).
  process_delay: 0
  supported_extensions: [.csv, .xlsx, .xls, .xlsm]
  # true: files present at startup are recorded but never dispatched.
  # false: pre-existing files are dispatched like new ones.
  baseline_existing: true

# Ordered pattern -> destination rules. First match wins.
# A rule may be a bare table name or a mapping with table/schema/description.
patterns:
  tel_list:
    table: dim_numbers
    schema: public
    description: Telephone numbers and contact information
  customer_data:
    table: dim_customers
    schema: public
    description: Customer master data
  product_info:
    table: dim_products
    schema: public
    description: Product information and catalog
  sales_data:
    table: fact_sales
    schema: public
    description: Sales transaction data
  inventory:
    table: dim_inventory
    schema: public
    description: Inventory levels and stock data
  transactions:
    table: fact_transactions
    schema: public
    description: Financial transaction records
  reports:
    table: staging_reports
    schema: staging
    description: Temporary report staging area

data_quality:
  max_file_size_mb: 100

broker:
  url: redis://localhost:6379/0
  queue: celery
  task_name: process_dataframe
  # true: build the consumer's wire envelope by hand and push it directly
  # onto the broker list instead of going through the task client.
  raw_envelope: false
  # Seconds before a broker call is abandoned.
  timeout: 10

listener:
  # HTTP address for completion callbacks and the status endpoint.
  addr: 127.0.0.1:5000

journal:
  enabled: true
  path: watcher.db

debug: false
`
