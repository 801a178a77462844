// Package config holds the runtime configuration of the core.
//
// Configuration is a plain struct: defaults first, then SCRAPY_UI_*
// environment variables, then command-line flags. Components receive the
// values they need at construction; nothing reads the environment after
// startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names recognised by FromEnv.
const (
	EnvTimezone           = "SCRAPY_UI_TIMEZONE"
	EnvDBURL              = "SCRAPY_UI_DB_URL"
	EnvMaxConcurrentTasks = "SCRAPY_UI_MAX_CONCURRENT_TASKS"
	EnvReconcileInterval  = "SCRAPY_UI_RECONCILE_INTERVAL_S"
	EnvDataDir            = "SCRAPY_UI_DATA_DIR"
	EnvListenAddr         = "SCRAPY_UI_LISTEN_ADDR"
	EnvKafkaBrokers       = "SCRAPY_UI_KAFKA_BROKERS"
	EnvKafkaTopic         = "SCRAPY_UI_KAFKA_TOPIC"
	EnvScraperCommand     = "SCRAPY_UI_SCRAPER_COMMAND"
)

// Config is the complete runtime configuration.
type Config struct {
	// Timezone is the display zone; cron evaluation happens in it.
	Timezone string

	// DBURL locates the sqlite database file.
	DBURL string

	// DataDir is the root under which project directories live.
	DataDir string

	// ListenAddr is the websocket gateway bind address.
	ListenAddr string

	// ScraperCommand is the executable spawned for each task.
	ScraperCommand string

	// Dispatcher.
	MaxConcurrentTasks  int
	PerProjectLimit     int // 0 = unlimited
	QueueCapacity       int
	SpawnTimeout        time.Duration
	TaskTimeout         time.Duration
	HardKillGracePeriod time.Duration

	// Tailer.
	FileAppearTimeout time.Duration
	PollInterval      time.Duration
	BatchMax          int
	BatchInterval     time.Duration
	MaxPendingBytes   int64
	DedupMemoryCap    int // fingerprints kept in memory per task

	// Scheduler.
	SyncInterval   time.Duration // schedule reload cadence
	TickInterval   time.Duration
	ConflictWindow time.Duration

	// Reconciler.
	ReconcileInterval time.Duration
	ReconcileWindow   time.Duration
	StuckTimeout      time.Duration

	// Retention.
	RetentionInterval time.Duration
	MaxJSONLLines     int
	KeepSessions      int
	MaxBackupAge      time.Duration

	// Store.
	DBTimeout    time.Duration
	DBMaxRetries int

	// Backplane. Empty brokers disables the external mirror.
	KafkaBrokers []string
	KafkaTopic   string
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Timezone:       "Asia/Tokyo",
		DBURL:          "crawlplane.db",
		DataDir:        "data",
		ListenAddr:     ":4790",
		ScraperCommand: "scrapy",

		MaxConcurrentTasks:  4,
		PerProjectLimit:     0,
		QueueCapacity:       64,
		SpawnTimeout:        30 * time.Second,
		TaskTimeout:         time.Hour,
		HardKillGracePeriod: 10 * time.Second,

		FileAppearTimeout: 5 * time.Second,
		PollInterval:      time.Second,
		BatchMax:          200,
		BatchInterval:     time.Second,
		MaxPendingBytes:   16 << 20,
		DedupMemoryCap:    100_000,

		SyncInterval:   10 * time.Second,
		TickInterval:   time.Second,
		ConflictWindow: 5 * time.Minute,

		ReconcileInterval: 2 * time.Minute,
		ReconcileWindow:   6 * time.Hour,
		StuckTimeout:      30 * time.Minute,

		RetentionInterval: time.Hour,
		MaxJSONLLines:     500,
		KeepSessions:      1,
		MaxBackupAge:      30 * 24 * time.Hour,

		DBTimeout:    30 * time.Second,
		DBMaxRetries: 5,

		KafkaTopic: "crawlplane-events",
	}
}

// FromEnv overlays environment variables onto defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv(EnvTimezone); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv(EnvDBURL); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvScraperCommand); v != "" {
		cfg.ScraperCommand = v
	}
	if v := os.Getenv(EnvMaxConcurrentTasks); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", EnvMaxConcurrentTasks, err)
		}
		cfg.MaxConcurrentTasks = n
	}
	if v := os.Getenv(EnvReconcileInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", EnvReconcileInterval, err)
		}
		cfg.ReconcileInterval = time.Duration(n) * time.Second
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv(EnvKafkaTopic); v != "" {
		cfg.KafkaTopic = v
	}

	return cfg, nil
}

// Validate checks the configuration for boot-time errors.
func (c Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.DBURL == "" {
		errs = append(errs, errors.New("db url must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if c.ScraperCommand == "" {
		errs = append(errs, errors.New("scraper command must not be empty"))
	}
	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("max concurrent tasks must be >= 1, got %d", c.MaxConcurrentTasks))
	}
	if c.PerProjectLimit < 0 {
		errs = append(errs, fmt.Errorf("per project limit must be >= 0, got %d", c.PerProjectLimit))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity must be >= 1, got %d", c.QueueCapacity))
	}
	if c.BatchMax < 1 {
		errs = append(errs, fmt.Errorf("batch max must be >= 1, got %d", c.BatchMax))
	}
	if c.KeepSessions < 1 {
		errs = append(errs, fmt.Errorf("keep sessions must be >= 1, got %d", c.KeepSessions))
	}
	if c.DBMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("db max retries must be >= 0, got %d", c.DBMaxRetries))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"spawn timeout", c.SpawnTimeout},
		{"task timeout", c.TaskTimeout},
		{"hard kill grace period", c.HardKillGracePeriod},
		{"file appear timeout", c.FileAppearTimeout},
		{"poll interval", c.PollInterval},
		{"batch interval", c.BatchInterval},
		{"sync interval", c.SyncInterval},
		{"tick interval", c.TickInterval},
		{"reconcile interval", c.ReconcileInterval},
		{"retention interval", c.RetentionInterval},
		{"db timeout", c.DBTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.val))
		}
	}

	return errors.Join(errs...)
}
