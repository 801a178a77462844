// Package model defines the persistent entities and the task state machine.
//
// All ids are opaque uuid strings generated at creation. Instants are UTC;
// conversion to the display zone happens in the clock package.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque 128-bit identifier.
func NewID() string { return uuid.New().String() }

// Project groups spiders and owns an on-disk directory.
type Project struct {
	ID             string
	Name           string
	Path           string // relative to the data directory, unique
	OwnerID        string
	PersistResults bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Spider is a named scraper belonging to a project.
type Spider struct {
	ID        string
	ProjectID string
	Name      string
	Source    []byte            // scraper source blob, opaque to the core
	Settings  map[string]string // optional per-spider settings
	Framework string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule is a cron-driven request to run a spider.
type Schedule struct {
	ID        string
	ProjectID string
	SpiderID  string
	OwnerID   string
	Name      string
	CronExpr  string // 5-field POSIX cron
	Active    bool
	LastRun   *time.Time
	NextRun   *time.Time
}

// Task is one execution attempt of a spider.
type Task struct {
	ID            string
	ProjectID     string
	SpiderID      string
	ScheduleID    string // empty for ad-hoc tasks
	OwnerID       string
	Status        TaskStatus
	StartedAt     *time.Time
	FinishedAt    *time.Time
	ItemsCount    int64
	RequestsCount int64
	ErrorCount    int64
	ErrorMessage  string
	StderrTail    string            // captured tail of subprocess stderr
	Settings      map[string]string // settings override for this run
	OutputFile    string            // absolute path of the JSONL output
	CreatedAt     time.Time
}

// Result is one scraped record.
type Result struct {
	ID           string
	TaskID       string
	Payload      []byte // canonical JSON of the scraped record
	URL          string
	CrawlStart   *time.Time
	ItemAcquired *time.Time
	Fingerprint  string // 64-hex content hash
	CreatedAt    time.Time
}

// TaskRequest asks the dispatcher to run a spider once.
type TaskRequest struct {
	TaskID     string
	ProjectID  string
	SpiderID   string
	ScheduleID string // empty for ad-hoc requests
	OwnerID    string
	Settings   map[string]string
}
