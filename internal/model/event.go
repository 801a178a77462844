package model

import "time"

// EventKind names a notification on the bus.
type EventKind string

const (
	EventTaskStarted    EventKind = "task_started"
	EventTaskProgress   EventKind = "task_progress"
	EventTaskFinished   EventKind = "task_finished"
	EventTaskFailed     EventKind = "task_failed"
	EventTaskCancelled  EventKind = "task_cancelled"
	EventTaskRepaired   EventKind = "task_repaired"
	EventResultIngested EventKind = "result_ingested"
	EventScheduleFired  EventKind = "schedule_fired"
	EventScheduleError  EventKind = "schedule_error"
)

// Event is a notification, not a persisted entity. Delivery is best-effort.
type Event struct {
	TaskID  string
	Kind    EventKind
	Instant time.Time
	Attrs   map[string]string
}
