package model

// TaskStatus is the persisted lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusFinished  TaskStatus = "finished"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal states are sticky:
// the only sanctioned exception is the reconciler's Failed → Finished repair
// when results were actually ingested.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from → to.
// The repair transition Failed → Finished is allowed here; callers that are
// not the reconciler must not use it.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusFinished || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusFinished // reconciler repair only
	}
	return false
}
