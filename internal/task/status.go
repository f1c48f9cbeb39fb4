package task

// Status is the lifecycle state of a download/conversion task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusResolving   Status = "resolving"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusStreaming   Status = "streaming"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// statusRank orders the forward path. Terminal states are absent because
// transitions out of them are never allowed.
var statusRank = map[Status]int{
	StatusPending:     0,
	StatusResolving:   1,
	StatusDownloading: 2,
	StatusProcessing:  3,
	StatusStreaming:   4,
	StatusCompleted:   5,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResolving, StatusDownloading, StatusProcessing,
		StatusStreaming, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether a task in state s may move to next.
// The forward path is monotonic; error and cancelled are reachable from any
// non-terminal state; a failed resolution attempt may re-enter resolving.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if !next.Valid() {
		return false
	}
	if next == StatusError || next == StatusCancelled {
		return true
	}
	if next == StatusResolving {
		return s == StatusPending || s == StatusResolving
	}
	return statusRank[next] >= statusRank[s]
}
