package domain

// ProgressEvent reports one unit of work attempted by the scheduler or the
// pipeline: the active job's position in the run, the stage and batch being
// worked on, and a human-readable message.
type ProgressEvent struct {
	JobID        string `json:"job_id"`
	CurrentIndex int    `json:"current_index"`
	TotalCount   int    `json:"total_count"`
	Step         Step   `json:"step,omitempty"`
	BatchIndex   int    `json:"batch_index,omitempty"`
	TotalBatches int    `json:"total_batches,omitempty"`
	Message      string `json:"message"`
}

// StatusChange reports a job lifecycle transition.
type StatusChange struct {
	JobID     string `json:"job_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// Observer receives scheduler notifications. Implementations must not
// block; the scheduler calls them inline from its drain loop.
type Observer interface {
	OnProgress(ev ProgressEvent)
	OnStatusChange(ch StatusChange)
}
