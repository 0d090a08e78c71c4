package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job status constants
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Step identifies one of the six ordered pipeline stages.
type Step int

const (
	StepDiscovery Step = iota + 1
	StepOutline
	StepScript
	StepPrompts
	StepVoiceover
	StepMetadata
)

// StepCount is the number of pipeline stages per job.
const StepCount = 6

func (s Step) String() string {
	switch s {
	case StepDiscovery:
		return "discovery"
	case StepOutline:
		return "outline"
	case StepScript:
		return "script"
	case StepPrompts:
		return "prompts"
	case StepVoiceover:
		return "voiceover"
	case StepMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Job is one user-submitted seed text tracked through all six stages.
// Outputs grows monotonically while the job is processing; a step result
// is never overwritten once set.
type Job struct {
	ID         string
	Input      string
	Status     string
	Outputs    map[Step]string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// NewJob creates a pending job for one seed text.
func NewJob(input string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Input:     input,
		Status:    JobStatusPending,
		Outputs:   make(map[Step]string),
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy safe to hand to observers and API responses
// while the scheduler keeps mutating the original.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Outputs = make(map[Step]string, len(j.Outputs))
	for k, v := range j.Outputs {
		cp.Outputs[k] = v
	}
	return &cp
}
