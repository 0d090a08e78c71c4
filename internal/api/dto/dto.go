package dto

// EnqueueRequest carries raw seed text. Blank-line separated paragraphs
// become individual jobs.
type EnqueueRequest struct {
	Input string `json:"input" binding:"required"`
}

// RunRequest tunes one drain of the queue. Zero values fall back to the
// configured pipeline defaults.
type RunRequest struct {
	SceneCount       int               `json:"scene_count"`
	MinWordsPerScene int               `json:"min_words_per_scene"`
	MaxWordsPerScene int               `json:"max_words_per_scene"`
	Templates        map[string]string `json:"templates"` // step name -> template id
}

type JobDTO struct {
	JobID      string            `json:"job_id"`
	Input      string            `json:"input"`
	Status     string            `json:"status"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  string            `json:"created_at"`
	FinishedAt string            `json:"finished_at,omitempty"`
}

type EnqueueResponse struct {
	Jobs        []JobDTO `json:"jobs"`
	QueueLength int      `json:"queue_length"`
}

type QueueResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type LedgerResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// ConfigDTO is the wire form of a derived scheduling configuration.
type ConfigDTO struct {
	ScenesPerBatch    int `json:"scenes_per_batch"`
	ParallelJobs      int `json:"parallel_jobs"`
	InterBatchDelayMS int `json:"inter_batch_delay_ms"`
	InterJobDelayMS   int `json:"inter_job_delay_ms"`
	MaxRetries        int `json:"max_retries"`
	ContextWindow     int `json:"context_window"`
	Tolerance         int `json:"tolerance"`
}

type RunResponse struct {
	Started  bool      `json:"started"`
	Jobs     int       `json:"jobs"`
	Config   ConfigDTO `json:"config"`
	Warnings []string  `json:"warnings,omitempty"`
}

type CancelResponse struct {
	Running bool `json:"running"`
}

type EstimateRequest struct {
	Jobs   int `form:"jobs"`
	Scenes int `form:"scenes"`
}

type EstimateResponse struct {
	Jobs         int       `json:"jobs"`
	Scenes       int       `json:"scenes"`
	TotalCalls   int       `json:"total_calls"`
	TotalMinutes int       `json:"total_minutes"`
	Display      string    `json:"display"`
	Config       ConfigDTO `json:"config"`
	Warnings     []string  `json:"warnings,omitempty"`
}

type TemplateDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

type StepTemplates struct {
	Step      int           `json:"step"`
	StepName  string        `json:"step_name"`
	Templates []TemplateDTO `json:"templates"`
}

type TemplatesResponse struct {
	Steps []StepTemplates `json:"steps"`
}

type ListArchiveRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListArchiveResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}
