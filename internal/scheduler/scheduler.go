// Package scheduler owns the ordered job queue and the processed-jobs
// ledger. Jobs are drained strictly one at a time: the schedule
// calculator's ParallelJobs figure is advisory capacity reporting, the
// drain itself stays serial to keep load on the remote API predictable.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/internal/pipeline"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
)

// MaxQueueSize bounds the pending queue. Enqueues past the bound are
// rejected wholesale, never truncated.
const MaxQueueSize = 20

// JobRunner executes the full pipeline for one job.
type JobRunner interface {
	RunJob(ctx context.Context, job *domain.Job) error
}

// RunnerFactory builds a job runner for one drain, bound to the schedule
// configuration derived at run time and the run's pipeline options.
type RunnerFactory func(cfg schedule.Config, opts pipeline.Options, progress pipeline.ProgressFunc) JobRunner

// Sink receives finished jobs (completed or failed) after they move to
// the ledger. Implementations must tolerate being called serially from
// the drain loop.
type Sink interface {
	JobFinished(job *domain.Job)
}

// Scheduler is the single owner of queue, ledger and run state. All
// mutation happens under its mutex or inside its own drain loop.
type Scheduler struct {
	mu        sync.Mutex
	queue     []*domain.Job
	ledger    []*domain.Job
	processed int
	running   bool
	cancel    context.CancelFunc

	capacity  func() int // available API key count, read once per run
	newRunner RunnerFactory
	derive    func(sceneCount, availableKeys int) schedule.Config
	observers []domain.Observer
	sinks     []Sink
	maxQueue  int
	logger    *slog.Logger
}

// New creates a scheduler. capacity reports the available key count at
// run start; newRunner builds the pipeline runner for each drain.
func New(capacity func() int, newRunner RunnerFactory, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		capacity:  capacity,
		newRunner: newRunner,
		derive:    schedule.CalculateOptimalConfig,
		maxQueue:  MaxQueueSize,
		logger:    logger,
	}
}

// Subscribe registers a passive observer for progress and lifecycle
// events. Not safe to call while a run is active.
func (s *Scheduler) Subscribe(obs domain.Observer) {
	s.observers = append(s.observers, obs)
}

// AddSink registers a finished-job sink. Not safe to call while a run is
// active.
func (s *Scheduler) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// Enqueue splits rawText on blank-line boundaries into one job per
// paragraph and appends them to the queue tail. The whole batch is
// rejected, with no mutation, if it would push the queue past its bound.
func (s *Scheduler) Enqueue(rawText string) ([]*domain.Job, error) {
	inputs := splitInputs(rawText)
	if len(inputs) == 0 {
		return nil, domain.ErrEmptyInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue)+len(inputs) > s.maxQueue {
		return nil, fmt.Errorf("%w: %d queued, adding %d would exceed the bound of %d",
			domain.ErrQueueFull, len(s.queue), len(inputs), s.maxQueue)
	}

	created := make([]*domain.Job, 0, len(inputs))
	for _, input := range inputs {
		job := domain.NewJob(input)
		s.queue = append(s.queue, job)
		created = append(created, job.Clone())
	}

	s.logger.Info("Jobs enqueued",
		slog.Int("added", len(created)),
		slog.Int("queue_length", len(s.queue)),
	)

	return created, nil
}

// Run drains the queue serially until it is empty or the context is
// cancelled. It blocks for the duration of the drain and refuses to start
// without at least one API key or while another drain is active. An empty
// queue is a no-op.
func (s *Scheduler) Run(ctx context.Context, opts pipeline.Options) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.ErrRunInProgress
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}

	keys := s.capacity()
	if keys <= 0 {
		s.mu.Unlock()
		return domain.ErrNoAPIKeys
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.processed = 0
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	cfg := s.derive(opts.SceneCount, keys)

	s.logger.Info("Queue drain started",
		slog.Int("queue_length", s.queueLen()),
		slog.Int("available_keys", keys),
		slog.Int("scenes_per_batch", cfg.ScenesPerBatch),
		slog.Duration("inter_batch_delay", cfg.InterBatchDelay),
		slog.Duration("inter_job_delay", cfg.InterJobDelay),
	)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.processed++
		index := s.processed
		total := s.processed + len(s.queue)
		s.mu.Unlock()

		s.runOne(runCtx, cfg, opts, job, index, total)

		s.mu.Lock()
		s.ledger = append(s.ledger, job)
		remaining := len(s.queue)
		s.mu.Unlock()

		finished := job.Clone()
		for _, sink := range s.sinks {
			sink.JobFinished(finished)
		}

		if runCtx.Err() != nil {
			s.logger.Info("Queue drain cancelled",
				slog.Int("processed", index),
				slog.Int("remaining", remaining),
			)
			break
		}

		// Pause between jobs, but not after the last one.
		if remaining > 0 {
			if err := sleepCtx(runCtx, cfg.InterJobDelay); err != nil {
				break
			}
		}
	}

	s.logger.Info("Queue drain finished",
		slog.Int("processed", s.processedCount()),
		slog.Int("ledger_size", s.ledgerLen()),
	)

	return nil
}

// runOne executes a single job and records its terminal state. Errors are
// contained here: one job's failure never halts the drain.
func (s *Scheduler) runOne(ctx context.Context, cfg schedule.Config, opts pipeline.Options, job *domain.Job, index, total int) {
	s.transition(job, domain.JobStatusProcessing)
	s.notifyProgress(domain.ProgressEvent{
		JobID:        job.ID,
		CurrentIndex: index,
		TotalCount:   total,
		Message:      fmt.Sprintf("processing job %d of %d", index, total),
	})

	runner := s.newRunner(cfg, opts, func(ev domain.ProgressEvent) {
		ev.CurrentIndex = index
		ev.TotalCount = total
		s.notifyProgress(ev)
	})

	err := runner.RunJob(ctx, job)
	job.FinishedAt = time.Now()

	if err != nil {
		job.Error = err.Error()
		s.transition(job, domain.JobStatusFailed)
		s.logger.Error("Job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.transition(job, domain.JobStatusCompleted)
	s.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.Int("outputs", len(job.Outputs)),
	)
}

// Cancel requests cooperative cancellation of the active drain. The
// current job fails at its next step or batch boundary; queued jobs stay
// pending. No-op when idle.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.Info("Cancellation requested")
		s.cancel()
	}
}

// Running reports whether a drain is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// QueueSnapshot returns clones of the pending jobs in FIFO order.
func (s *Scheduler) QueueSnapshot() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.queue)
}

// LedgerSnapshot returns clones of the finished jobs in completion order.
func (s *Scheduler) LedgerSnapshot() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.ledger)
}

// Job finds a job by id in the queue or the ledger.
func (s *Scheduler) Job(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.queue {
		if job.ID == id {
			return job.Clone(), nil
		}
	}
	for _, job := range s.ledger {
		if job.ID == id {
			return job.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

// Clear drops the queue and the ledger. Refused while a drain is active.
func (s *Scheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return domain.ErrRunActive
	}

	s.logger.Info("Clearing queue and ledger",
		slog.Int("queue_length", len(s.queue)),
		slog.Int("ledger_size", len(s.ledger)),
	)

	s.queue = nil
	s.ledger = nil
	s.processed = 0
	return nil
}

func (s *Scheduler) transition(job *domain.Job, newStatus string) {
	old := job.Status
	job.Status = newStatus
	for _, obs := range s.observers {
		obs.OnStatusChange(domain.StatusChange{
			JobID:     job.ID,
			OldStatus: old,
			NewStatus: newStatus,
		})
	}
}

func (s *Scheduler) notifyProgress(ev domain.ProgressEvent) {
	for _, obs := range s.observers {
		obs.OnProgress(ev)
	}
}

func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) ledgerLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *Scheduler) processedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// splitInputs breaks raw batch text into one seed text per paragraph,
// dropping empty blocks.
func splitInputs(rawText string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(rawText, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

func cloneAll(jobs []*domain.Job) []*domain.Job {
	out := make([]*domain.Job, len(jobs))
	for i, job := range jobs {
		out[i] = job.Clone()
	}
	return out
}

// sleepCtx pauses for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
