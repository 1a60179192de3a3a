package jobs

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// logBufferCap bounds each job's append-only log ring.
const logBufferCap = 10000

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// FailedItem is one work item that exhausted its retries.
type FailedItem struct {
	Code      string `json:"code"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// Job is the in-process record for one batch submission. All mutation goes
// through its methods; the embedded mutex keeps handler reads and driver
// writes consistent.
type Job struct {
	ID        uuid.UUID
	Items     []types.WorkItem
	CreatedAt time.Time

	mu        sync.RWMutex
	status    Status
	processed int
	logs      []LogEntry
	logStart  int
	failed    []FailedItem
}

func newJob(items []types.WorkItem) *Job {
	copied := make([]types.WorkItem, len(items))
	copy(copied, items)
	return &Job{
		ID:        uuid.New(),
		Items:     copied,
		CreatedAt: time.Now().UTC(),
		status:    StatusPending,
	}
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// setStatus enforces the machine: PENDING→RUNNING, RUNNING→terminal.
// Terminal statuses are frozen.
func (j *Job) setStatus(next Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	switch {
	case j.status == StatusPending && next == StatusRunning:
	case j.status == StatusRunning && next.Terminal():
	default:
		return false
	}
	j.status = next
	return true
}

// Progress maps the processed count onto 0..100.
func (j *Job) Progress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progressLocked()
}

func (j *Job) progressLocked() int {
	total := len(j.Items)
	if total == 0 {
		return 0
	}
	p := int(math.Round(100 * float64(j.processed) / float64(total)))
	if p > 100 {
		p = 100
	}
	return p
}

// SetProcessed records the monotonic running count from an item_done beacon.
// Counts never move backwards.
func (j *Job) SetProcessed(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > j.processed {
		j.processed = n
	}
}

// IncProcessed bumps the counter by one (glyph-style beacons).
func (j *Job) IncProcessed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.processed++
}

func (j *Job) Processed() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.processed
}

// AppendLog appends one entry, evicting the oldest when the ring is full.
func (j *Job) AppendLog(level, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
	if len(j.logs) < logBufferCap {
		j.logs = append(j.logs, entry)
		return
	}
	j.logs[j.logStart] = entry
	j.logStart = (j.logStart + 1) % logBufferCap
}

// LogTail returns the last k entries in append order.
func (j *Job) LogTail(k int) []LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := len(j.logs)
	if k > n {
		k = n
	}
	out := make([]LogEntry, 0, k)
	for i := n - k; i < n; i++ {
		out = append(out, j.logs[(j.logStart+i)%n])
	}
	return out
}

// Logs returns the full buffered log in append order.
func (j *Job) Logs() []LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := len(j.logs)
	out := make([]LogEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, j.logs[(j.logStart+i)%n])
	}
	return out
}

func (j *Job) RecordFailure(code, kind, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed = append(j.failed, FailedItem{Code: code, ErrorKind: kind, Message: message})
}

func (j *Job) FailedItems() []FailedItem {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]FailedItem, len(j.failed))
	copy(out, j.failed)
	return out
}

// Runner executes one job to completion. It must finish the job with
// Complete, Fail or Cancel; a non-terminal job on return is completed.
type Runner func(ctx context.Context, job *Job)

// Registry is the in-process job table plus the FIFO admission queue that
// caps concurrent jobs. It is the only mutable structure shared between the
// HTTP handlers and the batch driver.
type Registry struct {
	log    *logger.Logger
	runner Runner

	mu          sync.RWMutex
	jobs        map[uuid.UUID]*Job
	queue       []uuid.UUID
	running     int
	maxParallel int
}

func NewRegistry(log *logger.Logger, maxParallel int, runner Runner) *Registry {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Registry{
		log:         log.With("service", "JobRegistry"),
		runner:      runner,
		jobs:        make(map[uuid.UUID]*Job),
		maxParallel: maxParallel,
	}
}

// Submit registers a PENDING job and dispatches it as soon as a slot frees.
func (r *Registry) Submit(items []types.WorkItem) *Job {
	job := newJob(items)

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.queue = append(r.queue, job.ID)
	r.dispatchLocked()
	r.mu.Unlock()

	r.log.Info("job submitted", "job_id", job.ID.String(), "items", len(items))
	return job
}

func (r *Registry) Get(id uuid.UUID) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Complete finishes a running job: FAILED when every item failed, COMPLETED
// otherwise (skips count as clean).
func (r *Registry) Complete(job *Job) {
	allFailed := len(job.Items) > 0 && len(job.FailedItems()) == len(job.Items)
	if allFailed {
		job.setStatus(StatusFailed)
	} else {
		job.setStatus(StatusCompleted)
	}
}

// Fail force-fails a running job.
func (r *Registry) Fail(job *Job) {
	job.setStatus(StatusFailed)
}

// Cancel marks a running job cancelled; in-flight items finish their current
// phase first.
func (r *Registry) Cancel(job *Job) {
	job.setStatus(StatusCancelled)
}

func (r *Registry) dispatchLocked() {
	for r.running < r.maxParallel && len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]
		job, ok := r.jobs[id]
		if !ok {
			continue
		}
		if !job.setStatus(StatusRunning) {
			continue
		}
		r.running++
		go r.run(job)
	}
}

func (r *Registry) run(job *Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job runner panicked", "job_id", job.ID.String(), "panic", rec)
			job.setStatus(StatusFailed)
		}
		if !job.Status().Terminal() {
			r.Complete(job)
		}
		r.mu.Lock()
		r.running--
		r.dispatchLocked()
		r.mu.Unlock()
	}()

	r.runner(context.Background(), job)
}
