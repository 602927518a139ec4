// Package scheduler runs workflow sweeps on cron schedules: each job queries
// the source collection of its workflow and invokes the workflow for every
// matching entity.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

// DefaultConcurrency is the number of invocations run at once unless
// configured otherwise.
const DefaultConcurrency = 4

// Invoker runs one workflow against one entity.
type Invoker interface {
	Invoke(ctx context.Context, wfType schema.WorkflowType, entityID string) (*workflow.Outcome, error)
}

// Job is a scheduled sweep.
type Job struct {
	Name     string              `mapstructure:"name" yaml:"name" json:"name"`
	Workflow schema.WorkflowType `mapstructure:"workflow" yaml:"workflow" json:"workflow"`
	Cron     string              `mapstructure:"cron" yaml:"cron" json:"cron"`
	// Filter selects source entities by top-level field equality.
	Filter map[string]any `mapstructure:"filter" yaml:"filter" json:"filter,omitempty"`
	// SkipIfSet names a field that marks an entity as already processed,
	// e.g. convertedToProject.
	SkipIfSet string `mapstructure:"skip_if_set" yaml:"skip_if_set" json:"skip_if_set,omitempty"`
}

// JobStatus reports the last sweep of a job.
type JobStatus struct {
	Name      string     `json:"name"`
	Workflow  string     `json:"workflow"`
	Cron      string     `json:"cron"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Submitted int        `json:"submitted"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler fires sweeps on their cron schedules and runs the resulting
// invocations on a bounded pool. An entity already being processed by a job
// is not submitted again until that invocation returns.
type Scheduler struct {
	docs    store.DocumentStore
	invoker Invoker
	jobs    []Job
	parser  cron.Parser
	cron    *cron.Cron
	pool    *Pool
	logger  *slog.Logger
	now     func() time.Time

	concurrency int

	mu      sync.Mutex
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	status  map[string]*JobStatus

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConcurrency bounds the number of simultaneous invocations.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source used for job status.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates jobs and creates a stopped Scheduler.
func New(docs store.DocumentStore, invoker Invoker, jobs []Job, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		docs:        docs,
		invoker:     invoker,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: DefaultConcurrency,
		entries:     make(map[string]cron.EntryID),
		status:      make(map[string]*JobStatus),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = NewPool(s.concurrency, s.logger)

	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if err := s.validateJob(j); err != nil {
			return nil, err
		}
		if seen[j.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate scheduler job %q", j.Name)
		}
		seen[j.Name] = true
		s.jobs = append(s.jobs, j)
		s.status[j.Name] = &JobStatus{Name: j.Name, Workflow: string(j.Workflow), Cron: j.Cron}
	}
	s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	return s, nil
}

func (s *Scheduler) validateJob(j Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduler job name is required")
	}
	if _, err := schema.ParseWorkflowType(string(j.Workflow)); err != nil {
		return fmt.Errorf("scheduler job %s: %w", j.Name, err)
	}
	if _, err := s.parser.Parse(j.Cron); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduler job %s: invalid cron expression %q", j.Name, j.Cron).WithCause(err)
	}
	return nil
}

// Start registers every job with the cron runner. Sweeps started by cron use
// a context derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, j := range s.jobs {
		job := j
		id, err := s.cron.AddFunc(job.Cron, func() {
			if _, err := s.Sweep(runCtx, job); err != nil {
				s.logger.ErrorContext(runCtx, "scheduler sweep failed", "job", job.Name, "error", err)
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
		s.entries[job.Name] = id
	}
	s.cancel = cancel
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the cron runner and waits for running sweeps and invocations.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		<-s.cron.Stop().Done()
		cancel()
	}
	s.pool.Close()
	s.logger.Info("scheduler stopped")
	return nil
}

// Sweep queries the job's source collection and submits one invocation per
// matching entity. It returns the number of invocations submitted; it does
// not wait for them.
func (s *Scheduler) Sweep(ctx context.Context, job Job) (int, error) {
	submitted, err := s.sweep(ctx, job)

	s.mu.Lock()
	st := s.status[job.Name]
	if st == nil {
		st = &JobStatus{Name: job.Name, Workflow: string(job.Workflow), Cron: job.Cron}
		s.status[job.Name] = st
	}
	now := s.now()
	st.LastRunAt = &now
	st.Submitted = submitted
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	return submitted, err
}

func (s *Scheduler) sweep(ctx context.Context, job Job) (int, error) {
	collection := job.Workflow.SourceCollection()
	if collection == "" {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", job.Workflow)
	}
	docs, err := s.docs.QueryDocuments(ctx, collection, store.Filter(job.Filter))
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", collection, err)
	}

	submitted := 0
	for _, doc := range docs {
		id, _ := doc["id"].(string)
		if id == "" || (job.SkipIfSet != "" && isSet(doc[job.SkipIfSet])) {
			continue
		}
		key := job.Name + "/" + id
		if !s.tryAcquire(key) {
			continue
		}
		err := s.pool.Submit(ctx, key, func(ctx context.Context) error {
			defer s.release(key)
			out, err := s.invoker.Invoke(ctx, job.Workflow, id)
			if err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "scheduled workflow completed",
				"job", job.Name, "entity_id", id, "instance_id", out.InstanceID, "created_id", out.CreatedID)
			return nil
		})
		if err != nil {
			s.release(key)
			return submitted, err
		}
		submitted++
	}
	if submitted > 0 {
		s.logger.InfoContext(ctx, "scheduler sweep submitted invocations", "job", job.Name, "count", submitted)
	}
	return submitted, nil
}

// SweepAll runs every job once, regardless of its schedule.
func (s *Scheduler) SweepAll(ctx context.Context) (int, error) {
	total := 0
	for _, j := range s.jobs {
		n, err := s.Sweep(ctx, j)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Wait blocks until every submitted invocation has returned.
func (s *Scheduler) Wait() {
	s.pool.Wait()
}

// Jobs reports the status of every configured job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := *s.status[j.Name]
		if id, ok := s.entries[j.Name]; ok {
			if next := s.cron.Entry(id).Next; !next.IsZero() {
				st.NextRunAt = &next
			}
		}
		out = append(out, st)
	}
	return out
}

// NextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// isSet reports whether a document field holds a meaningful value.
func isSet(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	return true
}
