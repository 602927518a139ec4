// Package engine runs workflows as forward-only sagas: an ordered list of
// named steps executed strictly in sequence, with the instance record, the
// per-step state rows and the event log kept in sync with progress.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// Step is one named unit of work of a run.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunSpec describes a single workflow run.
type RunSpec struct {
	WorkflowType schema.WorkflowType
	ParentID     string
	Context      map[string]any
	// StartedAt is the captured run start; zero means the runner clock.
	StartedAt time.Time
	Steps     []Step
	// Result builds the structured result recorded on success.
	Result func() any
}

// RunStore is the persistence the runner needs.
type RunStore interface {
	store.InstanceStore
	store.StepStore
	store.EventStore
}

// Runner executes RunSpecs.
type Runner struct {
	store   RunStore
	hub     streaming.EventHub
	logger  *slog.Logger
	meter   metric.Meter
	metrics *runMetrics
	now     func() time.Time

	instFSM *InstanceFSM
	stepFSM *StepFSM
}

// Option configures a Runner.
type Option func(*Runner)

// WithHub publishes every transition on hub.
func WithHub(hub streaming.EventHub) Option {
	return func(r *Runner) { r.hub = hub }
}

// WithLogger sets the logger used for run diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithMeter records run metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(r *Runner) { r.meter = m }
}

// NewRunner creates a Runner backed by s.
func NewRunner(s RunStore, opts ...Option) (*Runner, error) {
	r := &Runner{
		store:  s,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	m, err := newRunMetrics(r.meter)
	if err != nil {
		return nil, fmt.Errorf("init run metrics: %w", err)
	}
	r.metrics = m

	r.instFSM = NewInstanceFSM(s)
	r.stepFSM = NewStepFSM(s)
	if r.hub != nil {
		r.registerPublishers()
	}
	return r, nil
}

// InstanceID returns the id of the run executing the current step, or "".
func InstanceID(ctx context.Context) string {
	return logging.InstanceID(ctx)
}

// Run executes spec and returns the instance id. Steps run strictly in
// order; the first step error fails the instance and is returned unchanged.
// Side effects of steps that completed before the failure are kept.
// The instance always ends completed or failed once an id is returned.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	begin := time.Now()
	startedAt := spec.StartedAt
	if startedAt.IsZero() {
		startedAt = r.now()
	}
	wfType := string(spec.WorkflowType)
	inst := &store.Instance{
		ID:           uuid.New().String(),
		WorkflowType: spec.WorkflowType,
		Status:       schema.InstanceStatusRunning,
		ParentID:     spec.ParentID,
		Context:      spec.Context,
		StartedAt:    startedAt,
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	ctx = logging.WithWorkflowType(ctx, wfType)
	log := logging.LogWith(ctx, r.logger)

	if err := r.store.CreateInstance(ctx, inst); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create workflow instance: %s", err.Error()).WithCause(err)
	}

	// From here on the instance exists and must end terminal.
	if err := r.start(ctx, inst.ID, spec); err != nil {
		r.fail(ctx, inst.ID, wfType, "", err, begin)
		return inst.ID, err
	}
	log.Info("workflow started", "parent_id", spec.ParentID, "steps", len(spec.Steps))

	for i, step := range spec.Steps {
		if err := r.runStep(ctx, inst.ID, i, step); err != nil {
			r.metrics.recordStepFailure(context.WithoutCancel(ctx), wfType, step.Name)
			r.fail(ctx, inst.ID, wfType, step.Name, err, begin)
			return inst.ID, err
		}
	}

	if err := r.complete(ctx, inst.ID, wfType, spec.Result, begin); err != nil {
		r.fail(ctx, inst.ID, wfType, "", err, begin)
		return inst.ID, err
	}
	return inst.ID, nil
}

func validateSpec(spec RunSpec) error {
	if spec.WorkflowType == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow type is required")
	}
	if len(spec.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps", spec.WorkflowType)
	}
	seen := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.Name == "" || s.Run == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has an unnamed or empty step", spec.WorkflowType)
		}
		if seen[s.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has duplicate step %q", spec.WorkflowType, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// start emits workflow_started and seeds every step as pending.
func (r *Runner) start(ctx context.Context, instanceID string, spec RunSpec) error {
	if err := r.instFSM.Transition(ctx, instanceID, statusNew, schema.InstanceStatusRunning,
		map[string]any{"parent_id": spec.ParentID}); err != nil {
		return err
	}
	for i, s := range spec.Steps {
		if err := r.store.UpsertStepState(ctx, &store.StepState{
			InstanceID: instanceID,
			StepID:     s.Name,
			Position:   i,
			Status:     schema.StepStatusPending,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "init step state %s: %s", s.Name, err.Error()).WithCause(err)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, instanceID string, position int, step Step) error {
	ctx = logging.WithStep(ctx, step.Name)
	log := logging.LogWith(ctx, r.logger)

	if err := ctx.Err(); err != nil {
		return err
	}

	current := step.Name
	if err := r.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{CurrentStep: &current}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record current step: %s", err.Error()).WithStep(step.Name).WithCause(err)
	}
	if err := r.stepFSM.Transition(ctx, instanceID, step.Name, schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
		return err
	}
	started := r.now()
	state := &store.StepState{
		InstanceID: instanceID,
		StepID:     step.Name,
		Position:   position,
		Status:     schema.StepStatusRunning,
		StartedAt:  &started,
	}
	if err := r.store.UpsertStepState(ctx, state); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update step state %s: %s", step.Name, err.Error()).WithCause(err)
	}

	runErr := safeRun(ctx, step)

	// Step bookkeeping must land even if the caller gave up meanwhile.
	dctx := context.WithoutCancel(ctx)
	finished := r.now()
	state.CompletedAt = &finished
	state.DurationMs = finished.Sub(started).Milliseconds()

	if runErr != nil {
		state.Status = schema.StepStatusFailed
		state.Error = runErr.Error()
		if err := r.stepFSM.Transition(dctx, instanceID, step.Name, schema.StepStatusRunning, schema.StepStatusFailed,
			map[string]any{"error": runErr.Error()}); err != nil {
			log.Error("emit step failure", "error", err)
		}
		if err := r.store.UpsertStepState(dctx, state); err != nil {
			log.Error("persist step failure", "error", err)
		}
		log.Warn("step failed", "error", runErr, "duration_ms", state.DurationMs)
		return runErr
	}

	state.Status = schema.StepStatusCompleted
	if err := r.stepFSM.Transition(dctx, instanceID, step.Name, schema.StepStatusRunning, schema.StepStatusCompleted, nil); err != nil {
		return err
	}
	if err := r.store.UpsertStepState(dctx, state); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update step state %s: %s", step.Name, err.Error()).WithCause(err)
	}
	log.Debug("step completed", "duration_ms", state.DurationMs)
	return nil
}

// safeRun converts a panicking step into a STEP_FAILED error.
func safeRun(ctx context.Context, step Step) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", rec).WithStep(step.Name)
		}
	}()
	return step.Run(ctx)
}

func (r *Runner) complete(ctx context.Context, instanceID, wfType string, result func() any, begin time.Time) error {
	dctx := context.WithoutCancel(ctx)

	var raw json.RawMessage
	if result != nil {
		if v := result(); v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "marshal workflow result: %s", err.Error()).WithCause(err)
			}
			raw = b
		}
	}

	// workflow_completed is emitted only once the completed status is stored.
	status := schema.InstanceStatusCompleted
	now := r.now()
	if err := r.store.UpdateInstance(dctx, instanceID, store.InstanceUpdate{
		Status:      &status,
		Result:      raw,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete workflow instance: %s", err.Error()).WithCause(err)
	}

	log := logging.LogWith(ctx, r.logger)
	if err := r.instFSM.Transition(dctx, instanceID, schema.InstanceStatusRunning, schema.InstanceStatusCompleted, nil); err != nil {
		log.Error("emit workflow completion", "error", err)
	}

	elapsed := time.Since(begin)
	r.metrics.recordRun(dctx, wfType, string(status), elapsed)
	log.Info("workflow completed", "duration_ms", elapsed.Milliseconds())
	return nil
}

// fail marks the instance failed. Errors here are logged only; the caller
// returns the original error.
func (r *Runner) fail(ctx context.Context, instanceID, wfType, stepName string, cause error, begin time.Time) {
	dctx := context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, r.logger)

	payload := map[string]any{"error": cause.Error()}
	if stepName != "" {
		payload["step"] = stepName
	}
	if err := r.instFSM.Transition(dctx, instanceID, schema.InstanceStatusRunning, schema.InstanceStatusFailed, payload); err != nil {
		log.Error("emit workflow failure", "error", err)
	}

	status := schema.InstanceStatusFailed
	msg := cause.Error()
	now := r.now()
	if err := r.store.UpdateInstance(dctx, instanceID, store.InstanceUpdate{
		Status:      &status,
		Error:       &msg,
		CompletedAt: &now,
	}); err != nil {
		log.Error("persist workflow failure", "error", err)
	}

	elapsed := time.Since(begin)
	r.metrics.recordRun(dctx, wfType, string(status), elapsed)
	log.Warn("workflow failed", "failed_step", stepName, "error", cause, "code", schema.CodeOf(cause),
		"duration_ms", elapsed.Milliseconds())
}

// registerPublishers mirrors FSM transitions onto the streaming hub.
func (r *Runner) registerPublishers() {
	publish := func(eventType string) TransitionHook {
		return func(ctx context.Context, t Transition) error {
			var payload any
			if len(t.Payload) > 0 {
				payload = t.Payload
			}
			if err := r.hub.Publish(ctx, streaming.StreamEvent{
				InstanceID:   t.InstanceID,
				WorkflowType: logging.WorkflowType(ctx),
				StepID:       t.StepID,
				EventType:    eventType,
				Payload:      payload,
			}); err != nil {
				logging.LogWith(ctx, r.logger).Debug("publish stream event", "event_type", eventType, "error", err)
			}
			return nil
		}
	}

	r.instFSM.OnAfter(statusNew, schema.InstanceStatusRunning, publish(schema.EventWorkflowStarted))
	r.instFSM.OnAfter(schema.InstanceStatusRunning, schema.InstanceStatusCompleted, publish(schema.EventWorkflowCompleted))
	r.instFSM.OnAfter(schema.InstanceStatusRunning, schema.InstanceStatusFailed, publish(schema.EventWorkflowFailed))
	r.stepFSM.OnAfter(schema.StepStatusPending, schema.StepStatusRunning, publish(schema.EventStepStarted))
	r.stepFSM.OnAfter(schema.StepStatusRunning, schema.StepStatusCompleted, publish(schema.EventStepCompleted))
	r.stepFSM.OnAfter(schema.StepStatusRunning, schema.StepStatusFailed, publish(schema.EventStepFailed))
}
