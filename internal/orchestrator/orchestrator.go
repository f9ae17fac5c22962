// Package orchestrator decomposes a task into one subtask per capability,
// runs them concurrently and aggregates what succeeded.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lexline/internal/capability"
	"lexline/internal/domain"
)

// Request is a task submission.
type Request struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Input    map[string]any `json:"input"`
	Context  map[string]any `json:"context,omitempty"`
	Priority int            `json:"priority,omitempty"`
	ActorID  string         `json:"actor_id,omitempty"`
}

// Dispatcher runs the subtasks of a task somewhere other than this
// process. It returns one Outcome per capability once all have settled.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task, caps []capability.Name) ([]Outcome, error)
}

type Orchestrator struct {
	Registry       *capability.Registry
	Workflows      Workflows
	Aggregator     Aggregator
	Store          TaskStore
	Dispatcher     Dispatcher
	Timeout        time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
	Now            func() time.Time
}

const defaultTimeout = 30 * time.Second

func New(reg *capability.Registry, store TaskStore) Orchestrator {
	return Orchestrator{
		Registry:   reg,
		Workflows:  DefaultWorkflows(),
		Aggregator: MergeAggregator{},
		Store:      store,
		Timeout:    defaultTimeout,
		Now:        time.Now,
	}
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Plan resolves the capabilities for a request and checks each has a
// provider. Nothing is dispatched or persisted.
func (o Orchestrator) Plan(req Request) ([]capability.Name, error) {
	workflows := o.Workflows
	if workflows == nil {
		workflows = DefaultWorkflows()
	}
	caps, err := workflows.Resolve(req.Type)
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		if _, ok := o.Registry.Lookup(c); !ok {
			return nil, ValidationError{Field: "type", Reason: fmt.Sprintf("capability %s has no registered provider", c)}
		}
	}
	return caps, nil
}

// SubtaskID derives a stable subtask id from its task and capability.
func SubtaskID(taskID string, c capability.Name) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(taskID+"/"+string(c))).String()
}

// Submit runs every subtask of the request to completion and returns the
// aggregated result. When all subtasks fail the result is still returned,
// together with a *FailedError listing every cause.
func (o Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	caps, err := o.Plan(req)
	if err != nil {
		return Result{}, err
	}
	taskID := req.ID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	now := o.now().UTC().Format(time.RFC3339)
	task := domain.Task{
		ID:        taskID,
		Type:      req.Type,
		Input:     req.Input,
		Context:   req.Context,
		Priority:  req.Priority,
		Status:    domain.TaskPending,
		ActorID:   req.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.Store != nil {
		if err := o.Store.CreateTask(ctx, task); err != nil {
			return Result{}, fmt.Errorf("create task: %w", err)
		}
	}
	if err := o.transition(ctx, &task, domain.TaskRunning); err != nil {
		return Result{}, err
	}

	outcomes, err := o.dispatch(ctx, task, caps)
	if err != nil {
		task.Error = err.Error()
		if terr := o.transition(ctx, &task, domain.TaskFailed); terr != nil {
			o.logger().Error("mark task failed", "task_id", taskID, "error", terr)
		}
		return Result{}, fmt.Errorf("dispatch task %s: %w", taskID, err)
	}

	res := Assemble(taskID, req.Type, outcomes, o.Aggregator)
	for _, f := range res.Failures {
		o.logger().Warn("subtask failed", "task_id", taskID, "capability", f.Capability, "kind", f.Kind, "error", f.Message)
	}
	if res.Status == domain.TaskFailed {
		msgs := make([]string, len(res.Failures))
		for i, f := range res.Failures {
			msgs[i] = f.String()
		}
		task.Error = strings.Join(msgs, "; ")
	}
	task.Result = res.Data
	if o.Store != nil {
		if err := o.Store.SaveSubtasks(ctx, taskID, subtasks(taskID, outcomes)); err != nil {
			err = fmt.Errorf("save subtasks: %w", err)
			o.abort(ctx, task, err)
			return res, err
		}
	}
	if err := o.transition(ctx, &task, res.Status); err != nil {
		o.abort(ctx, task, err)
		return res, err
	}
	if res.Status == domain.TaskFailed {
		return res, &FailedError{TaskID: taskID, Failures: res.Failures}
	}
	return res, nil
}

func (o Orchestrator) dispatch(ctx context.Context, task domain.Task, caps []capability.Name) ([]Outcome, error) {
	if o.Dispatcher != nil {
		outcomes, err := o.Dispatcher.Dispatch(ctx, task, caps)
		if err != nil {
			return nil, err
		}
		if len(outcomes) != len(caps) {
			return nil, fmt.Errorf("dispatcher returned %d outcomes for %d subtasks", len(outcomes), len(caps))
		}
		return outcomes, nil
	}
	outcomes := make([]Outcome, len(caps))
	var g errgroup.Group
	if o.MaxConcurrency > 0 {
		g.SetLimit(o.MaxConcurrency)
	}
	for i, c := range caps {
		g.Go(func() error {
			outcomes[i] = o.Invoke(ctx, task, c)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (o Orchestrator) transition(ctx context.Context, task *domain.Task, to string) error {
	if err := ensureTaskTransition(task.Status, to); err != nil {
		return err
	}
	ts := o.now().UTC().Format(time.RFC3339)
	task.Status = to
	task.UpdatedAt = ts
	if to == domain.TaskCompleted || to == domain.TaskFailed {
		task.CompletedAt = &ts
	}
	if o.Store == nil {
		return nil
	}
	if err := o.Store.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// abort records a task as failed after its outcome could not be stored.
// The result is dropped so the update itself cannot fail on encoding.
func (o Orchestrator) abort(ctx context.Context, task domain.Task, cause error) {
	if o.Store == nil {
		return
	}
	ts := o.now().UTC().Format(time.RFC3339)
	task.Status = domain.TaskFailed
	task.Error = cause.Error()
	task.Result = nil
	task.UpdatedAt = ts
	task.CompletedAt = &ts
	if err := o.Store.UpdateTask(ctx, task); err != nil {
		o.logger().Error("mark task failed", "task_id", task.ID, "cause", cause, "error", err)
	}
}

func ensureTaskTransition(from, to string) error {
	switch from {
	case domain.TaskPending:
		if to == domain.TaskRunning || to == domain.TaskFailed {
			return nil
		}
	case domain.TaskRunning:
		if to == domain.TaskCompleted || to == domain.TaskFailed {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

type settled struct {
	out capability.Output
	err error
}

// Invoke runs one provider under its own deadline and never returns an
// error: failures, panics and timeouts are reported in the Outcome. The
// provider goroutine is abandoned, not killed, if it ignores the deadline.
func (o Orchestrator) Invoke(ctx context.Context, task domain.Task, c capability.Name) Outcome {
	oc := Outcome{
		Capability: c,
		SubtaskID:  SubtaskID(task.ID, c),
		StartedAt:  o.now().UTC().Format(time.RFC3339),
	}
	fail := func(kind, msg string) Outcome {
		oc.Failure = &SubtaskFailure{Capability: string(c), SubtaskID: oc.SubtaskID, Kind: kind, Message: msg}
		oc.FinishedAt = o.now().UTC().Format(time.RFC3339)
		return oc
	}
	provider, ok := o.Registry.Lookup(c)
	if !ok {
		return fail(FailureError, "no provider registered")
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in := capability.Input{
		TaskID:     task.ID,
		SubtaskID:  oc.SubtaskID,
		Capability: c,
		Payload:    task.Input,
		Context:    task.Context,
	}
	done := make(chan settled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- settled{err: panicError{value: r}}
			}
		}()
		out, err := provider.Process(subCtx, in)
		done <- settled{out: out, err: err}
	}()

	select {
	case s := <-done:
		var p panicError
		switch {
		case errors.As(s.err, &p):
			return fail(FailurePanic, p.Error())
		case s.err != nil && errors.Is(s.err, context.DeadlineExceeded):
			return fail(FailureTimeout, s.err.Error())
		case s.err != nil:
			return fail(FailureError, s.err.Error())
		}
		if _, err := json.Marshal(s.out); err != nil {
			return fail(FailureError, "encode output: "+err.Error())
		}
		oc.Output = s.out
		if oc.Output == nil {
			oc.Output = capability.Output{}
		}
		oc.FinishedAt = o.now().UTC().Format(time.RFC3339)
		return oc
	case <-subCtx.Done():
		if errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return fail(FailureTimeout, fmt.Sprintf("no result within %s", timeout))
		}
		return fail(FailureCancel, subCtx.Err().Error())
	}
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("provider panicked: %v", p.value)
}

func subtasks(taskID string, outcomes []Outcome) []domain.Subtask {
	out := make([]domain.Subtask, len(outcomes))
	for i, oc := range outcomes {
		st := domain.Subtask{
			ID:         oc.SubtaskID,
			TaskID:     taskID,
			Capability: string(oc.Capability),
			Status:     domain.TaskCompleted,
			Output:     oc.Output,
			StartedAt:  oc.StartedAt,
			FinishedAt: oc.FinishedAt,
		}
		if oc.Failure != nil {
			st.Status = domain.TaskFailed
			st.Error = oc.Failure.Kind + ": " + oc.Failure.Message
		}
		out[i] = st
	}
	return out
}
