// Package durable runs the subtask fan-out of a task as a Temporal
// workflow, one activity per capability.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"lexline/internal/capability"
	"lexline/internal/config"
	"lexline/internal/domain"
	"lexline/internal/orchestrator"
)

const DefaultTaskQueue = "LEXLINE_TASKS"

// Activities wrap Orchestrator.Invoke, so provider failures come back as
// outcomes and Temporal never retries them.
type Activities struct {
	Orchestrator orchestrator.Orchestrator
}

func (a *Activities) Invoke(ctx context.Context, task domain.Task, c capability.Name) (orchestrator.Outcome, error) {
	return a.Orchestrator.Invoke(ctx, task, c), nil
}

type TaskRun struct {
	Task                  domain.Task       `json:"task"`
	Capabilities          []capability.Name `json:"capabilities"`
	SubtaskTimeoutSeconds int               `json:"subtask_timeout_seconds"`
}

type TaskOutcome struct {
	Result   orchestrator.Result    `json:"result"`
	Outcomes []orchestrator.Outcome `json:"outcomes"`
}

// activityGrace lets the in-activity deadline fire before Temporal's.
const activityGrace = 5 * time.Second

// RunTask starts every subtask, waits for all of them and aggregates the
// successes. A failed task is still a successful workflow run.
func RunTask(ctx workflow.Context, run TaskRun) (TaskOutcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("task workflow started", "task_id", run.Task.ID, "capabilities", len(run.Capabilities))

	timeout := time.Duration(run.SubtaskTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout + activityGrace,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var a *Activities
	futures := make([]workflow.Future, len(run.Capabilities))
	for i, c := range run.Capabilities {
		futures[i] = workflow.ExecuteActivity(ctx, a.Invoke, run.Task, c)
	}
	outcomes := make([]orchestrator.Outcome, len(run.Capabilities))
	for i, f := range futures {
		var oc orchestrator.Outcome
		if err := f.Get(ctx, &oc); err != nil {
			logger.Warn("subtask activity failed", "task_id", run.Task.ID, "capability", run.Capabilities[i], "error", err)
			oc = failedOutcome(run.Task.ID, run.Capabilities[i], err)
		}
		outcomes[i] = oc
	}
	res := orchestrator.Assemble(run.Task.ID, run.Task.Type, outcomes, orchestrator.MergeAggregator{})
	return TaskOutcome{Result: res, Outcomes: outcomes}, nil
}

func failedOutcome(taskID string, c capability.Name, err error) orchestrator.Outcome {
	kind := orchestrator.FailureError
	var pe *temporal.PanicError
	switch {
	case temporal.IsTimeoutError(err):
		kind = orchestrator.FailureTimeout
	case errors.As(err, &pe):
		kind = orchestrator.FailurePanic
	case temporal.IsCanceledError(err):
		kind = orchestrator.FailureCancel
	}
	id := orchestrator.SubtaskID(taskID, c)
	return orchestrator.Outcome{
		Capability: c,
		SubtaskID:  id,
		Failure:    &orchestrator.SubtaskFailure{Capability: string(c), SubtaskID: id, Kind: kind, Message: err.Error()},
	}
}

// Dispatcher hands a task's subtasks to RunTask and blocks until it ends.
type Dispatcher struct {
	Client    client.Client
	TaskQueue string
	Timeout   time.Duration
}

func (d Dispatcher) Dispatch(ctx context.Context, task domain.Task, caps []capability.Name) ([]orchestrator.Outcome, error) {
	queue := d.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	run, err := d.Client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "lexline-task-" + task.ID,
		TaskQueue: queue,
	}, RunTask, TaskRun{
		Task:                  task,
		Capabilities:          caps,
		SubtaskTimeoutSeconds: int(d.Timeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	var out TaskOutcome
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", run.GetID(), err)
	}
	return out.Outcomes, nil
}

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg *config.Config, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := client.Options{Logger: tlog.NewStructuredLogger(logger)}
	if cfg != nil {
		opts.HostPort = cfg.Temporal.HostPort
		opts.Namespace = cfg.Temporal.Namespace
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	return c, nil
}

// TaskQueue returns the configured queue or the default.
func TaskQueue(cfg *config.Config) string {
	if cfg == nil || cfg.Temporal.TaskQueue == "" {
		return DefaultTaskQueue
	}
	return cfg.Temporal.TaskQueue
}

// NewWorker registers RunTask and the activities backed by orch.
func NewWorker(c client.Client, queue string, orch orchestrator.Orchestrator) worker.Worker {
	w := worker.New(c, queue, worker.Options{})
	w.RegisterWorkflow(RunTask)
	w.RegisterActivity(&Activities{Orchestrator: orch})
	return w
}
