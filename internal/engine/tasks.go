package engine

import (
	"context"
	"errors"
	"fmt"

	"lexline/internal/audit"
	"lexline/internal/capability"
	"lexline/internal/domain"
	"lexline/internal/engine/auth"
	"lexline/internal/notify"
	"lexline/internal/orchestrator"
	"lexline/internal/repo"
)

type SubmitOptions struct {
	ID       string
	Type     string
	Input    map[string]any
	Context  map[string]any
	Priority int
	ActorID  string
	Targets  []string
}

// SubmitTask runs a task through the orchestrator and audits its outcome.
// When the compliance capability evaluated a document, the evaluation is
// recorded as a compliance check as well. A task whose subtasks all failed
// returns its result together with *orchestrator.FailedError.
func (e Engine) SubmitTask(ctx context.Context, opts SubmitOptions) (orchestrator.Result, error) {
	if err := e.authorize(ctx, opts.ActorID, auth.PermTaskSubmit); err != nil {
		return orchestrator.Result{}, err
	}
	res, runErr := e.Orchestrator.Submit(ctx, orchestrator.Request{
		ID:       opts.ID,
		Type:     opts.Type,
		Input:    opts.Input,
		Context:  opts.Context,
		Priority: opts.Priority,
		ActorID:  opts.ActorID,
	})
	var failed *orchestrator.FailedError
	if runErr != nil && !errors.As(runErr, &failed) {
		return res, runErr
	}

	evt := EventTaskCompleted
	if res.Status == domain.TaskFailed {
		evt = EventTaskFailed
	}
	failures := make([]string, len(res.Failures))
	for i, f := range res.Failures {
		failures[i] = f.String()
	}
	succeeded := make([]string, len(res.Succeeded))
	for i, c := range res.Succeeded {
		succeeded[i] = string(c)
	}
	if _, err := e.Audit.Append(ctx, audit.Entry{
		EventType:  evt,
		ResourceID: TaskResource(res.TaskID),
		ActorID:    opts.ActorID,
		Details: map[string]any{
			"type":      res.Type,
			"status":    res.Status,
			"succeeded": succeeded,
			"failures":  failures,
		},
	}); err != nil {
		return res, fmt.Errorf("audit task: %w", err)
	}
	if res.Status == domain.TaskFailed {
		targets := opts.Targets
		if opts.ActorID != "" {
			targets = []string{opts.ActorID}
		}
		e.announce(ctx, EventTaskFailed, opts.ActorID, notify.Source{
			ID:         res.TaskID,
			ResourceID: TaskResource(res.TaskID),
			Type:       notify.TypeTaskUpdate,
			Targets:    targets,
			Severity:   string(domain.SeverityHigh),
			Message:    fmt.Sprintf("task %s (%s) failed: all %d subtasks failed", res.TaskID, res.Type, len(res.Failures)),
			Details:    map[string]any{"failures": failures},
		})
	}

	if out, ok := res.ByCapability[capability.Compliance]; ok {
		if results, ok := ruleResultsFrom(out); ok {
			doc, _ := documentFromPayload(opts.Input)
			if doc.ID == "" {
				doc.ID = res.TaskID
			}
			jurisdiction, _ := out["jurisdiction"].(string)
			if _, err := e.recordCheck(ctx, CheckOptions{
				Document:     doc,
				Jurisdiction: jurisdiction,
				Context:      opts.Context,
				ActorID:      opts.ActorID,
				Targets:      opts.Targets,
			}, results); err != nil {
				return res, err
			}
		}
	}
	return res, runErr
}

// TaskView is a stored task with its subtasks.
type TaskView struct {
	Task     domain.Task      `json:"task"`
	Subtasks []domain.Subtask `json:"subtasks"`
}

func (e Engine) GetTask(ctx context.Context, id, actorID string) (TaskView, error) {
	if err := e.authorize(ctx, actorID, auth.PermTaskRead); err != nil {
		return TaskView{}, err
	}
	t, subtasks, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Task: t, Subtasks: subtasks}, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters, actorID string) ([]domain.Task, error) {
	if err := e.authorize(ctx, actorID, auth.PermTaskRead); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, f)
}
