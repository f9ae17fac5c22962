package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"lexline/internal/audit"
	"lexline/internal/domain"
	"lexline/internal/engine"
	"lexline/internal/orchestrator"
	"lexline/internal/repo"
)

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit a task",
		Description:   "Runs one subtask per capability of the task type's workflow and returns the aggregated result. A task whose subtasks all failed is reported with status failed.",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusUnprocessableEntity}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		Body SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResultResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Type) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", map[string]any{"field": "type"})
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SubmitOptions{
			Type:     input.Body.Type,
			Input:    input.Body.Input,
			Context:  input.Body.Context,
			Priority: input.Body.Priority,
			ActorID:  actorID,
			Targets:  input.Body.Targets,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		res, err := engineFor(ctx, e).SubmitTask(ctx, opts)
		var failed *orchestrator.FailedError
		if err != nil && !errors.As(err, &failed) {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResultResponse `json:"body"`
		}{Body: taskResultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := engineFor(ctx, e).ListTasks(ctx, repo.TaskFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  normalizeLimit(input.Limit),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: nonNilSlice(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task with its subtasks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := engineFor(ctx, e).GetTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: view.Task, Subtasks: nonNilSlice(view.Subtasks)}}, nil
	})
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "check-compliance",
		Method:        http.MethodPost,
		Path:          "/compliance/checks",
		Summary:       "Check a document against the rules in force",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CheckComplianceRequest `json:"body"`
	}) (*struct {
		Body domain.ComplianceCheck `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		check, err := engineFor(ctx, e).CheckCompliance(ctx, engine.CheckOptions{
			Document:     input.Body.Document.document(),
			Jurisdiction: input.Body.Jurisdiction,
			Context:      input.Body.Context,
			ActorID:      actorID,
			Targets:      input.Body.Targets,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-compliance-check",
		Method:      http.MethodGet,
		Path:        "/compliance/checks/{check_id}",
		Summary:     "Get a compliance check",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CheckID string `path:"check_id"`
	}) (*struct {
		Body domain.ComplianceCheck `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		check, err := engineFor(ctx, e).GetComplianceCheck(ctx, input.CheckID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-checks",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/checks",
		Summary:     "List compliance checks of a document, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedChecks `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		checks, err := engineFor(ctx, e).ListComplianceChecks(ctx, input.DocumentID, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedChecks `json:"body"`
		}{Body: paginatedChecks{Items: nonNilSlice(checks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-document",
		Method:      http.MethodPost,
		Path:        "/compliance/evaluate",
		Summary:     "Evaluate a document without recording a check",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body []domain.RuleEvaluationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Jurisdiction) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jurisdiction is required", map[string]any{"field": "jurisdiction"})
		}
		results, err := engineFor(ctx, e).EvaluateDocument(ctx, input.Body.Document.document(), input.Body.Jurisdiction, input.Body.Context, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RuleEvaluationResult `json:"body"`
		}{Body: nonNilSlice(results)}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules in force, or every version with all=true",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		All bool `query:"all"`
	}) (*struct {
		Body []domain.ComplianceRule `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := engineFor(ctx, e).ListRules(ctx, actorID, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ComplianceRule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Publish the next version of a rule",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusConflict, http.StatusUnprocessableEntity}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		Body PublishRuleRequest `json:"body"`
	}) (*struct {
		Body domain.ComplianceRule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := engineFor(ctx, e).PublishRule(ctx, input.Body.rule(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rule-versions",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}/versions",
		Summary:     "List every version of a rule, oldest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body []domain.ComplianceRule `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := engineFor(ctx, e).RuleVersions(ctx, input.RuleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ComplianceRule `json:"body"`
		}{Body: items}, nil
	})
}

func parseWindow(start, end string) (audit.Window, error) {
	var w audit.Window
	var err error
	if start != "" {
		if w.Start, err = time.Parse(time.RFC3339, start); err != nil {
			return w, engine.InputError{Field: "start", Reason: "must be RFC3339"}
		}
	}
	if end != "" {
		if w.End, err = time.Parse(time.RFC3339, end); err != nil {
			return w, engine.InputError{Field: "end", Reason: "must be RFC3339"}
		}
	}
	return w, nil
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-resources",
		Method:      http.MethodGet,
		Path:        "/audit/resources",
		Summary:     "List resources with an audit trail, most recent first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := engineFor(ctx, e).AuditResources(ctx, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/trails/{resource_id}",
		Summary:     "Audit trail of a resource",
		Description: "Resource ids look like document:<id>, task:<id> or rule:<id>. start and end bound the events returned; length and terminal_hash always describe the whole chain.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
		Start      string `query:"start" format:"date-time"`
		End        string `query:"end" format:"date-time"`
	}) (*struct {
		Body TrailResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := parseWindow(input.Start, input.End)
		if err != nil {
			return nil, handleError(err)
		}
		trail, err := engineFor(ctx, e).Trail(ctx, input.ResourceID, w, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrailResponse `json:"body"`
		}{Body: trailResponse(trail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/trails/{resource_id}/verify",
		Summary:     "Verify the hash chain of a resource",
		Errors:      append([]int{http.StatusConflict}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		ResourceID string `path:"resource_id"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := engineFor(ctx, e).Verify(ctx, input.ResourceID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: VerifyResponse{ResourceID: input.ResourceID, Valid: true}}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Unread notifications of the caller, broadcasts included",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := engineFor(ctx, e).Notifications(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-notification-read",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read for the caller",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := engineFor(ctx, e).MarkRead(ctx, input.NotificationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := principal.Roles
		if stored, err := e.Repo.ActorRoles(ctx, principal.ActorID); err == nil {
			roles = append(roles, stored...)
		}
		perms := principal.Permissions
		if stored, err := e.Repo.ActorPermissions(ctx, principal.ActorID); err == nil {
			perms = append(perms, stored...)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/roles",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string           `path:"actor_id"`
		Body    GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		by, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := engineFor(ctx, e).Grant(ctx, input.ActorID, input.Body.Role, by); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/actors/{actor_id}/roles/{role}",
		Summary:       "Revoke a role from an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Role    string `path:"role"`
	}) (*struct{}, error) {
		by, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := engineFor(ctx, e).Revoke(ctx, input.ActorID, input.Role, by); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/api-keys",
		Summary:       "Issue an api key; the key is only returned here",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string              `path:"actor_id"`
		Body    CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		by, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := engineFor(ctx, e).CreateAPIKey(ctx, input.ActorID, input.Body.Name, by)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List api keys",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		by, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := engineFor(ctx, e).ListAPIKeys(ctx, input.ActorID, by)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Delete an api key",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		by, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := engineFor(ctx, e).DeleteAPIKey(ctx, input.KeyID, by); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

const devTokenTTL = 12 * time.Hour

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signToken(cfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
