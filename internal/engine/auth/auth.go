package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lexline/internal/repo"
)

// Permissions seeded by the initial migration.
const (
	PermTaskSubmit       = "task.submit"
	PermTaskRead         = "task.read"
	PermComplianceCheck  = "compliance.check"
	PermRulePublish      = "rule.publish"
	PermRuleRead         = "rule.read"
	PermAuditRead        = "audit.read"
	PermNotificationRead = "notification.read"
	PermActorManage      = "actor.manage"
)

// RoleAdmin holds every permission.
const RoleAdmin = "admin"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	ActorID    string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var ErrActorRequired = errors.New("actor_id required")

// Service answers permission questions from the actor_roles tables.
type Service struct {
	Repo repo.Repo
}

// Authorize returns ForbiddenError unless one of the actor's roles grants perm.
func (s Service) Authorize(ctx context.Context, actorID, perm string) error {
	if actorID == "" {
		return ErrActorRequired
	}
	ok, err := s.Repo.ActorHasPermission(ctx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{ActorID: actorID, Permission: perm}
	}
	return nil
}

// Grant records the actor if needed and assigns role.
func (s Service) Grant(ctx context.Context, actorID, role string) error {
	if actorID == "" {
		return ErrActorRequired
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := s.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Service) Revoke(ctx context.Context, actorID, role string) error {
	return s.Repo.RevokeRole(ctx, nil, actorID, role)
}
