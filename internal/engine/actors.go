package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexline/internal/domain"
	"lexline/internal/engine/auth"
	"lexline/internal/repo"
)

// apiKeyPrefix marks keys issued by lexline so they are easy to spot in logs
// and secret scanners.
const apiKeyPrefix = "lxk_"

func (e Engine) Grant(ctx context.Context, actorID, role, by string) error {
	if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
		return err
	}
	return auth.Service{Repo: e.Repo}.Grant(ctx, actorID, role)
}

func (e Engine) Revoke(ctx context.Context, actorID, role, by string) error {
	if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
		return err
	}
	return auth.Service{Repo: e.Repo}.Revoke(ctx, actorID, role)
}

func (e Engine) ActorRoles(ctx context.Context, actorID, by string) ([]string, error) {
	if by != actorID {
		if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
			return nil, err
		}
	}
	return e.Repo.ActorRoles(ctx, actorID)
}

// CreateAPIKey issues a key for actorID. The plaintext is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, by string) (domain.APIKey, string, error) {
	if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
		return domain.APIKey{}, "", err
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", InputError{Field: "actor_id", Reason: "required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID, by string) ([]domain.APIKey, error) {
	if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id, by string) error {
	if err := e.authorize(ctx, by, auth.PermActorManage); err != nil {
		return err
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

// AuthenticateAPIKey resolves a presented key to its actor.
func (e Engine) AuthenticateAPIKey(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", repo.ErrNotFound
	}
	stored, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return "", err
	}
	return stored.ActorID, nil
}
