package access

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
)

const keyPrefix = "cc_"

// Keys issues hashed API keys. The plain key is returned once at creation.
type Keys struct {
	DB       *sql.DB
	Repo     repo.Repo
	Governor governor.Governor
	Activity activity.Writer
	Now      func() time.Time
}

func NewKeys(db *sql.DB, gov governor.Governor) Keys {
	return Keys{DB: db, Repo: repo.Repo{DB: db}, Governor: gov, Now: time.Now}
}

type CreateKeyOptions struct {
	ActorID   string
	ActorType domain.ActorType
	Name      string
	Actor     domain.Actor
}

func (k Keys) Create(ctx context.Context, opts CreateKeyOptions) (domain.APIKey, string, error) {
	if err := k.Governor.Require(ctx, governor.APIKeyCreate, governor.Input{}); err != nil {
		return domain.APIKey{}, "", err
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.APIKey{}, "", apperr.New(apperr.CodeBadRequest, "actor_id is required")
	}
	switch opts.ActorType {
	case "":
		opts.ActorType = domain.ActorOperator
	case domain.ActorOperator, domain.ActorAgent, domain.ActorSystem:
	default:
		return domain.APIKey{}, "", apperr.New(apperr.CodeBadRequest, "unknown actor type %q", opts.ActorType)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := keyPrefix + hex.EncodeToString(buf)
	now := time.Now
	if k.Now != nil {
		now = k.Now
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   opts.ActorID,
		ActorType: opts.ActorType,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	tx, err := k.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := k.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := k.Activity.Append(ctx, tx, activity.Entry{
		Type:       activity.TypeAPIKeyCreated,
		ActionKind: string(governor.APIKeyCreate),
		EntityKind: activity.EntityAPIKey,
		EntityID:   key.ID,
		Actor:      opts.Actor,
		Payload:    activity.Payload{"actor_id": key.ActorID, "actor_type": key.ActorType, "name": key.Name},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (k Keys) List(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return k.Repo.ListAPIKeys(ctx, actorID)
}

func (k Keys) Delete(ctx context.Context, id string) error {
	err := k.Repo.DeleteAPIKey(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "api key %s not found", id)
	}
	return err
}

// Resolve maps a presented key to its actor.
func (k Keys) Resolve(ctx context.Context, secret string) (domain.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Actor{}, errors.New("api key required")
	}
	key, err := k.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: key.ActorID, Type: key.ActorType}, nil
}
