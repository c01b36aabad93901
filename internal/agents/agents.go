// Package agents registers agents and drives them through the runtime.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/gateway"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/receipt"
	"clawcontrol/internal/repo"
)

// Gate fails closed when the runtime cannot take writes.
type Gate interface {
	RequireAvailable(ctx context.Context) error
}

type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Governor governor.Governor
	Runtime  gateway.Runtime
	Gate     Gate
	Receipts receipt.Recorder
	Logger   *slog.Logger
	Now      func() time.Time

	mu    sync.Mutex
	turns map[string]*turn
}

type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *sql.DB, rt gateway.Runtime, gate Gate, gov governor.Governor, receipts receipt.Recorder, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Governor: gov,
		Runtime:  rt,
		Gate:     gate,
		Receipts: receipts,
		Logger:   log,
		Now:      time.Now,
		turns:    map[string]*turn{},
	}
}

func (s *Service) stamp() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s *Service) requireRuntime(ctx context.Context) error {
	if s.Gate == nil {
		return nil
	}
	return s.Gate.RequireAvailable(ctx)
}

type RegisterOptions struct {
	ID           string
	Name         string
	WIPLimit     int
	Capabilities []string
	Actor        domain.Actor
}

func (s *Service) Register(ctx context.Context, opts RegisterOptions) (domain.Agent, error) {
	if err := s.Governor.Require(ctx, governor.AgentCreate, governor.Input{}); err != nil {
		return domain.Agent{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Agent{}, apperr.New(apperr.CodeBadRequest, "agent name is required")
	}
	if opts.WIPLimit < 0 {
		return domain.Agent{}, apperr.New(apperr.CodeBadRequest, "wip_limit must not be negative")
	}
	if opts.WIPLimit == 0 {
		opts.WIPLimit = 1
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Capabilities == nil {
		opts.Capabilities = []string{}
	}
	now := s.stamp()
	a := domain.Agent{
		ID:           opts.ID,
		Name:         name,
		Status:       domain.AgentIdle,
		WIPLimit:     opts.WIPLimit,
		Capabilities: opts.Capabilities,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertAgent(ctx, tx, a); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeAgentRegistered,
			ActionKind: string(governor.AgentCreate),
			EntityKind: activity.EntityAgent,
			EntityID:   a.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"name": a.Name, "capabilities": a.Capabilities, "wip_limit": a.WIPLimit},
		})
	})
	return a, err
}

func (s *Service) Get(ctx context.Context, id string) (domain.Agent, error) {
	a, err := s.Repo.GetAgent(ctx, nil, id)
	return a, notFound(err, id)
}

func (s *Service) List(ctx context.Context, statuses ...domain.AgentStatus) ([]domain.Agent, error) {
	return s.Repo.ListAgents(ctx, nil, statuses...)
}

// Update edits name, WIP limit or capabilities. Status is runtime-owned.
func (s *Service) Update(ctx context.Context, id string, f repo.AgentFields, actor domain.Actor) (domain.Agent, error) {
	if err := s.Governor.Require(ctx, governor.AgentEdit, governor.Input{}); err != nil {
		return domain.Agent{}, err
	}
	if f.WIPLimit != nil && *f.WIPLimit < 1 {
		return domain.Agent{}, apperr.New(apperr.CodeBadRequest, "wip_limit must be at least 1")
	}
	var a domain.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.UpdateAgentFields(ctx, tx, id, f, s.stamp()); err != nil {
			return notFound(err, id)
		}
		var err error
		if a, err = s.Repo.GetAgent(ctx, tx, id); err != nil {
			return notFound(err, id)
		}
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeAgentUpdated,
			ActionKind: string(governor.AgentEdit),
			EntityKind: activity.EntityAgent,
			EntityID:   a.ID,
			Actor:      actor,
			Payload:    activity.Payload{"name": a.Name, "wip_limit": a.WIPLimit, "capabilities": a.Capabilities},
		})
	})
	return a, err
}

type RestartOptions struct {
	TypedConfirmText *string
	Actor            domain.Actor
}

// Restart is governed by agent.restart. The runtime call is recorded in a
// receipt and the agent returns to active.
func (s *Service) Restart(ctx context.Context, id string, opts RestartOptions) (domain.Agent, domain.Receipt, error) {
	if err := s.Governor.Require(ctx, governor.AgentRestart, governor.Input{TypedConfirmText: opts.TypedConfirmText}); err != nil {
		return domain.Agent{}, domain.Receipt{}, err
	}
	agent, err := s.Get(ctx, id)
	if err != nil {
		return agent, domain.Receipt{}, err
	}
	if err := s.requireRuntime(ctx); err != nil {
		return agent, domain.Receipt{}, err
	}
	rc, err := s.Receipts.Run(ctx, receipt.BeginOptions{
		ActionKind:  string(governor.AgentRestart),
		CommandName: "agent restart",
		Actor:       opts.Actor,
		TargetKind:  activity.EntityAgent,
		TargetID:    agent.ID,
	}, func(ctx context.Context, w receipt.Writer) (int, error) {
		if err := s.Runtime.RestartAgent(ctx, agent.ID); err != nil {
			return 1, err
		}
		return 0, w.Stdout(ctx, fmt.Sprintf("restarted %s\n", agent.Name))
	})
	if err != nil {
		return agent, rc, err
	}
	prev := agent.Status
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		if err := s.Repo.UpdateAgentStatus(ctx, tx, agent.ID, domain.AgentActive, now); err != nil {
			return err
		}
		agent.Status, agent.UpdatedAt = domain.AgentActive, now
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypeAgentRestarted,
			ActionKind: string(governor.AgentRestart),
			EntityKind: activity.EntityAgent,
			EntityID:   agent.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"previous_status": prev, "receipt_id": rc.ID},
		})
	})
	if err == nil {
		s.Logger.InfoContext(ctx, "agent restarted", "agent_id", agent.ID, "previous_status", prev, "receipt_id", rc.ID)
	}
	return agent, rc, err
}

type TurnOptions struct {
	AgentID string
	Message string
	Actor   domain.Actor
	// Started is called with the receipt id before any output is streamed.
	Started func(receiptID string)
}

// Turn sends a message to an agent and streams the reply to emit while
// recording it in a receipt. Cancelling ctx or calling Abort with the
// receipt id finalizes the receipt as aborted.
func (s *Service) Turn(ctx context.Context, opts TurnOptions, emit func(text string) error) (domain.Receipt, error) {
	if err := s.Governor.Require(ctx, governor.AgentTurn, governor.Input{}); err != nil {
		return domain.Receipt{}, err
	}
	if strings.TrimSpace(opts.Message) == "" {
		return domain.Receipt{}, apperr.New(apperr.CodeBadRequest, "message is required")
	}
	agent, err := s.Get(ctx, opts.AgentID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := s.requireRuntime(ctx); err != nil {
		return domain.Receipt{}, err
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		live      *turn
		receiptID string
	)
	defer func() {
		if live != nil {
			s.untrack(receiptID, live)
		}
	}()
	rc, err := s.Receipts.Run(turnCtx, receipt.BeginOptions{
		ActionKind:  string(governor.AgentTurn),
		CommandName: "agent turn",
		Actor:       opts.Actor,
		TargetKind:  activity.EntityAgent,
		TargetID:    agent.ID,
	}, func(ctx context.Context, w receipt.Writer) (int, error) {
		receiptID = w.ID()
		live = s.track(receiptID, cancel)
		if opts.Started != nil {
			opts.Started(w.ID())
		}
		stream, err := s.Runtime.SendToAgent(ctx, agent.ID, opts.Message)
		if err != nil {
			return 1, err
		}
		for chunk := range stream {
			if chunk.Err != nil {
				return 1, chunk.Err
			}
			if err := w.Stdout(ctx, chunk.Text); err != nil {
				return 1, err
			}
			if emit != nil {
				if err := emit(chunk.Text); err != nil {
					return 1, err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, nil
	})
	if aerr := s.append(context.WithoutCancel(ctx), s.DB, activity.Entry{
		Type:       activity.TypeAgentTurn,
		ActionKind: string(governor.AgentTurn),
		EntityKind: activity.EntityAgent,
		EntityID:   agent.ID,
		Actor:      opts.Actor,
		Payload:    activity.Payload{"receipt_id": rc.ID, "status": rc.Status},
	}); aerr != nil && err == nil {
		err = aerr
	}
	return rc, err
}

func (s *Service) track(id string, cancel context.CancelFunc) *turn {
	t := &turn{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns == nil {
		s.turns = map[string]*turn{}
	}
	s.turns[id] = t
	return t
}

func (s *Service) untrack(id string, t *turn) {
	s.mu.Lock()
	delete(s.turns, id)
	s.mu.Unlock()
	close(t.done)
}

// Abort stops a streaming turn. A running receipt with no live turn, left
// behind by a crashed process, is finalized as aborted directly.
func (s *Service) Abort(ctx context.Context, receiptID string) (domain.Receipt, error) {
	s.mu.Lock()
	t := s.turns[receiptID]
	s.mu.Unlock()
	if t == nil {
		return s.Receipts.Finalize(ctx, receiptID, domain.ReceiptAborted, receipt.ExitAborted)
	}
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return domain.Receipt{}, ctx.Err()
	}
	return s.Receipts.Get(ctx, receiptID)
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) append(ctx context.Context, tx repo.DBTX, e activity.Entry) error {
	w := s.Activity
	if w.Now == nil {
		w.Now = s.Now
	}
	return w.Append(ctx, tx, e)
}

func notFound(err error, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, err, "agent %s not found", id)
	}
	return err
}
