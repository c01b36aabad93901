// Package packages keeps the package registry and governs deployment.
package packages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
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
	Gate     Gate
	Receipts receipt.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, gate Gate, gov governor.Governor, receipts receipt.Recorder, log *slog.Logger) Service {
	if log == nil {
		log = logger.Discard()
	}
	return Service{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Governor: gov,
		Gate:     gate,
		Receipts: receipts,
		Logger:   log,
		Now:      time.Now,
	}
}

func (s Service) stamp() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

type RegisterOptions struct {
	Name             string
	Version          string
	BlockedByScan    bool
	ScanFindings     string
	TypedConfirmText *string
	Actor            domain.Actor
}

func (s Service) Register(ctx context.Context, opts RegisterOptions) (domain.Package, error) {
	if err := s.Governor.Require(ctx, governor.PackageImport, governor.Input{TypedConfirmText: opts.TypedConfirmText}); err != nil {
		return domain.Package{}, err
	}
	name, version := strings.TrimSpace(opts.Name), strings.TrimSpace(opts.Version)
	if name == "" || version == "" {
		return domain.Package{}, apperr.New(apperr.CodeBadRequest, "package name and version are required")
	}
	p := domain.Package{
		ID:            uuid.NewString(),
		Name:          name,
		Version:       version,
		BlockedByScan: opts.BlockedByScan,
		ScanFindings:  opts.ScanFindings,
		CreatedAt:     s.stamp(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertPackage(ctx, tx, p); err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		return s.append(ctx, tx, activity.Entry{
			Type:       activity.TypePackageRegistered,
			ActionKind: string(governor.PackageImport),
			EntityKind: activity.EntityPackage,
			EntityID:   p.ID,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"name": p.Name, "version": p.Version, "blocked_by_scan": p.BlockedByScan},
		})
	})
	return p, err
}

func (s Service) Get(ctx context.Context, id string) (domain.Package, error) {
	p, err := s.Repo.GetPackage(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, apperr.Wrap(apperr.CodeNotFound, err, "package %s not found", id)
	}
	return p, err
}

func (s Service) List(ctx context.Context) ([]domain.Package, error) {
	return s.Repo.ListPackages(ctx)
}

type DeployOptions struct {
	TypedConfirmText *string
	// OverrideScanBlock asks to deploy despite a blocking scan. It needs its
	// own confirmation, OVERRIDE_SCAN_BLOCK, checked against a separate policy.
	OverrideScanBlock   bool
	OverrideConfirmText *string
	Actor               domain.Actor
}

// Deploy is governed by package.deploy. A package blocked by its security
// scan needs the override flag and passes a second policy check.
func (s Service) Deploy(ctx context.Context, id string, opts DeployOptions) (domain.Package, domain.Receipt, error) {
	if err := s.Governor.Require(ctx, governor.PackageDeploy, governor.Input{TypedConfirmText: opts.TypedConfirmText}); err != nil {
		return domain.Package{}, domain.Receipt{}, err
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return p, domain.Receipt{}, err
	}
	override := false
	if p.BlockedByScan {
		if !opts.OverrideScanBlock {
			return p, domain.Receipt{}, apperr.New(apperr.CodePackageBlockedByScan,
				"package %s@%s is blocked by its security scan", p.Name, p.Version).
				WithDetails(map[string]any{"scan_findings": p.ScanFindings})
		}
		if err := s.Governor.Require(ctx, governor.PackageDeployOverrideScan, governor.Input{
			TypedConfirmText:    opts.OverrideConfirmText,
			ExpectedConfirmText: governor.OverrideScanBlockText,
		}); err != nil {
			return p, domain.Receipt{}, err
		}
		override = true
	}
	if s.Gate != nil {
		if err := s.Gate.RequireAvailable(ctx); err != nil {
			return p, domain.Receipt{}, err
		}
	}
	kind := governor.PackageDeploy
	if override {
		kind = governor.PackageDeployOverrideScan
	}
	rc, err := s.Receipts.Run(ctx, receipt.BeginOptions{
		ActionKind:  string(kind),
		CommandName: "package deploy",
		Actor:       opts.Actor,
		TargetKind:  activity.EntityPackage,
		TargetID:    p.ID,
	}, func(ctx context.Context, w receipt.Writer) (int, error) {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			now := s.stamp()
			if err := s.Repo.MarkPackageDeployed(ctx, tx, p.ID, opts.Actor.ID, now); err != nil {
				return err
			}
			p.DeployedAt, p.DeployedBy = &now, opts.Actor.ID
			if err := s.append(ctx, tx, activity.Entry{
				Type:       activity.TypePackageDeployed,
				ActionKind: string(kind),
				EntityKind: activity.EntityPackage,
				EntityID:   p.ID,
				Actor:      opts.Actor,
				Payload:    activity.Payload{"name": p.Name, "version": p.Version, "override_scan_block": override},
			}); err != nil {
				return err
			}
			if !override {
				return nil
			}
			return s.append(ctx, tx, activity.Entry{
				Type:       activity.TypeSecurityScanOverride,
				ActionKind: string(governor.PackageDeployOverrideScan),
				EntityKind: activity.EntityPackage,
				EntityID:   p.ID,
				Actor:      opts.Actor,
				Payload:    activity.Payload{"name": p.Name, "version": p.Version, "scan_findings": p.ScanFindings},
			})
		})
		if err != nil {
			return 1, err
		}
		return 0, w.Stdout(ctx, fmt.Sprintf("deployed %s@%s\n", p.Name, p.Version))
	})
	if err == nil && override {
		s.Logger.WarnContext(ctx, "package deployed over blocking scan", "package", p.Name, "version", p.Version, "actor", opts.Actor.ID)
	}
	return p, rc, err
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func (s Service) append(ctx context.Context, tx repo.DBTX, e activity.Entry) error {
	w := s.Activity
	if w.Now == nil {
		w.Now = s.Now
	}
	return w.Append(ctx, tx, e)
}
