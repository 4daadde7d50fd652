package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"casetrack/internal/config"
	"casetrack/internal/domain"
	"casetrack/internal/engine/auth"
	"casetrack/internal/events"
	"casetrack/internal/lifecycle"
	"casetrack/internal/logging"
	"casetrack/internal/progress"
	"casetrack/internal/repo"
	"casetrack/internal/stages"
	"casetrack/internal/telemetry"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Auth        auth.Service
	Config      *config.Config
	Resolver    *stages.CachedResolver
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ApplyDefaults()
	r := repo.Repo{DB: db}
	logger := logging.New("engine")
	ins, err := telemetry.NewInstruments(nil)
	if err != nil {
		logger.Warn("telemetry instruments unavailable", "err", err)
		ins = telemetry.Noop()
	}
	resolver := stages.Resolver{Catalog: r, Logger: logging.New("resolver")}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{},
		Auth:        auth.Service{DB: db},
		Config:      cfg,
		Resolver:    stages.NewCachedResolver(resolver, cfg.Engine.ResolutionCache.Size, cfg.Engine.ResolutionCache.TTL),
		Instruments: ins,
		Logger:      logger,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) resolver() stages.StageResolver {
	if e.Resolver == nil {
		return stages.Resolver{Catalog: e.Repo}
	}
	return e.Resolver
}

// Calculator returns a progress calculator over the engine's stores.
func (e Engine) Calculator() progress.Calculator {
	return progress.Calculator{
		Resolver:  e.resolver(),
		Evaluator: progress.Evaluator{Artifacts: e.Repo, Logger: e.logger()},
	}
}

// Lifecycle returns the case lifecycle controller bound to this engine.
func (e Engine) Lifecycle() lifecycle.Controller {
	retries := lifecycle.DefaultMaxRetries
	if e.Config != nil && e.Config.Engine.Persist.MaxRetries > 0 {
		retries = e.Config.Engine.Persist.MaxRetries
	}
	return lifecycle.Controller{
		Store:       caseStore{e: e},
		Progress:    e.Calculator(),
		MaxRetries:  retries,
		Instruments: e.Instruments,
		Logger:      e.logger(),
		Now:         e.Now,
	}
}

// caseStore persists cases and their lifecycle events in one transaction.
type caseStore struct {
	e Engine
}

func (s caseStore) LoadCase(ctx context.Context, id string) (domain.Case, error) {
	return s.e.Repo.GetCase(ctx, id)
}

func (s caseStore) SaveCase(ctx context.Context, c domain.Case, expectedVersion int64, evt *domain.LifecycleEvent) (domain.Case, error) {
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	version, err := s.e.Repo.UpdateCaseTx(ctx, tx, c, expectedVersion)
	if err != nil {
		return domain.Case{}, err
	}
	if evt != nil {
		if _, err := s.e.Events.AppendLifecycle(ctx, tx, *evt); err != nil {
			return domain.Case{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Version = version
	return c, nil
}

var validate = validator.New()

// CaseCreateOptions are parameters for creating a case.
type CaseCreateOptions struct {
	ID       string `validate:"omitempty,max=64"`
	Title    string `validate:"max=200"`
	CaseType string `validate:"required,max=64"`
	Subtype  string `validate:"max=64"`
	ActorID  string `validate:"required"`
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid %s: failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	opts.CaseType = strings.TrimSpace(opts.CaseType)
	opts.Subtype = strings.TrimSpace(opts.Subtype)
	if err := validate.Struct(opts); err != nil {
		return domain.Case{}, validationError(err)
	}
	now := e.timestamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Case{
		ID:        id,
		Title:     strings.TrimSpace(opts.Title),
		CaseType:  opts.CaseType,
		Subtype:   opts.Subtype,
		Status:    domain.StatusOpen,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CaseCreated, "case", c.ID, opts.ActorID, events.Payload{
		"case_type": c.CaseType,
		"subtype":   c.Subtype,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return domain.Case{}, fmt.Errorf("case %s: %w", id, err)
	}
	return c, nil
}

func (e Engine) ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.Case, error) {
	if f.Status != "" && !domain.CaseStatus(f.Status).Valid() {
		return nil, fmt.Errorf("invalid status %s", f.Status)
	}
	return e.Repo.ListCases(ctx, f)
}

// DeleteCase removes a case; its artifacts and lifecycle events cascade.
func (e Engine) DeleteCase(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCaseTx(ctx, tx, id); err != nil {
		return fmt.Errorf("case %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.CaseDeleted, "case", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

type ArtifactAddOptions struct {
	ID       string
	CaseID   string `validate:"required"`
	StageID  string
	FileName string `validate:"max=255"`
	ActorID  string `validate:"required"`
}

// AddArtifact stores an artifact and recalculates the case. Untagged
// artifacts are stored but never satisfy a stage. Once the artifact is
// committed the call succeeds; a failed recalculation is logged and the case
// is returned as stored, to be healed by the next mutation or RecalculateAll.
func (e Engine) AddArtifact(ctx context.Context, opts ArtifactAddOptions) (domain.Artifact, domain.Case, error) {
	opts.StageID = strings.TrimSpace(opts.StageID)
	if err := validate.Struct(opts); err != nil {
		return domain.Artifact{}, domain.Case{}, validationError(err)
	}
	stored, err := e.Repo.GetCase(ctx, opts.CaseID)
	if err != nil {
		return domain.Artifact{}, domain.Case{}, fmt.Errorf("case %s: %w", opts.CaseID, err)
	}
	if opts.StageID != "" {
		if _, err := e.Repo.GetStage(ctx, opts.StageID); err != nil {
			return domain.Artifact{}, domain.Case{}, fmt.Errorf("stage %s: %w", opts.StageID, err)
		}
	}
	a := domain.Artifact{
		ID:         opts.ID,
		CaseID:     opts.CaseID,
		FileName:   strings.TrimSpace(opts.FileName),
		UploadedBy: opts.ActorID,
		UploadedAt: e.timestamp(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if opts.StageID != "" {
		stageID := opts.StageID
		a.StageID = &stageID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, domain.Case{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactAdded, "case", a.CaseID, opts.ActorID, events.Payload{
		"artifact_id": a.ID,
		"stage_id":    opts.StageID,
		"file_name":   a.FileName,
	}); err != nil {
		return domain.Artifact{}, domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, domain.Case{}, err
	}
	return a, e.recalculateAfterCommit(ctx, stored), nil
}

// RemoveArtifact deletes an artifact and recalculates its case. Like
// AddArtifact, recalculation after the commit is best-effort.
func (e Engine) RemoveArtifact(ctx context.Context, caseID, artifactID, actorID string) (domain.Case, error) {
	stored, err := e.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.DeleteArtifactTx(ctx, tx, caseID, artifactID)
	if err != nil {
		return domain.Case{}, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	stageID := ""
	if a.StageID != nil {
		stageID = *a.StageID
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactRemoved, "case", caseID, actorID, events.Payload{
		"artifact_id": artifactID,
		"stage_id":    stageID,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return e.recalculateAfterCommit(ctx, stored), nil
}

// recalculateAfterCommit recalculates a case whose artifacts just changed.
// On failure it returns the freshest stored copy, falling back to stored.
func (e Engine) recalculateAfterCommit(ctx context.Context, stored domain.Case) domain.Case {
	c, err := e.Lifecycle().RecalculateAndPersist(ctx, stored.ID)
	if err == nil {
		return c
	}
	e.logger().Warn("recalculate after artifact change failed; case left stale", "case_id", stored.ID, "err", err)
	if fresh, err := e.Repo.GetCase(ctx, stored.ID); err == nil {
		return fresh
	}
	return stored
}

func (e Engine) ListArtifacts(ctx context.Context, caseID string) ([]domain.Artifact, error) {
	if _, err := e.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, caseID)
}

func (e Engine) Recalculate(ctx context.Context, caseID string) (domain.Case, error) {
	return e.Lifecycle().RecalculateAndPersist(ctx, caseID)
}

func (e Engine) RejectCase(ctx context.Context, caseID, actorID, reason string) (domain.Case, error) {
	return e.Lifecycle().Reject(ctx, caseID, actorID, reason)
}

// Progress returns the case together with its computed progress.
func (e Engine) Progress(ctx context.Context, caseID string) (domain.Case, progress.Progress, error) {
	c, err := e.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, progress.Progress{}, err
	}
	p, err := e.Calculator().Compute(ctx, c)
	if err != nil {
		return c, progress.Progress{}, err
	}
	return c, p, nil
}

func (e Engine) ResolveStages(ctx context.Context, caseType, subtype string) ([]domain.StageDefinition, error) {
	return e.resolver().Resolve(ctx, caseType, subtype)
}

func (e Engine) ListLifecycleEvents(ctx context.Context, caseID string) ([]domain.LifecycleEvent, error) {
	if _, err := e.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListLifecycleEvents(ctx, caseID)
}

type RecalcSummary struct {
	Total   int `json:"total"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// RecalculateAll recalculates every non-rejected case with bounded
// concurrency. Failures of individual cases are logged and counted; only
// cancellation aborts the run.
func (e Engine) RecalculateAll(ctx context.Context) (RecalcSummary, error) {
	ids, err := e.Repo.ListRecalculableCaseIDs(ctx)
	if err != nil {
		return RecalcSummary{}, err
	}
	limit := config.DefaultRecalcConcurrency
	if e.Config != nil && e.Config.Engine.RecalcConcurrency > 0 {
		limit = e.Config.Engine.RecalcConcurrency
	}
	var changed, failed atomic.Int64
	ctrl := e.Lifecycle()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			before, err := e.Repo.GetCase(gctx, id)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil
				}
				return e.countFailure(gctx, &failed, id, err)
			}
			after, err := ctrl.RecalculateAndPersist(gctx, id)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return nil
				}
				return e.countFailure(gctx, &failed, id, err)
			}
			if after.Version != before.Version {
				changed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	summary := RecalcSummary{Total: len(ids), Changed: int(changed.Load()), Failed: int(failed.Load())}
	e.logger().Info("recalculated cases", "total", summary.Total, "changed", summary.Changed, "failed", summary.Failed)
	return summary, err
}

func (e Engine) countFailure(ctx context.Context, failed *atomic.Int64, caseID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	failed.Add(1)
	e.logger().Error("recalculate case failed", "case_id", caseID, "err", err)
	return nil
}
