// Package resolver registers runs and runset specs and resolves specs into
// immutable, hash-identified resolutions that can be frozen.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"lakereg/internal/canon"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/factlog"
	"lakereg/internal/logger"
	"lakereg/internal/repo"
)

const (
	factRunRegistered      = "run.registered"
	factRunSetCreated      = "runset.created"
	factResolutionCreated  = "resolution.created"
	factResolutionFrozen   = "resolution.frozen"
	factResolutionUnfrozen = "resolution.unfrozen"
)

// ArtifactSource is the part of the manifest the resolver reads.
type ArtifactSource interface {
	ArtifactsByIDs(ctx context.Context, ids []string) ([]domain.Artifact, error)
	MissingArtifacts(ctx context.Context, ids []string) ([]string, error)
}

// StatusSource supplies event-derived run statuses.
type StatusSource interface {
	RunStatuses(ctx context.Context) (map[string]domain.RunStatus, error)
}

type Resolver struct {
	Runs        *factlog.Log
	Specs       *factlog.Log
	Resolutions *factlog.Log
	Events      events.Log
	Cache       *db.Handle
	Artifacts   ArtifactSource
	Statuses    StatusSource
	// AllowUnfreeze enables Unfreeze. Off by default.
	AllowUnfreeze bool
	Log           *logger.Logger
	Now           func() time.Time
}

// fact is one line of the runs, runsets_spec or runsets_resolution trees.
type fact struct {
	Fact         string             `json:"fact"`
	At           string             `json:"at"`
	Run          *domain.Run        `json:"run,omitempty"`
	RunSet       *domain.RunSet     `json:"runset,omitempty"`
	Resolution   *domain.Resolution `json:"resolution,omitempty"`
	RunSetID     string             `json:"runset_id,omitempty"`
	ResolutionID string             `json:"resolution_id,omitempty"`
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Resolver) logger() *logger.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logger.Nop()
}

func (r Resolver) repo() (repo.Repo, error) {
	conn, err := r.Cache.DB()
	if err != nil {
		return repo.Repo{}, domain.IO("resolver.cache", "", err)
	}
	return repo.Repo{DB: conn}, nil
}

// lock takes the resolver cache writer lock.
func (r Resolver) lock(ctx context.Context, op, id string) (func(), error) {
	unlock, err := r.Cache.Lock(ctx)
	if err != nil {
		return nil, domain.IO(op, id, err)
	}
	return unlock, nil
}

func appendFact(ctx context.Context, log *factlog.Log, f fact) error {
	line, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = log.Append(ctx, line)
	return err
}

func (r Resolver) emit(ctx context.Context, p events.Payload) {
	if r.Events.Facts == nil {
		return
	}
	if _, err := r.Events.Append(ctx, events.Event{Payload: p}); err != nil {
		r.logger().Warn("event append failed", "event_type", p.EventType(), "error", err)
	}
}

// RunID derives the identity of a run from its inputs and strategy.
func RunID(datasetIDs []string, strategyHash, engineVersion string, seed int64) (string, error) {
	ids := normaliseList(datasetIDs)
	body, err := canon.Value(map[string]any{
		"datasetIds":    ids,
		"strategyHash":  strategyHash,
		"engineVersion": engineVersion,
		"seed":          seed,
	})
	if err != nil {
		return "", err
	}
	return "run-" + canon.SHA256Hex(body), nil
}

// RegisterRun records a run. Registering the same run again returns its id;
// registering the same identity with different details is a conflict.
func (r Resolver) RegisterRun(ctx context.Context, run domain.Run) (string, error) {
	const op = "resolver.register_run"
	run.StrategyHash = strings.TrimSpace(run.StrategyHash)
	run.EngineVersion = strings.TrimSpace(run.EngineVersion)
	run.Caller = strings.TrimSpace(run.Caller)
	run.DatasetIDs = normaliseList(run.DatasetIDs)
	if len(run.DatasetIDs) == 0 {
		return "", domain.Validation(op, "at least one dataset id is required")
	}
	if run.StrategyHash == "" || run.EngineVersion == "" {
		return "", domain.Validation(op, "strategy hash and engine version are required")
	}
	var err error
	if run.DateFrom, run.DateTo, err = normaliseRange(run.DateFrom, run.DateTo); err != nil {
		return "", domain.Validation(op, "%v", err)
	}
	artifacts := make([]string, 0, len(run.ArtifactIDs))
	seen := map[string]bool{}
	for _, id := range run.ArtifactIDs {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			artifacts = append(artifacts, id)
		}
	}
	run.ArtifactIDs = artifacts
	missing, err := r.Artifacts.MissingArtifacts(ctx, run.ArtifactIDs)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", domain.NotFound(op, missing[0])
	}
	id, err := RunID(run.DatasetIDs, run.StrategyHash, run.EngineVersion, run.Seed)
	if err != nil {
		return "", domain.Validation(op, "%v", err)
	}
	run.RunID = id

	unlock, err := r.lock(ctx, op, id)
	if err != nil {
		return "", err
	}
	defer unlock()
	rp, err := r.repo()
	if err != nil {
		return "", err
	}
	if existing, err := rp.GetRun(ctx, id); err == nil {
		if !sameRun(existing, run) {
			return "", domain.Conflict(op, id, id, "run already registered with different caller, dates or artifacts")
		}
		return id, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", domain.IO(op, id, err)
	}

	run.CreatedAt = domain.Timestamp(r.now())
	created := false
	err = db.RetryOnContention(func() error {
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		inserted, err := rp.InsertRun(ctx, tx, run)
		if err != nil || !inserted {
			return err
		}
		if err := appendFact(ctx, r.Runs, fact{Fact: factRunRegistered, At: run.CreatedAt, Run: &run}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return "", wrapIO(op, id, err)
	}
	if created {
		r.logger().Info("run registered", "run_id", id, "artifacts", len(run.ArtifactIDs))
		r.emit(ctx, events.RunCreated{RunID: id, DatasetIDs: run.DatasetIDs, Caller: run.Caller})
		if len(run.ArtifactIDs) > 0 {
			r.emit(ctx, events.RunCompleted{RunID: id, ArtifactIDs: run.ArtifactIDs})
		}
	}
	return id, nil
}

func sameRun(a, b domain.Run) bool {
	return a.Caller == b.Caller && a.DateFrom == b.DateFrom && a.DateTo == b.DateTo &&
		strings.Join(a.ArtifactIDs, "\x00") == strings.Join(b.ArtifactIDs, "\x00")
}

func (r Resolver) GetRun(ctx context.Context, id string) (domain.Run, error) {
	rp, err := r.repo()
	if err != nil {
		return domain.Run{}, err
	}
	run, err := rp.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return run, domain.NotFound("resolver.get_run", id)
	}
	if err != nil {
		return run, domain.IO("resolver.get_run", id, err)
	}
	return run, nil
}

func (r Resolver) ListRuns(ctx context.Context, f repo.RunFilter) ([]domain.Run, error) {
	rp, err := r.repo()
	if err != nil {
		return nil, err
	}
	runs, err := rp.ListRuns(ctx, f)
	if err != nil {
		return nil, domain.IO("resolver.list_runs", "", err)
	}
	return runs, nil
}

func normaliseList(items []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// normaliseRange turns both bounds into YYYY-MM-DD and checks their order.
// Either bound may be empty.
func normaliseRange(from, to string) (string, string, error) {
	var err error
	if from, err = normaliseDate(from); err != nil {
		return "", "", err
	}
	if to, err = normaliseDate(to); err != nil {
		return "", "", err
	}
	if from != "" && to != "" && from > to {
		return "", "", errors.New("date_from is after date_to")
	}
	return from, to, nil
}

func normaliseDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.Format("2006-01-02"), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return "", errors.New("dates must be YYYY-MM-DD or RFC3339, got " + v)
	}
	return t.UTC().Format("2006-01-02"), nil
}

func wrapIO(op, id string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return &domain.Error{Kind: domain.ErrIO, Op: op, ID: id, Err: err}
}
