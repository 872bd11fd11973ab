package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"lakereg/internal/canon"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/factlog"
	"lakereg/internal/repo"
)

// Resolve evaluates a runset spec against the current runs and artifacts.
// A frozen runset returns its pinned resolution unless force is set; forced
// resolves record a new resolution but leave the pin in place.
func (r Resolver) Resolve(ctx context.Context, runsetID string, force bool) (domain.Resolution, error) {
	const op = "resolver.resolve"
	rs, err := r.GetRunSet(ctx, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	unlock, err := r.lock(ctx, op, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	defer unlock()
	rp, err := r.repo()
	if err != nil {
		return domain.Resolution{}, err
	}
	pinned, frozen, err := r.syncFromFacts(ctx, rp, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	if frozen && !force {
		return pinned, nil
	}

	runIDs, artifactIDs, err := r.evaluate(ctx, rp, rs.Spec)
	if err != nil {
		return domain.Resolution{}, err
	}
	hash, err := ResolutionHash(runIDs, artifactIDs)
	if err != nil {
		return domain.Resolution{}, domain.IO(op, runsetID, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Resolution{}, domain.IO(op, runsetID, err)
	}
	now := r.now()
	res := domain.Resolution{
		ResolutionID:   "res-" + id.String(),
		RunSetID:       runsetID,
		RunIDs:         runIDs,
		ArtifactIDs:    artifactIDs,
		ResolutionHash: hash,
		TimestampMs:    now.UnixMilli(),
	}
	err = db.RetryOnContention(func() error {
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := applyCreated(ctx, rp, tx, res); err != nil {
			return err
		}
		if err := appendFact(ctx, r.Resolutions, fact{Fact: factResolutionCreated, At: domain.Timestamp(now), Resolution: &res}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Resolution{}, wrapIO(op, runsetID, err)
	}
	r.logger().Info("runset resolved", "runset_id", runsetID, "resolution_id", res.ResolutionID,
		"runs", len(runIDs), "artifacts", len(artifactIDs), "hash", hash)
	r.emit(ctx, events.RunSetResolved{
		RunSetID:       runsetID,
		ResolutionID:   res.ResolutionID,
		ResolutionHash: hash,
		RunCount:       len(runIDs),
		ArtifactCount:  len(artifactIDs),
	})

	if rs.Spec.Mode == domain.ModeFrozen && !frozen {
		return r.freeze(ctx, rp, runsetID)
	}
	return res, nil
}

// applyCreated records a resolution and, unless the runset is pinned, makes
// it the effective membership.
func applyCreated(ctx context.Context, rp repo.Repo, tx *sql.Tx, res domain.Resolution) error {
	if err := rp.InsertResolution(ctx, tx, res); err != nil {
		return err
	}
	if _, err := rp.FrozenResolutionTx(ctx, tx, res.RunSetID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return rp.ReplaceMembership(ctx, tx, res)
}

// ResolutionHash identifies the membership of a resolution.
func ResolutionHash(runIDs, artifactIDs []string) (string, error) {
	body, err := canon.Value(map[string]any{"runIds": runIDs, "artifactIds": artifactIDs})
	if err != nil {
		return "", err
	}
	return canon.SHA256Hex(body), nil
}

// evaluate applies the spec filters in a fixed order: dataset, caller and
// tag, date overlap, strategy, then run status.
func (r Resolver) evaluate(ctx context.Context, rp repo.Repo, spec domain.RunSetSpec) ([]string, []string, error) {
	const op = "resolver.resolve"
	runs, err := rp.ListRuns(ctx, repo.RunFilter{})
	if err != nil {
		return nil, nil, domain.IO(op, "", err)
	}

	datasets := toSet(spec.DatasetIDs)
	callers := toSet(spec.Callers)
	tags := toSet(spec.Tags)
	strategies := toSet(spec.StrategyHashes)
	statuses := toSet(spec.Statuses)

	var candidates []domain.Run
	var produced []string
	for _, run := range runs {
		if len(datasets) > 0 && !anyIn(run.DatasetIDs, datasets) {
			continue
		}
		if len(callers) > 0 && !callers[run.Caller] {
			continue
		}
		candidates = append(candidates, run)
		produced = append(produced, run.ArtifactIDs...)
	}

	// Active artifacts carrying a requested tag, keyed by id.
	eligible := map[string]domain.Artifact{}
	if len(candidates) > 0 {
		arts, err := r.Artifacts.ArtifactsByIDs(ctx, uniq(produced))
		if err != nil {
			return nil, nil, err
		}
		for _, a := range arts {
			if a.Status != domain.StatusActive {
				continue
			}
			if len(tags) > 0 && !anyIn(a.Tags, tags) {
				continue
			}
			eligible[a.ArtifactID] = a
		}
	}

	var runStatus map[string]domain.RunStatus
	if len(statuses) > 0 {
		if r.Statuses == nil {
			return nil, nil, domain.Validation(op, "status filter requires the event index")
		}
		if runStatus, err = r.Statuses.RunStatuses(ctx); err != nil {
			return nil, nil, err
		}
	}

	runIDs := []string{}
	var chosen []domain.Artifact
	seen := map[string]bool{}
	for _, run := range candidates {
		if len(tags) > 0 && !producedAny(run.ArtifactIDs, eligible) {
			continue
		}
		if !overlaps(run.DateFrom, run.DateTo, spec.DateFrom, spec.DateTo) {
			continue
		}
		if len(strategies) > 0 && !strategies[run.StrategyHash] {
			continue
		}
		if len(statuses) > 0 && !statuses[runStatus[run.RunID].Status] {
			continue
		}
		runIDs = append(runIDs, run.RunID)
		for _, id := range run.ArtifactIDs {
			if a, ok := eligible[id]; ok && !seen[id] {
				seen[id] = true
				chosen = append(chosen, a)
			}
		}
	}
	sortArtifacts(chosen)
	artifactIDs := make([]string, 0, len(chosen))
	for _, a := range chosen {
		artifactIDs = append(artifactIDs, a.ArtifactID)
	}
	return runIDs, artifactIDs, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func anyIn(items []string, set map[string]bool) bool {
	for _, it := range items {
		if set[it] {
			return true
		}
	}
	return false
}

func producedAny(ids []string, eligible map[string]domain.Artifact) bool {
	for _, id := range ids {
		if _, ok := eligible[id]; ok {
			return true
		}
	}
	return false
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortArtifacts(arts []domain.Artifact) {
	sort.Slice(arts, func(i, j int) bool {
		if arts[i].CreatedAt != arts[j].CreatedAt {
			return arts[i].CreatedAt < arts[j].CreatedAt
		}
		return arts[i].ArtifactID < arts[j].ArtifactID
	})
}

// overlaps reports whether [from, to] intersects [specFrom, specTo]. Empty
// bounds are open. A run without dates only matches an unbounded spec.
func overlaps(from, to, specFrom, specTo string) bool {
	if specFrom == "" && specTo == "" {
		return true
	}
	if from == "" && to == "" {
		return false
	}
	if specTo != "" && from != "" && from > specTo {
		return false
	}
	if specFrom != "" && to != "" && to < specFrom {
		return false
	}
	return true
}

// Freeze pins the most recent resolution of a runset. Freezing a pinned
// runset returns the pin.
func (r Resolver) Freeze(ctx context.Context, runsetID string) (domain.Resolution, error) {
	const op = "resolver.freeze"
	if _, err := r.GetRunSet(ctx, runsetID); err != nil {
		return domain.Resolution{}, err
	}
	unlock, err := r.lock(ctx, op, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	defer unlock()
	rp, err := r.repo()
	if err != nil {
		return domain.Resolution{}, err
	}
	return r.freeze(ctx, rp, runsetID)
}

// freeze runs under the writer lock.
func (r Resolver) freeze(ctx context.Context, rp repo.Repo, runsetID string) (domain.Resolution, error) {
	const op = "resolver.freeze"
	pinned, frozen, err := r.syncFromFacts(ctx, rp, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	if frozen {
		r.logger().Debug("runset already frozen", "runset_id", runsetID, "resolution_id", pinned.ResolutionID)
		return pinned, nil
	}
	var out domain.Resolution
	err = db.RetryOnContention(func() error {
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		latest, err := rp.LatestResolutionTx(ctx, tx, runsetID)
		if errors.Is(err, repo.ErrNotFound) {
			return &domain.Error{Kind: domain.ErrNotFound, Op: op, ID: runsetID, Msg: "runset has no resolution to freeze"}
		}
		if err != nil {
			return err
		}
		if err := applyFrozen(ctx, rp, tx, latest); err != nil {
			return err
		}
		if err := appendFact(ctx, r.Resolutions, fact{
			Fact: factResolutionFrozen, At: domain.Timestamp(r.now()), RunSetID: runsetID, ResolutionID: latest.ResolutionID,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		latest.Frozen = true
		out = latest
		return nil
	})
	if err != nil {
		return domain.Resolution{}, wrapIO(op, runsetID, err)
	}
	r.logger().Info("runset frozen", "runset_id", runsetID, "resolution_id", out.ResolutionID)
	r.emit(ctx, events.RunSetFrozen{RunSetID: runsetID, ResolutionID: out.ResolutionID})
	return out, nil
}

// syncFromFacts makes the cached resolutions and pin of one runset match
// the resolution facts. The facts are appended before the cache commits, so
// a crash in between leaves the cache behind the truth; this replays the
// missing tail. Callers hold the writer lock. It returns the pinned
// resolution and whether there is one.
func (r Resolver) syncFromFacts(ctx context.Context, rp repo.Repo, runsetID string) (domain.Resolution, bool, error) {
	const op = "resolver.sync"
	created, pin, err := r.resolutionFacts(ctx, runsetID)
	if err != nil {
		return domain.Resolution{}, false, err
	}
	var out domain.Resolution
	err = db.RetryOnContention(func() error {
		out = domain.Resolution{}
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		repaired := 0
		for _, res := range created {
			if _, err := rp.GetResolutionTx(ctx, tx, res.ResolutionID); err == nil {
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err := applyCreated(ctx, rp, tx, res); err != nil {
				return err
			}
			repaired++
		}
		cached, err := rp.FrozenResolutionTx(ctx, tx, runsetID)
		cachedFrozen := err == nil
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if cachedFrozen && cached.ResolutionID != pin {
			if _, err := applyUnfrozen(ctx, rp, tx, cached); err != nil {
				return err
			}
			cachedFrozen = false
			repaired++
		}
		if pin != "" {
			res, err := rp.GetResolutionTx(ctx, tx, pin)
			if errors.Is(err, repo.ErrNotFound) {
				return domain.CorruptionID(op, pin, "runset "+runsetID+" is frozen at a resolution that was never created")
			}
			if err != nil {
				return err
			}
			if !cachedFrozen {
				if err := applyFrozen(ctx, rp, tx, res); err != nil {
					return err
				}
				repaired++
			}
			res.Frozen = true
			out = res
		}
		if repaired == 0 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		r.logger().Warn("resolver cache caught up with resolution facts", "runset_id", runsetID, "repairs", repaired, "pinned", pin)
		return nil
	})
	if err != nil {
		return domain.Resolution{}, false, wrapIO(op, runsetID, err)
	}
	return out, out.ResolutionID != "", nil
}

// resolutionFacts returns the created resolutions of one runset in log
// order and the resolution its facts leave pinned, if any.
func (r Resolver) resolutionFacts(ctx context.Context, runsetID string) ([]domain.Resolution, string, error) {
	const op = "resolver.sync"
	var created []domain.Resolution
	pin := ""
	err := r.Resolutions.Scan(ctx, "", func(rec factlog.Record) error {
		f, err := decodeFact(rec.Raw)
		if err != nil {
			return domain.Corruption(op, rec.Path, rec.Line, err)
		}
		switch f.Fact {
		case factResolutionCreated:
			if f.Resolution.RunSetID == runsetID {
				res := *f.Resolution
				res.Frozen = false
				created = append(created, res)
			}
		case factResolutionFrozen:
			if f.RunSetID != runsetID || f.ResolutionID == pin {
				return nil
			}
			if pin != "" {
				return domain.Corruption(op, rec.Path, rec.Line, fmt.Errorf("runset %s frozen at %s and %s", runsetID, pin, f.ResolutionID))
			}
			pin = f.ResolutionID
		case factResolutionUnfrozen:
			if f.RunSetID == runsetID && f.ResolutionID == pin {
				pin = ""
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return created, pin, nil
}

func applyFrozen(ctx context.Context, rp repo.Repo, tx *sql.Tx, res domain.Resolution) error {
	if err := rp.SetFrozen(ctx, tx, res.ResolutionID, true); err != nil {
		return err
	}
	res.Frozen = true
	return rp.ReplaceMembership(ctx, tx, res)
}

// Unfreeze releases the pin so the runset follows its latest resolution
// again. It is refused unless AllowUnfreeze is set.
func (r Resolver) Unfreeze(ctx context.Context, runsetID string) (domain.Resolution, error) {
	const op = "resolver.unfreeze"
	if !r.AllowUnfreeze {
		return domain.Resolution{}, domain.Validation(op, "unfreezing %s is disabled (resolver.allow_unfreeze is false)", runsetID)
	}
	if _, err := r.GetRunSet(ctx, runsetID); err != nil {
		return domain.Resolution{}, err
	}
	unlock, err := r.lock(ctx, op, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	defer unlock()
	rp, err := r.repo()
	if err != nil {
		return domain.Resolution{}, err
	}
	pinned, frozen, err := r.syncFromFacts(ctx, rp, runsetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	if !frozen {
		return domain.Resolution{}, domain.Validation(op, "runset %s is not frozen", runsetID)
	}
	var out domain.Resolution
	err = db.RetryOnContention(func() error {
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		latest, err := applyUnfrozen(ctx, rp, tx, pinned)
		if err != nil {
			return err
		}
		if err := appendFact(ctx, r.Resolutions, fact{
			Fact: factResolutionUnfrozen, At: domain.Timestamp(r.now()), RunSetID: runsetID, ResolutionID: pinned.ResolutionID,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = latest
		return nil
	})
	if err != nil {
		return domain.Resolution{}, wrapIO(op, runsetID, err)
	}
	r.logger().Warn("runset unfrozen", "runset_id", runsetID, "effective_resolution_id", out.ResolutionID)
	return out, nil
}

func applyUnfrozen(ctx context.Context, rp repo.Repo, tx *sql.Tx, pinned domain.Resolution) (domain.Resolution, error) {
	if err := rp.SetFrozen(ctx, tx, pinned.ResolutionID, false); err != nil {
		return domain.Resolution{}, err
	}
	latest, err := rp.LatestResolutionTx(ctx, tx, pinned.RunSetID)
	if err != nil {
		return domain.Resolution{}, err
	}
	return latest, rp.ReplaceMembership(ctx, tx, latest)
}

// Effective returns the resolution readers should use: the pin when frozen,
// otherwise the latest.
func (r Resolver) Effective(ctx context.Context, runsetID string) (domain.Resolution, error) {
	const op = "resolver.effective"
	if _, err := r.GetRunSet(ctx, runsetID); err != nil {
		return domain.Resolution{}, err
	}
	rp, err := r.repo()
	if err != nil {
		return domain.Resolution{}, err
	}
	tx, err := rp.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resolution{}, domain.IO(op, runsetID, err)
	}
	defer tx.Rollback()
	res, err := rp.FrozenResolutionTx(ctx, tx, runsetID)
	if errors.Is(err, repo.ErrNotFound) {
		res, err = rp.LatestResolutionTx(ctx, tx, runsetID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Resolution{}, &domain.Error{Kind: domain.ErrNotFound, Op: op, ID: runsetID, Msg: "runset has not been resolved"}
	}
	if err != nil {
		return domain.Resolution{}, domain.IO(op, runsetID, err)
	}
	return res, nil
}
