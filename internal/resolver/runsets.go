package resolver

import (
	"context"
	"errors"
	"strings"

	"lakereg/internal/canon"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/repo"
)

var validStatuses = map[string]bool{
	domain.RunStatusCreated:   true,
	domain.RunStatusCompleted: true,
	domain.RunStatusFailed:    true,
}

// CanonicalSpec normalises spec so that equal selections produce equal ids.
func CanonicalSpec(spec domain.RunSetSpec) (domain.RunSetSpec, error) {
	const op = "resolver.create_runset"
	spec.Name = strings.TrimSpace(spec.Name)
	spec.DatasetIDs = normaliseList(spec.DatasetIDs)
	spec.Callers = normaliseList(spec.Callers)
	spec.Tags = normaliseList(spec.Tags)
	spec.StrategyHashes = normaliseList(spec.StrategyHashes)
	spec.Statuses = normaliseList(spec.Statuses)
	for _, s := range spec.Statuses {
		if !validStatuses[s] {
			return spec, domain.Validation(op, "status must be created, completed or failed, got %q", s)
		}
	}
	var err error
	if spec.DateFrom, spec.DateTo, err = normaliseRange(spec.DateFrom, spec.DateTo); err != nil {
		return spec, domain.Validation(op, "%v", err)
	}
	spec.Mode = strings.TrimSpace(spec.Mode)
	switch spec.Mode {
	case "":
		spec.Mode = domain.ModeLatest
	case domain.ModeLatest, domain.ModeFrozen:
	default:
		return spec, domain.Validation(op, "mode must be latest or frozen, got %q", spec.Mode)
	}
	return spec, nil
}

// RunSetID hashes a canonical spec.
func RunSetID(spec domain.RunSetSpec) (string, error) {
	body, err := canon.Value(spec)
	if err != nil {
		return "", err
	}
	return "rs-" + canon.SHA256Hex(body), nil
}

// CreateRunSetSpec stores spec under its content id. Creating an existing
// spec returns the stored runset without appending a fact.
func (r Resolver) CreateRunSetSpec(ctx context.Context, spec domain.RunSetSpec) (domain.RunSet, error) {
	const op = "resolver.create_runset"
	spec, err := CanonicalSpec(spec)
	if err != nil {
		return domain.RunSet{}, err
	}
	id, err := RunSetID(spec)
	if err != nil {
		return domain.RunSet{}, domain.Validation(op, "%v", err)
	}
	unlock, err := r.lock(ctx, op, id)
	if err != nil {
		return domain.RunSet{}, err
	}
	defer unlock()
	rp, err := r.repo()
	if err != nil {
		return domain.RunSet{}, err
	}
	if existing, err := rp.GetRunSet(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.RunSet{}, domain.IO(op, id, err)
	}
	rs := domain.RunSet{RunSetID: id, Spec: spec, CreatedAt: domain.Timestamp(r.now())}
	created := false
	err = db.RetryOnContention(func() error {
		tx, err := rp.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		inserted, err := rp.InsertRunSet(ctx, tx, rs)
		if err != nil || !inserted {
			return err
		}
		if err := appendFact(ctx, r.Specs, fact{Fact: factRunSetCreated, At: rs.CreatedAt, RunSet: &rs}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.RunSet{}, wrapIO(op, id, err)
	}
	if !created {
		return r.GetRunSet(ctx, id)
	}
	r.logger().Info("runset created", "runset_id", id, "mode", spec.Mode)
	return rs, nil
}

func (r Resolver) GetRunSet(ctx context.Context, id string) (domain.RunSet, error) {
	rp, err := r.repo()
	if err != nil {
		return domain.RunSet{}, err
	}
	rs, err := rp.GetRunSet(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rs, domain.NotFound("resolver.get_runset", id)
	}
	if err != nil {
		return rs, domain.IO("resolver.get_runset", id, err)
	}
	return rs, nil
}

func (r Resolver) ListRunSets(ctx context.Context) ([]domain.RunSet, error) {
	rp, err := r.repo()
	if err != nil {
		return nil, err
	}
	out, err := rp.ListRunSets(ctx)
	if err != nil {
		return nil, domain.IO("resolver.list_runsets", "", err)
	}
	return out, nil
}

// ListResolutions returns every resolution of a runset, oldest first.
func (r Resolver) ListResolutions(ctx context.Context, runsetID string) ([]domain.Resolution, error) {
	if _, err := r.GetRunSet(ctx, runsetID); err != nil {
		return nil, err
	}
	rp, err := r.repo()
	if err != nil {
		return nil, err
	}
	out, err := rp.ListResolutions(ctx, runsetID)
	if err != nil {
		return nil, domain.IO("resolver.list_resolutions", runsetID, err)
	}
	return out, nil
}

// RunSetsContaining lists the runsets whose effective resolution includes a
// run or artifact id.
func (r Resolver) RunSetsContaining(ctx context.Context, memberID string) ([]string, error) {
	rp, err := r.repo()
	if err != nil {
		return nil, err
	}
	out, err := rp.RunSetsContaining(ctx, memberID)
	if err != nil {
		return nil, domain.IO("resolver.containing", memberID, err)
	}
	return out, nil
}
