package resolver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/factlog"
	"lakereg/internal/repo"
)

// Build replays the run, runset and resolution facts into a fresh cache
// generation that is not yet live.
func (r Resolver) Build(ctx context.Context) (*db.Generation, error) {
	gen, err := r.Cache.NewGeneration()
	if err != nil {
		return nil, domain.IO("resolver.rebuild", "", err)
	}
	if err := r.Rebuild(ctx, gen.DB); err != nil {
		db.Discard(gen)
		return nil, err
	}
	return gen, nil
}

// Rebuild replays runs, then runset specs, then resolutions into dst, which
// must be an empty resolver cache.
func (r Resolver) Rebuild(ctx context.Context, dst *sql.DB) error {
	const op = "resolver.rebuild"
	rp := repo.Repo{DB: dst}
	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return domain.IO(op, "", err)
	}
	defer tx.Rollback()

	counts := map[string]int{}
	for _, src := range []struct {
		name string
		log  *factlog.Log
	}{
		{"runs", r.Runs},
		{"runsets", r.Specs},
		{"resolutions", r.Resolutions},
	} {
		err := src.log.Scan(ctx, "", func(rec factlog.Record) error {
			f, err := decodeFact(rec.Raw)
			if err != nil {
				return domain.Corruption(op, rec.Path, rec.Line, err)
			}
			if err := replay(ctx, rp, tx, f); err != nil {
				var de *domain.Error
				if errors.As(err, &de) {
					return err
				}
				return domain.Corruption(op, rec.Path, rec.Line, err)
			}
			counts[src.name]++
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.IO(op, "", err)
	}
	r.logger().Info("resolver cache rebuilt", "runs", counts["runs"], "runsets", counts["runsets"], "resolution_facts", counts["resolutions"])
	return nil
}

func decodeFact(raw []byte) (fact, error) {
	var f fact
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return f, err
	}
	switch f.Fact {
	case factRunRegistered:
		if f.Run == nil {
			return f, errors.New("run fact without run")
		}
		want, err := RunID(f.Run.DatasetIDs, f.Run.StrategyHash, f.Run.EngineVersion, f.Run.Seed)
		if err != nil {
			return f, err
		}
		if f.Run.RunID != want {
			return f, fmt.Errorf("run id %s does not match its identity %s", f.Run.RunID, want)
		}
	case factRunSetCreated:
		if f.RunSet == nil {
			return f, errors.New("runset fact without runset")
		}
		want, err := RunSetID(f.RunSet.Spec)
		if err != nil {
			return f, err
		}
		if f.RunSet.RunSetID != want {
			return f, fmt.Errorf("runset id %s does not match its spec %s", f.RunSet.RunSetID, want)
		}
	case factResolutionCreated:
		if f.Resolution == nil {
			return f, errors.New("resolution fact without resolution")
		}
		want, err := ResolutionHash(f.Resolution.RunIDs, f.Resolution.ArtifactIDs)
		if err != nil {
			return f, err
		}
		if f.Resolution.ResolutionHash != want {
			return f, fmt.Errorf("resolution %s hash does not match its members", f.Resolution.ResolutionID)
		}
	case factResolutionFrozen, factResolutionUnfrozen:
		if f.RunSetID == "" || f.ResolutionID == "" {
			return f, fmt.Errorf("%s fact needs runset_id and resolution_id", f.Fact)
		}
	default:
		return f, fmt.Errorf("unknown fact %q", f.Fact)
	}
	return f, nil
}

func replay(ctx context.Context, rp repo.Repo, tx *sql.Tx, f fact) error {
	switch f.Fact {
	case factRunRegistered:
		_, err := rp.InsertRun(ctx, tx, *f.Run)
		return err
	case factRunSetCreated:
		_, err := rp.InsertRunSet(ctx, tx, *f.RunSet)
		return err
	case factResolutionCreated:
		res := *f.Resolution
		res.Frozen = false
		if err := requireRunSet(ctx, rp, tx, res.RunSetID); err != nil {
			return err
		}
		return applyCreated(ctx, rp, tx, res)
	case factResolutionFrozen:
		res, err := resolutionOf(ctx, rp, tx, f)
		if err != nil {
			return err
		}
		if res.Frozen {
			return nil
		}
		if pinned, err := rp.FrozenResolutionTx(ctx, tx, f.RunSetID); err == nil {
			return fmt.Errorf("runset %s frozen at %s and %s", f.RunSetID, pinned.ResolutionID, res.ResolutionID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return applyFrozen(ctx, rp, tx, res)
	case factResolutionUnfrozen:
		res, err := resolutionOf(ctx, rp, tx, f)
		if err != nil {
			return err
		}
		if !res.Frozen {
			return fmt.Errorf("unfrozen fact for resolution %s which is not frozen", res.ResolutionID)
		}
		_, err = applyUnfrozen(ctx, rp, tx, res)
		return err
	}
	return nil
}

func requireRunSet(ctx context.Context, rp repo.Repo, tx *sql.Tx, id string) error {
	if _, err := rp.GetRunSetTx(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("resolution for unknown runset %s", id)
		}
		return err
	}
	return nil
}

func resolutionOf(ctx context.Context, rp repo.Repo, tx *sql.Tx, f fact) (domain.Resolution, error) {
	res, err := rp.GetResolutionTx(ctx, tx, f.ResolutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, fmt.Errorf("%s fact for unknown resolution %s", f.Fact, f.ResolutionID)
	}
	if err != nil {
		return res, err
	}
	if res.RunSetID != f.RunSetID {
		return res, fmt.Errorf("resolution %s belongs to %s, not %s", res.ResolutionID, res.RunSetID, f.RunSetID)
	}
	return res, nil
}
