package manifest

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

// Build replays registry/artifacts into a fresh cache generation that is not
// yet live. The caller swaps or discards it.
func (s Store) Build(ctx context.Context) (*db.Generation, error) {
	gen, err := s.Cache.NewGeneration()
	if err != nil {
		return nil, domain.IO("manifest.rebuild", "", err)
	}
	if err := s.Rebuild(ctx, gen.DB); err != nil {
		db.Discard(gen)
		return nil, err
	}
	return gen, nil
}

// Rebuild replays every artifact fact into dst, which must be an empty
// manifest cache, then checks the lineage graph for cycles.
func (s Store) Rebuild(ctx context.Context, dst *sql.DB) error {
	const op = "manifest.rebuild"
	r := repo.Repo{DB: dst}
	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return domain.IO(op, "", err)
	}
	defer tx.Rollback()
	count := 0
	err = s.Facts.Scan(ctx, "", func(rec factlog.Record) error {
		f, err := decodeFact(rec.Raw)
		if err != nil {
			return domain.Corruption(op, rec.Path, rec.Line, err)
		}
		if err := replay(ctx, r, tx, f); err != nil {
			var de *domain.Error
			if errors.As(err, &de) {
				return err
			}
			return domain.Corruption(op, rec.Path, rec.Line, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.IO(op, "", err)
	}
	edges, err := r.Edges(ctx)
	if err != nil {
		return domain.IO(op, "", err)
	}
	if err := checkAcyclic(edges); err != nil {
		return err
	}
	s.logger().Info("manifest cache rebuilt", "facts", count)
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
	case factPublished:
		if f.Artifact == nil {
			return f, errors.New("published fact without artifact")
		}
		a := f.Artifact
		if want := ArtifactID(a.ArtifactType, a.SchemaVersion, a.ContentHash); a.ArtifactID != want {
			return f, fmt.Errorf("artifact id %s does not match its content identity %s", a.ArtifactID, want)
		}
	case factSuperseded:
		if f.ArtifactID == "" {
			return f, errors.New("superseded fact without artifact_id")
		}
	default:
		return f, fmt.Errorf("unknown fact %q", f.Fact)
	}
	return f, nil
}

func replay(ctx context.Context, r repo.Repo, tx *sql.Tx, f fact) error {
	switch f.Fact {
	case factPublished:
		a := *f.Artifact
		existing, err := r.GetArtifactTx(ctx, tx, a.ArtifactID)
		if err == nil {
			if existing.ContentHash != a.ContentHash {
				return fmt.Errorf("artifact %s published twice with different content", a.ArtifactID)
			}
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		a.Status = domain.StatusActive
		a.SupersededBy, a.SupersessionReason, a.SupersededAt = "", "", ""
		if err := applyPublished(ctx, r, tx, a, f.Reason, f.At); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("artifact %s duplicates active content", a.ArtifactID)
			}
			return err
		}
		return nil
	case factSuperseded:
		if _, err := r.GetArtifactTx(ctx, tx, f.ArtifactID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("superseded fact for unknown artifact %s", f.ArtifactID)
			}
			return err
		}
		_, err := r.MarkSuperseded(ctx, tx, f.ArtifactID, f.SupersededBy, f.Reason, f.At)
		return err
	}
	return nil
}
