// Package manifest is the content-addressed artifact store: payload files,
// their sidecars, the artifacts fact tree and the manifest cache built
// from it.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"lakereg/internal/config"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/factlog"
	"lakereg/internal/logger"
	"lakereg/internal/repo"
)

const (
	factPublished  = "artifact.published"
	factSuperseded = "artifact.superseded"
)

var artifactNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("lakereg/artifact"))

// ArtifactID derives the identity of a payload. Identical content of the
// same type and schema version always maps to the same id.
func ArtifactID(artifactType string, schemaVersion int, contentHash string) string {
	key := fmt.Sprintf("%s|%d|%s", artifactType, schemaVersion, contentHash)
	return "art-" + uuid.NewSHA1(artifactNamespace, []byte(key)).String()
}

// fact is one line of registry/artifacts.
type fact struct {
	Fact         string           `json:"fact"`
	At           string           `json:"at"`
	Artifact     *domain.Artifact `json:"artifact,omitempty"`
	ArtifactID   string           `json:"artifact_id,omitempty"`
	SupersededBy string           `json:"superseded_by,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

type Store struct {
	// Root is the workspace directory payload paths are relative to.
	Root   string
	Facts  *factlog.Log
	Events events.Log
	Cache  *db.Handle
	Config *config.Config
	Log    *logger.Logger
	Now    func() time.Time

	// beforeInsert runs under the writer lock just before the cache insert.
	beforeInsert func(domain.Artifact)
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) logger() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.Nop()
}

func (s Store) repo() (repo.Repo, error) {
	conn, err := s.Cache.DB()
	if err != nil {
		return repo.Repo{}, domain.IO("manifest.cache", "", err)
	}
	return repo.Repo{DB: conn}, nil
}

func (s Store) appendFact(ctx context.Context, f fact) error {
	line, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.Facts.Append(ctx, line)
	return err
}

// emit appends telemetry. A failure is logged and never fails the caller.
func (s Store) emit(ctx context.Context, p events.Payload) {
	if s.Events.Facts == nil {
		return
	}
	if _, err := s.Events.Append(ctx, events.Event{Payload: p}); err != nil {
		s.logger().Warn("event append failed", "event_type", p.EventType(), "error", err)
	}
}

// GetArtifact returns an artifact in any status.
func (s Store) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	r, err := s.repo()
	if err != nil {
		return domain.Artifact{}, err
	}
	a, err := r.GetArtifact(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, domain.NotFound("manifest.get", id)
	}
	if err != nil {
		return a, domain.IO("manifest.get", id, err)
	}
	return a, nil
}

// Supersede retires an active artifact. The payload is never touched and
// superseding twice is a logged no-op.
func (s Store) Supersede(ctx context.Context, id, reason string) (domain.Artifact, error) {
	const op = "manifest.supersede"
	a, err := s.GetArtifact(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status == domain.StatusSuperseded {
		s.logger().Warn("artifact already superseded", "artifact_id", id, "superseded_at", a.SupersededAt)
		return a, nil
	}
	unlock, err := s.Cache.Lock(ctx)
	if err != nil {
		return a, domain.IO(op, id, err)
	}
	defer unlock()
	r, err := s.repo()
	if err != nil {
		return a, err
	}
	at := domain.Timestamp(s.now())
	changed := false
	err = db.RetryOnContention(func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		ok, err := r.MarkSuperseded(ctx, tx, id, "", reason, at)
		if err != nil || !ok {
			return err
		}
		if err := s.appendFact(ctx, fact{Fact: factSuperseded, At: at, ArtifactID: id, Reason: reason}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return a, wrapIO(op, id, err)
	}
	if !changed {
		s.logger().Warn("artifact already superseded", "artifact_id", id)
		return s.GetArtifact(ctx, id)
	}
	s.logger().Info("artifact superseded", "artifact_id", id, "reason", reason)
	s.emit(ctx, events.ArtifactStatusChanged{ArtifactID: id, From: domain.StatusActive, To: domain.StatusSuperseded, Reason: reason})
	return s.GetArtifact(ctx, id)
}

// GetDownstream lists artifacts that declare id as an input.
func (s Store) GetDownstream(ctx context.Context, id string) ([]domain.Artifact, error) {
	const op = "manifest.downstream"
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return nil, err
	}
	r, err := s.repo()
	if err != nil {
		return nil, err
	}
	ids, err := r.Downstream(ctx, id)
	if err != nil {
		return nil, domain.IO(op, id, err)
	}
	return artifactsInOrder(ctx, r, op, ids)
}

// ArtifactsByIDs loads artifacts for the resolver, ordered by creation.
func (s Store) ArtifactsByIDs(ctx context.Context, ids []string) ([]domain.Artifact, error) {
	r, err := s.repo()
	if err != nil {
		return nil, err
	}
	out, err := r.ArtifactsByIDs(ctx, ids)
	if err != nil {
		return nil, domain.IO("manifest.artifacts", "", err)
	}
	return out, nil
}

// MissingArtifacts returns the ids that are not in the manifest.
func (s Store) MissingArtifacts(ctx context.Context, ids []string) ([]string, error) {
	r, err := s.repo()
	if err != nil {
		return nil, err
	}
	missing, err := r.MissingArtifacts(ctx, ids)
	if err != nil {
		return nil, domain.IO("manifest.exists", "", err)
	}
	return missing, nil
}

func dataPaths(artifactType string, schemaVersion int, contentHash string) (string, string) {
	dir := path.Join("data", artifactType, fmt.Sprintf("v%d", schemaVersion), contentHash[:2])
	return path.Join(dir, contentHash+".data"), path.Join(dir, contentHash+".meta.json")
}

// wrapIO keeps typed errors and classifies the rest as IO failures.
func wrapIO(op, id string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return &domain.Error{Kind: domain.ErrIO, Op: op, ID: id, Err: err}
}
