package manifest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"lakereg/internal/canon"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/fsutil"
	"lakereg/internal/repo"
)

type PublishRequest struct {
	Payload          []byte
	Format           string
	ArtifactType     string
	SchemaVersion    int
	LogicalKey       string
	InputArtifactIDs []string
	Tags             []string
	// Supersedes names an active artifact this one replaces. When empty the
	// newest unlinked superseded artifact of the same logical key is linked.
	Supersedes string
	Reason     string
}

type PublishResult struct {
	ArtifactID string `json:"artifact_id"`
	Created    bool   `json:"created"`
}

// Publish stores a payload and registers it. Publishing content that is
// already active returns the existing id without writing anything.
func (s Store) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	const op = "manifest.publish"
	req.ArtifactType = strings.TrimSpace(req.ArtifactType)
	req.LogicalKey = strings.TrimSpace(req.LogicalKey)
	if req.ArtifactType == "" {
		return PublishResult{}, domain.Validation(op, "artifact type is required")
	}
	if strings.ContainsAny(req.ArtifactType, `/\.`) {
		return PublishResult{}, domain.Validation(op, "artifact type %q must not contain path separators or dots", req.ArtifactType)
	}
	if req.SchemaVersion <= 0 {
		return PublishResult{}, domain.Validation(op, "schema version must be positive")
	}
	if req.LogicalKey == "" {
		return PublishResult{}, domain.Validation(op, "logical key is required")
	}
	if len(req.Payload) == 0 {
		return PublishResult{}, domain.Validation(op, "payload is empty")
	}
	schema, ok := s.Config.Schema(req.ArtifactType, req.SchemaVersion)
	if !ok {
		return PublishResult{}, domain.Validation(op, "artifact type %s v%d is not registered", req.ArtifactType, req.SchemaVersion)
	}
	format := schema.Format
	if req.Format != "" && format != "" && req.Format != format {
		return PublishResult{}, domain.Validation(op, "%s v%d payloads are %s, got %s", req.ArtifactType, req.SchemaVersion, format, req.Format)
	}
	if format == "" {
		format = req.Format
	}
	if format == "" {
		format = canon.FormatRaw
	}
	content, err := canon.Payload(format, req.Payload)
	if err != nil {
		return PublishResult{}, domain.Validation(op, "payload: %v", err)
	}
	if err := checkShape(format, content, schema.Required); err != nil {
		return PublishResult{}, domain.Validation(op, "%s v%d: %v", req.ArtifactType, req.SchemaVersion, err)
	}
	inputs, err := normaliseInputs(req.InputArtifactIDs)
	if err != nil {
		return PublishResult{}, domain.Validation(op, "%v", err)
	}
	missing, err := s.MissingArtifacts(ctx, inputs)
	if err != nil {
		return PublishResult{}, err
	}
	if len(missing) > 0 {
		return PublishResult{}, domain.NotFound(op, missing[0])
	}

	contentHash := canon.SHA256Hex(content)
	id := ArtifactID(req.ArtifactType, req.SchemaVersion, contentHash)
	if existing, err := s.GetArtifact(ctx, id); err == nil {
		if existing.Status == domain.StatusActive {
			return PublishResult{ArtifactID: id, Created: false}, nil
		}
		return PublishResult{}, supersededConflict(op, id)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return PublishResult{}, err
	}
	for _, in := range inputs {
		if in == id {
			return PublishResult{}, domain.Validation(op, "artifact cannot be its own input")
		}
	}

	unlock, err := s.Cache.Lock(ctx)
	if err != nil {
		return PublishResult{}, domain.IO(op, id, err)
	}
	defer unlock()
	r, err := s.repo()
	if err != nil {
		return PublishResult{}, err
	}
	// Another writer may have published the same content while we waited.
	if existing, err := r.GetArtifact(ctx, id); err == nil {
		if existing.Status == domain.StatusActive {
			return PublishResult{ArtifactID: id, Created: false}, nil
		}
		return PublishResult{}, supersededConflict(op, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return PublishResult{}, domain.IO(op, id, err)
	}
	supersedes, retire, err := s.resolveSupersedes(ctx, r, req)
	if err != nil {
		return PublishResult{}, err
	}

	dataRel, sidecarRel := dataPaths(req.ArtifactType, req.SchemaVersion, contentHash)
	dataPath := filepath.Join(s.Root, filepath.FromSlash(dataRel))
	if err := fsutil.WriteFileAtomic(dataPath, content, 0o644); err != nil {
		return PublishResult{}, domain.IO(op, dataPath, err)
	}
	fileHash, err := fsutil.FileSHA256(dataPath)
	if err != nil {
		return PublishResult{}, domain.IO(op, dataPath, err)
	}
	now := domain.Timestamp(s.now())
	art := domain.Artifact{
		ArtifactID:       id,
		ArtifactType:     req.ArtifactType,
		SchemaVersion:    req.SchemaVersion,
		LogicalKey:       req.LogicalKey,
		ContentHash:      contentHash,
		FileHash:         fileHash,
		PathData:         dataRel,
		PathSidecar:      sidecarRel,
		Status:           domain.StatusActive,
		Supersedes:       supersedes,
		InputArtifactIDs: inputs,
		Tags:             normaliseTags(req.Tags),
		CreatedAt:        now,
	}
	sidecar, err := json.MarshalIndent(domain.Sidecar{
		ArtifactID:       art.ArtifactID,
		ArtifactType:     art.ArtifactType,
		SchemaVersion:    art.SchemaVersion,
		LogicalKey:       art.LogicalKey,
		ContentHash:      art.ContentHash,
		FileHash:         art.FileHash,
		Format:           format,
		InputArtifactIDs: art.InputArtifactIDs,
		Tags:             art.Tags,
		CreatedAt:        art.CreatedAt,
	}, "", "  ")
	if err != nil {
		return PublishResult{}, domain.IO(op, sidecarRel, err)
	}
	sidecarPath := filepath.Join(s.Root, filepath.FromSlash(sidecarRel))
	if err := fsutil.WriteFileAtomic(sidecarPath, append(sidecar, '\n'), 0o644); err != nil {
		return PublishResult{}, domain.IO(op, sidecarPath, err)
	}

	if s.beforeInsert != nil {
		s.beforeInsert(art)
	}
	err = db.RetryOnContention(func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := applyPublished(ctx, r, tx, art, req.Reason, now); err != nil {
			return err
		}
		if err := s.appendFact(ctx, fact{Fact: factPublished, At: now, Artifact: &art, Reason: req.Reason}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return s.raceLoser(ctx, r, art)
		}
		return PublishResult{}, wrapIO(op, id, err)
	}

	s.logger().Info("artifact published", "artifact_id", id, "artifact_type", art.ArtifactType, "logical_key", art.LogicalKey, "supersedes", supersedes)
	s.emit(ctx, events.ArtifactPublished{ArtifactID: id, ArtifactType: art.ArtifactType, LogicalKey: art.LogicalKey, ContentHash: contentHash})
	if retire {
		s.emit(ctx, events.ArtifactStatusChanged{ArtifactID: supersedes, From: domain.StatusActive, To: domain.StatusSuperseded, Reason: req.Reason})
	}
	return PublishResult{ArtifactID: id, Created: true}, nil
}

// applyPublished writes one published artifact into the cache, retiring or
// linking its predecessor. Live publishes and rebuild replay share it.
func applyPublished(ctx context.Context, r repo.Repo, tx *sql.Tx, art domain.Artifact, reason, at string) error {
	if err := r.InsertArtifact(ctx, tx, art); err != nil {
		return err
	}
	if art.Supersedes == "" {
		return nil
	}
	retired, err := r.MarkSuperseded(ctx, tx, art.Supersedes, art.ArtifactID, reason, at)
	if err != nil {
		return err
	}
	if !retired {
		return r.LinkSupersededBy(ctx, tx, art.Supersedes, art.ArtifactID)
	}
	return nil
}

// resolveSupersedes picks the predecessor of a new artifact. retire is true
// when the predecessor is still active and this publish retires it.
func (s Store) resolveSupersedes(ctx context.Context, r repo.Repo, req PublishRequest) (string, bool, error) {
	const op = "manifest.publish"
	if req.Supersedes == "" {
		prev, err := r.LatestUnlinkedSuperseded(ctx, req.ArtifactType, req.LogicalKey)
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, domain.IO(op, "", err)
		}
		return prev.ArtifactID, false, nil
	}
	prev, err := s.GetArtifact(ctx, req.Supersedes)
	if err != nil {
		return "", false, err
	}
	if prev.ArtifactType != req.ArtifactType {
		return "", false, domain.Validation(op, "%s is a %s artifact, cannot be superseded by %s", prev.ArtifactID, prev.ArtifactType, req.ArtifactType)
	}
	if prev.Status == domain.StatusActive {
		return prev.ArtifactID, true, nil
	}
	if prev.SupersededBy != "" {
		return "", false, domain.Validation(op, "%s is already superseded by %s", prev.ArtifactID, prev.SupersededBy)
	}
	return prev.ArtifactID, false, nil
}

// raceLoser resolves a uniqueness violation by returning the winner.
func (s Store) raceLoser(ctx context.Context, r repo.Repo, art domain.Artifact) (PublishResult, error) {
	const op = "manifest.publish"
	winner, err := r.ActiveByContent(ctx, art.ArtifactType, art.SchemaVersion, art.ContentHash)
	if err == nil {
		s.logger().Info("publish lost race, returning winner", "artifact_id", winner.ArtifactID)
		return PublishResult{ArtifactID: winner.ArtifactID, Created: false}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return PublishResult{}, domain.IO(op, art.ArtifactID, err)
	}
	return PublishResult{}, supersededConflict(op, art.ArtifactID)
}

func supersededConflict(op, id string) error {
	return domain.Conflict(op, id, id, "identical content was published and later superseded; publish corrected content instead")
}

// checkShape verifies that every json record carries the required keys.
func checkShape(format string, content []byte, required []string) error {
	if len(required) == 0 {
		return nil
	}
	switch format {
	case canon.FormatJSON:
		return requireKeys(content, required, 0)
	case canon.FormatJSONL:
		lines := bytes.Split(bytes.TrimRight(content, "\n"), []byte{'\n'})
		if len(lines) == 0 || len(lines[0]) == 0 {
			return errors.New("no records")
		}
		for i, line := range lines {
			if err := requireKeys(line, required, i+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireKeys(record []byte, required []string, line int) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil || obj == nil {
		if line > 0 {
			return fmt.Errorf("record %d is not an object", line)
		}
		return errors.New("payload is not an object")
	}
	for _, key := range required {
		if _, ok := obj[key]; !ok {
			if line > 0 {
				return fmt.Errorf("record %d: missing required field %s", line, key)
			}
			return errors.New("missing required field " + key)
		}
	}
	return nil
}

func normaliseInputs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("input artifact id is empty")
		}
		if seen[id] {
			return nil, errors.New("input artifact " + id + " is listed twice")
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func normaliseTags(tags []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
