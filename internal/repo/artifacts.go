package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lakereg/internal/domain"
)

const artifactColumns = `artifact_id,artifact_type,schema_version,logical_key,content_hash,file_hash,path_data,path_sidecar,status,supersedes,superseded_by,supersession_reason,superseded_at,created_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var supersedes, supersededBy, reason, supersededAt sql.NullString
	err := row.Scan(&a.ArtifactID, &a.ArtifactType, &a.SchemaVersion, &a.LogicalKey, &a.ContentHash, &a.FileHash,
		&a.PathData, &a.PathSidecar, &a.Status, &supersedes, &supersededBy, &reason, &supersededAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if supersedes.Valid {
		a.Supersedes = supersedes.String
	}
	if supersededBy.Valid {
		a.SupersededBy = supersededBy.String
	}
	if reason.Valid {
		a.SupersessionReason = reason.String
	}
	if supersededAt.Valid {
		a.SupersededAt = supersededAt.String
	}
	return a, nil
}

// InsertArtifact inserts the manifest row, its inputs and its tags.
func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ArtifactID, a.ArtifactType, a.SchemaVersion, a.LogicalKey, a.ContentHash, a.FileHash, a.PathData, a.PathSidecar,
		a.Status, nullable(a.Supersedes), nullable(a.SupersededBy), nullable(a.SupersessionReason), nullable(a.SupersededAt), a.CreatedAt)
	if err != nil {
		return err
	}
	for i, input := range a.InputArtifactIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO artifact_inputs(artifact_id,position,input_id) VALUES (?,?,?)`, a.ArtifactID, i, input); err != nil {
			return fmt.Errorf("insert input %s: %w", input, err)
		}
	}
	for _, tag := range a.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO artifact_tags(artifact_id,tag) VALUES (?,?)`, a.ArtifactID, tag); err != nil {
			return fmt.Errorf("insert tag %s: %w", tag, err)
		}
	}
	return nil
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return getArtifact(ctx, r.DB, id)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	return getArtifact(ctx, tx, id)
}

func getArtifact(ctx context.Context, q queryer, id string) (domain.Artifact, error) {
	a, err := scanArtifact(q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id=?`, id))
	if err != nil {
		return a, err
	}
	if err := fillArtifactLists(ctx, q, &a); err != nil {
		return a, err
	}
	return a, nil
}

func fillArtifactLists(ctx context.Context, q queryer, a *domain.Artifact) error {
	inputs, err := artifactInputs(ctx, q, a.ArtifactID)
	if err != nil {
		return err
	}
	a.InputArtifactIDs = inputs
	rows, err := q.QueryContext(ctx, `SELECT tag FROM artifact_tags WHERE artifact_id=? ORDER BY tag`, a.ArtifactID)
	if err != nil {
		return err
	}
	defer rows.Close()
	a.Tags = []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return err
		}
		a.Tags = append(a.Tags, tag)
	}
	return rows.Err()
}

// ActiveByContent returns the active artifact with this content identity.
func (r Repo) ActiveByContent(ctx context.Context, artifactType string, schemaVersion int, contentHash string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_type=? AND schema_version=? AND content_hash=? AND status=?`,
		artifactType, schemaVersion, contentHash, domain.StatusActive))
}

// MissingArtifacts returns the ids in ids that have no manifest row.
func (r Repo) MissingArtifacts(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE artifact_id=?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// MarkSuperseded flips an active artifact to superseded. It reports false
// when the artifact was not active.
func (r Repo) MarkSuperseded(ctx context.Context, tx *sql.Tx, id, supersededBy, reason, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=?, superseded_by=COALESCE(?, superseded_by), supersession_reason=?, superseded_at=? WHERE artifact_id=? AND status=?`,
		domain.StatusSuperseded, nullable(supersededBy), nullable(reason), at, id, domain.StatusActive)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LinkSupersededBy records the successor of a superseded artifact that has
// none yet.
func (r Repo) LinkSupersededBy(ctx context.Context, tx *sql.Tx, id, successor string) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifacts SET superseded_by=? WHERE artifact_id=? AND superseded_by IS NULL`, successor, id)
	return err
}

// LatestUnlinkedSuperseded finds the newest superseded artifact of a logical
// key that no successor claims yet.
func (r Repo) LatestUnlinkedSuperseded(ctx context.Context, artifactType, logicalKey string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE artifact_type=? AND logical_key=? AND status=? AND superseded_by IS NULL
ORDER BY COALESCE(superseded_at, created_at) DESC, artifact_id DESC LIMIT 1`, artifactType, logicalKey, domain.StatusSuperseded))
}

// ArtifactFilter is an already-validated listing filter.
type ArtifactFilter struct {
	Type             string
	Status           string
	LogicalKeyPrefix string
	CreatedFrom      string
	CreatedTo        string
	Tag              string
	SchemaVersion    int
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]domain.Artifact, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "artifact_type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.LogicalKeyPrefix != "" {
		clauses = append(clauses, "substr(logical_key,1,?)=?")
		args = append(args, len(f.LogicalKeyPrefix), f.LogicalKeyPrefix)
	}
	if f.CreatedFrom != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		clauses = append(clauses, "created_at<?")
		args = append(args, f.CreatedTo)
	}
	if f.Tag != "" {
		clauses = append(clauses, "artifact_id IN (SELECT artifact_id FROM artifact_tags WHERE tag=?)")
		args = append(args, f.Tag)
	}
	if f.SchemaVersion > 0 {
		clauses = append(clauses, "schema_version=?")
		args = append(args, f.SchemaVersion)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return r.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts`+where+` ORDER BY created_at, artifact_id`, args...)
}

// ArtifactsByIDs returns the artifacts among ids, ordered by creation.
func (r Repo) ArtifactsByIDs(ctx context.Context, ids []string) ([]domain.Artifact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id IN (`+placeholders(len(ids))+`) ORDER BY created_at, artifact_id`, args...)
}

func (r Repo) queryArtifacts(ctx context.Context, query string, args ...any) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := fillArtifactLists(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Inputs returns the declared inputs of id in declaration order.
func (r Repo) Inputs(ctx context.Context, id string) ([]string, error) {
	return artifactInputs(ctx, r.DB, id)
}

func artifactInputs(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT input_id FROM artifact_inputs WHERE artifact_id=? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var in string
		if err := rows.Scan(&in); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Downstream returns the artifacts that declare id as an input.
func (r Repo) Downstream(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT i.artifact_id FROM artifact_inputs i JOIN artifacts a ON a.artifact_id=i.artifact_id
WHERE i.input_id=? ORDER BY a.created_at, i.artifact_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Edges returns the whole input graph as artifact -> ordered inputs.
func (r Repo) Edges(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT artifact_id,input_id FROM artifact_inputs ORDER BY artifact_id, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id, in string
		if err := rows.Scan(&id, &in); err != nil {
			return nil, err
		}
		out[id] = append(out[id], in)
	}
	return out, rows.Err()
}
