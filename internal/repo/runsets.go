package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lakereg/internal/domain"
)

// InsertRunSet stores a runset spec. It reports false when the id existed.
func (r Repo) InsertRunSet(ctx context.Context, tx *sql.Tx, rs domain.RunSet) (bool, error) {
	spec, err := json.Marshal(rs.Spec)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO runsets(runset_id,spec_json,created_at) VALUES (?,?,?) ON CONFLICT(runset_id) DO NOTHING`,
		rs.RunSetID, string(spec), rs.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanRunSet(row rowScanner) (domain.RunSet, error) {
	var rs domain.RunSet
	var spec string
	err := row.Scan(&rs.RunSetID, &spec, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return rs, ErrNotFound
	}
	if err != nil {
		return rs, err
	}
	if err := json.Unmarshal([]byte(spec), &rs.Spec); err != nil {
		return rs, fmt.Errorf("decode runset %s spec: %w", rs.RunSetID, err)
	}
	return rs, nil
}

func (r Repo) GetRunSet(ctx context.Context, id string) (domain.RunSet, error) {
	return scanRunSet(r.DB.QueryRowContext(ctx, `SELECT runset_id,spec_json,created_at FROM runsets WHERE runset_id=?`, id))
}

func (r Repo) GetRunSetTx(ctx context.Context, tx *sql.Tx, id string) (domain.RunSet, error) {
	return scanRunSet(tx.QueryRowContext(ctx, `SELECT runset_id,spec_json,created_at FROM runsets WHERE runset_id=?`, id))
}

func (r Repo) ListRunSets(ctx context.Context) ([]domain.RunSet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT runset_id,spec_json,created_at FROM runsets ORDER BY created_at, runset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunSet
	for rows.Next() {
		rs, err := scanRunSet(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rs)
	}
	return res, rows.Err()
}

const resolutionColumns = `resolution_id,runset_id,run_ids_json,artifact_ids_json,resolution_hash,timestamp_ms,frozen`

func scanResolution(row rowScanner) (domain.Resolution, error) {
	var res domain.Resolution
	var runs, artifacts string
	var frozen int
	err := row.Scan(&res.ResolutionID, &res.RunSetID, &runs, &artifacts, &res.ResolutionHash, &res.TimestampMs, &frozen)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Frozen = frozen == 1
	if res.RunIDs, err = unmarshalStringSlice(runs); err != nil {
		return res, err
	}
	if res.ArtifactIDs, err = unmarshalStringSlice(artifacts); err != nil {
		return res, err
	}
	return res, nil
}

// InsertResolution appends a resolution at the next sequence number of its
// runset. Inserting an id that already exists is a no-op.
func (r Repo) InsertResolution(ctx context.Context, tx *sql.Tx, res domain.Resolution) error {
	runs, err := marshalStringSlice(res.RunIDs)
	if err != nil {
		return err
	}
	artifacts, err := marshalStringSlice(res.ArtifactIDs)
	if err != nil {
		return err
	}
	frozen := 0
	if res.Frozen {
		frozen = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO resolutions(resolution_id,runset_id,seq,run_ids_json,artifact_ids_json,resolution_hash,timestamp_ms,frozen)
VALUES (?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM resolutions WHERE runset_id=?),?,?,?,?,?) ON CONFLICT(resolution_id) DO NOTHING`,
		res.ResolutionID, res.RunSetID, res.RunSetID, runs, artifacts, res.ResolutionHash, res.TimestampMs, frozen)
	return err
}

func (r Repo) GetResolutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Resolution, error) {
	return scanResolution(tx.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE resolution_id=?`, id))
}

// FrozenResolutionTx returns the pinned resolution of a runset.
func (r Repo) FrozenResolutionTx(ctx context.Context, tx *sql.Tx, runsetID string) (domain.Resolution, error) {
	return frozenResolution(ctx, tx, runsetID)
}

func frozenResolution(ctx context.Context, q queryer, runsetID string) (domain.Resolution, error) {
	return scanResolution(q.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE runset_id=? AND frozen=1`, runsetID))
}

// LatestResolutionTx returns the most recent resolution of a runset.
func (r Repo) LatestResolutionTx(ctx context.Context, tx *sql.Tx, runsetID string) (domain.Resolution, error) {
	return scanResolution(tx.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE runset_id=? ORDER BY seq DESC LIMIT 1`, runsetID))
}

// ListResolutions returns a runset's resolutions oldest first.
func (r Repo) ListResolutions(ctx context.Context, runsetID string) ([]domain.Resolution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resolutionColumns+` FROM resolutions WHERE runset_id=? ORDER BY seq`, runsetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resolution
	for rows.Next() {
		one, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, one)
	}
	return res, rows.Err()
}

// SetFrozen pins or unpins one resolution.
func (r Repo) SetFrozen(ctx context.Context, tx *sql.Tx, resolutionID string, frozen bool) error {
	v := 0
	if frozen {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE resolutions SET frozen=? WHERE resolution_id=?`, v, resolutionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceMembership rewrites the membership rows of a runset from res.
func (r Repo) ReplaceMembership(ctx context.Context, tx *sql.Tx, res domain.Resolution) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM runset_membership WHERE runset_id=?`, res.RunSetID); err != nil {
		return err
	}
	insert := func(kind string, ids []string) error {
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO runset_membership(runset_id,member_kind,position,member_id,resolution_id) VALUES (?,?,?,?,?)`,
				res.RunSetID, kind, i, id, res.ResolutionID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert("run", res.RunIDs); err != nil {
		return err
	}
	return insert("artifact", res.ArtifactIDs)
}

// RunSetsContaining returns the runsets whose effective resolution includes
// member id.
func (r Repo) RunSetsContaining(ctx context.Context, memberID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT runset_id FROM runset_membership WHERE member_id=? ORDER BY runset_id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
