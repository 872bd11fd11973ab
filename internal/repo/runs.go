package repo

import (
	"context"
	"database/sql"
	"strings"

	"lakereg/internal/domain"
)

const runColumns = `run_id,dataset_ids_json,strategy_hash,engine_version,seed,caller,date_from,date_to,artifact_ids_json,created_at`

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var datasets, artifacts string
	var caller, dateFrom, dateTo sql.NullString
	err := row.Scan(&run.RunID, &datasets, &run.StrategyHash, &run.EngineVersion, &run.Seed, &caller, &dateFrom, &dateTo, &artifacts, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Caller = caller.String
	run.DateFrom = dateFrom.String
	run.DateTo = dateTo.String
	if run.DatasetIDs, err = unmarshalStringSlice(datasets); err != nil {
		return run, err
	}
	if run.ArtifactIDs, err = unmarshalStringSlice(artifacts); err != nil {
		return run, err
	}
	return run, nil
}

// InsertRun stores a run. It reports false when the run already existed.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) (bool, error) {
	datasets, err := marshalStringSlice(run.DatasetIDs)
	if err != nil {
		return false, err
	}
	artifacts, err := marshalStringSlice(run.ArtifactIDs)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(run_id) DO NOTHING`,
		run.RunID, datasets, run.StrategyHash, run.EngineVersion, run.Seed, nullable(run.Caller), nullable(run.DateFrom), nullable(run.DateTo), artifacts, run.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, id))
}

// RunFilter narrows ListRuns. Empty fields mean no constraint.
type RunFilter struct {
	Caller       string
	StrategyHash string
}

// ListRuns returns runs ordered by (created_at, run_id).
func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Caller != "" {
		clauses = append(clauses, "caller=?")
		args = append(args, f.Caller)
	}
	if f.StrategyHash != "" {
		clauses = append(clauses, "strategy_hash=?")
		args = append(args, f.StrategyHash)
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, run_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
