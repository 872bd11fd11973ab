package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/factlog"
	"lakereg/internal/logger"
)

const defaultDecodeWorkers = 4

// Indexer derives the events cache from the events/ fact tree.
type Indexer struct {
	Facts   *factlog.Log
	Cache   *db.Handle
	Workers int
	Log     *logger.Logger
}

type decodedLine struct {
	rec factlog.Record
	ev  Event
}

// Rebuild builds a new cache generation and swaps it in. With since set,
// rows for earlier days are carried over from the live generation and only
// partitions on or after since are re-read.
func (ix *Indexer) Rebuild(ctx context.Context, since string) error {
	unlock, err := ix.Cache.Lock(ctx)
	if err != nil {
		return domain.IO("events.rebuild", "", err)
	}
	defer unlock()
	gen, err := ix.Build(ctx, since)
	if err != nil {
		return err
	}
	if err := ix.Cache.Swap(gen); err != nil {
		db.Discard(gen)
		return domain.IO("events.rebuild", gen.Path, err)
	}
	return nil
}

// Build is Rebuild without the swap. The caller owns the generation.
func (ix *Indexer) Build(ctx context.Context, since string) (*db.Generation, error) {
	const op = "events.rebuild"
	if since != "" && !factlog.ValidDay(since) {
		return nil, domain.Validation(op, "since must be YYYY-MM-DD, got %q", since)
	}
	live, err := db.Current(ix.Cache.Config(), ix.Cache.Name())
	if err != nil {
		return nil, domain.IO(op, "", err)
	}
	if live == "" {
		since = ""
	}
	gen, err := ix.Cache.NewGeneration()
	if err != nil {
		return nil, domain.IO(op, "", err)
	}
	ok := false
	defer func() {
		if !ok {
			db.Discard(gen)
		}
	}()

	if since != "" {
		if err := carryOver(ctx, gen.DB, live, since); err != nil {
			return nil, domain.IO(op, live, err)
		}
	}
	decoded, err := ix.decodeAll(ctx, since)
	if err != nil {
		return nil, err
	}
	tx, err := gen.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.IO(op, gen.Path, err)
	}
	defer tx.Rollback()
	for _, files := range decoded {
		for _, d := range files {
			if err := insertEvent(ctx, tx, d); err != nil {
				return nil, err
			}
		}
	}
	if err := project(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.IO(op, gen.Path, err)
	}
	ok = true
	if ix.Log != nil {
		ix.Log.Info("events index built", "since", since, "files", len(decoded), "generation", gen.Path)
	}
	return gen, nil
}

func carryOver(ctx context.Context, dst *sql.DB, livePath, since string) error {
	conn, err := dst.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS prev`, livePath); err != nil {
		return fmt.Errorf("attach live generation: %w", err)
	}
	defer conn.ExecContext(context.Background(), `DETACH DATABASE prev`)
	_, err = conn.ExecContext(ctx, `INSERT INTO events(seq,event_id,event_type,timestamp_ms,day,file,line,payload_json)
SELECT seq,event_id,event_type,timestamp_ms,day,file,line,payload_json FROM prev.events WHERE day < ? ORDER BY seq`, since)
	return err
}

// decodeAll reads and decodes every part file concurrently. Results keep
// file order so ingestion stays deterministic.
func (ix *Indexer) decodeAll(ctx context.Context, since string) ([][]decodedLine, error) {
	files, err := ix.Facts.Files(since)
	if err != nil {
		return nil, err
	}
	workers := ix.Workers
	if workers <= 0 {
		workers = defaultDecodeWorkers
	}
	out := make([][]decodedLine, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := ix.Facts.ReadFile(file)
			if err != nil {
				return err
			}
			lines := make([]decodedLine, 0, len(recs))
			for _, rec := range recs {
				ev, err := Decode(rec.Raw)
				if err != nil {
					return domain.Corruption("events.rebuild", rec.Path, rec.Line, err)
				}
				lines = append(lines, decodedLine{rec: rec, ev: ev})
			}
			out[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, d decodedLine) error {
	day := strings.TrimPrefix(d.rec.Partition, "day=")
	_, err := tx.ExecContext(ctx, `INSERT INTO events(event_id,event_type,timestamp_ms,day,file,line,payload_json) VALUES (?,?,?,?,?,?,?)`,
		d.ev.EventID, d.ev.EventType, d.ev.TimestampMs, day, d.rec.File, d.rec.Line, string(d.rec.Raw))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.Corruption("events.rebuild", d.rec.Path, d.rec.Line, fmt.Errorf("duplicate event id %s", d.ev.EventID))
		}
		return domain.IO("events.rebuild", d.rec.Path, err)
	}
	return nil
}

// project recomputes every derived table by replaying the indexed events.
func project(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"run_status", "artifact_activity", "runset_activity"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return domain.IO("events.project", table, err)
		}
	}
	rows, err := tx.QueryContext(ctx, `SELECT file,line,payload_json FROM events ORDER BY day, file, line`)
	if err != nil {
		return domain.IO("events.project", "", err)
	}
	type stored struct {
		file string
		line int
		raw  string
	}
	var all []stored
	for rows.Next() {
		var s stored
		if err := rows.Scan(&s.file, &s.line, &s.raw); err != nil {
			rows.Close()
			return domain.IO("events.project", "", err)
		}
		all = append(all, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.IO("events.project", "", err)
	}
	for _, s := range all {
		ev, err := Decode([]byte(s.raw))
		if err != nil {
			return domain.Corruption("events.project", s.file, s.line, err)
		}
		if err := apply(ctx, tx, ev); err != nil {
			return domain.IO("events.project", s.file, err)
		}
	}
	return nil
}

func apply(ctx context.Context, tx *sql.Tx, ev Event) error {
	var err error
	switch p := ev.Payload.(type) {
	case RunCreated:
		_, err = tx.ExecContext(ctx, `INSERT INTO run_status(run_id,status,created_ms) VALUES (?,?,?)
ON CONFLICT(run_id) DO UPDATE SET created_ms=excluded.created_ms`, p.RunID, domain.RunStatusCreated, ev.TimestampMs)
	case RunCompleted:
		_, err = tx.ExecContext(ctx, `INSERT INTO run_status(run_id,status,completed_ms,artifact_count) VALUES (?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, completed_ms=excluded.completed_ms, artifact_count=excluded.artifact_count`,
			p.RunID, domain.RunStatusCompleted, ev.TimestampMs, len(p.ArtifactIDs))
	case RunFailed:
		_, err = tx.ExecContext(ctx, `INSERT INTO run_status(run_id,status,failed_ms,error) VALUES (?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, failed_ms=excluded.failed_ms, error=excluded.error`,
			p.RunID, domain.RunStatusFailed, ev.TimestampMs, p.Error)
	case ArtifactPublished:
		_, err = tx.ExecContext(ctx, `INSERT INTO artifact_activity(artifact_id,published_ms,status) VALUES (?,?,?)
ON CONFLICT(artifact_id) DO UPDATE SET published_ms=COALESCE(artifact_activity.published_ms, excluded.published_ms)`,
			p.ArtifactID, ev.TimestampMs, domain.StatusActive)
	case ArtifactStatusChanged:
		_, err = tx.ExecContext(ctx, `INSERT INTO artifact_activity(artifact_id,status,last_reason,changed_ms) VALUES (?,?,?,?)
ON CONFLICT(artifact_id) DO UPDATE SET status=excluded.status, last_reason=excluded.last_reason, changed_ms=excluded.changed_ms`,
			p.ArtifactID, p.To, nullable(p.Reason), ev.TimestampMs)
	case RunSetResolved:
		_, err = tx.ExecContext(ctx, `INSERT INTO runset_activity(runset_id,resolutions,last_resolution_id,last_resolved_ms) VALUES (?,1,?,?)
ON CONFLICT(runset_id) DO UPDATE SET resolutions=runset_activity.resolutions+1, last_resolution_id=excluded.last_resolution_id, last_resolved_ms=excluded.last_resolved_ms`,
			p.RunSetID, p.ResolutionID, ev.TimestampMs)
	case RunSetFrozen:
		_, err = tx.ExecContext(ctx, `INSERT INTO runset_activity(runset_id,frozen_resolution_id,frozen_ms) VALUES (?,?,?)
ON CONFLICT(runset_id) DO UPDATE SET frozen_resolution_id=excluded.frozen_resolution_id, frozen_ms=excluded.frozen_ms`,
			p.RunSetID, p.ResolutionID, ev.TimestampMs)
	default:
		return fmt.Errorf("no handler for event type %T", p)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (ix *Indexer) conn() (*sql.DB, error) {
	conn, err := ix.Cache.DB()
	if err != nil {
		return nil, domain.IO("events.cache", "", err)
	}
	return conn, nil
}

// RunStatus returns the event-derived status of one run.
func (ix *Indexer) RunStatus(ctx context.Context, runID string) (domain.RunStatus, error) {
	conn, err := ix.conn()
	if err != nil {
		return domain.RunStatus{}, err
	}
	st, err := scanRunStatus(conn.QueryRowContext(ctx, runStatusSelect+` WHERE run_id=?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunStatus{}, domain.NotFound("events.run_status", runID)
	}
	return st, err
}

// RunStatuses returns every known run status keyed by run id.
func (ix *Indexer) RunStatuses(ctx context.Context) (map[string]domain.RunStatus, error) {
	conn, err := ix.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, runStatusSelect+` ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.RunStatus{}
	for rows.Next() {
		st, err := scanRunStatus(rows)
		if err != nil {
			return nil, err
		}
		out[st.RunID] = st
	}
	return out, rows.Err()
}

const runStatusSelect = `SELECT run_id,status,COALESCE(created_ms,0),COALESCE(completed_ms,0),COALESCE(failed_ms,0),COALESCE(error,''),artifact_count FROM run_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunStatus(row rowScanner) (domain.RunStatus, error) {
	var st domain.RunStatus
	err := row.Scan(&st.RunID, &st.Status, &st.CreatedMs, &st.CompletedMs, &st.FailedMs, &st.Error, &st.ArtifactCount)
	return st, err
}

// EventQuery selects indexed events. Zero values mean no constraint.
type EventQuery struct {
	Types    []string
	Since    string
	AfterSeq int64
	Limit    int
}

// Events returns indexed events in log order.
func (ix *Indexer) Events(ctx context.Context, q EventQuery) ([]domain.EventRecord, error) {
	const op = "events.query"
	filter := newEventFilter(q.Types)
	for t := range filter.set {
		if !KnownType(t) {
			return nil, domain.Validation(op, "unknown event type %q", t)
		}
	}
	if q.Since != "" && !factlog.ValidDay(q.Since) {
		return nil, domain.Validation(op, "since must be YYYY-MM-DD, got %q", q.Since)
	}
	if q.Limit < 0 {
		return nil, domain.Validation(op, "limit must not be negative")
	}
	var (
		clauses []string
		args    []any
	)
	if !filter.all {
		marks := make([]string, 0, len(filter.set))
		for _, t := range filter.sorted() {
			marks = append(marks, "?")
			args = append(args, t)
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(marks, ",")+")")
	}
	if q.Since != "" {
		clauses = append(clauses, "day >= ?")
		args = append(args, q.Since)
	}
	if q.AfterSeq > 0 {
		clauses = append(clauses, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	query := `SELECT seq,event_id,event_type,timestamp_ms,day,file,line,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	conn, err := ix.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EventRecord
	for rows.Next() {
		var r domain.EventRecord
		if err := rows.Scan(&r.Seq, &r.EventID, &r.EventType, &r.TimestampMs, &r.Day, &r.File, &r.Line, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
