// Package repo holds the SQL for the three registry caches. Reads go through
// Repo.DB; writes take the caller's transaction.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned by single-row lookups. Callers map it to a
// domain.NotFound naming the id they asked for.
var ErrNotFound = errors.New("not found")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalStringSlice(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStringSlice(payload string) ([]string, error) {
	out := []string{}
	if strings.TrimSpace(payload) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// TableDigestRows streams every row of table ordered by orderBy as
// tab-separated text, for cache digests.
func (r Repo) TableDigestRows(ctx context.Context, table, orderBy string, fn func(row string) error) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT * FROM `+table+` ORDER BY `+orderBy)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		parts := make([]string, len(cols))
		for i, v := range values {
			if v.Valid {
				parts[i] = v.String
			} else {
				parts[i] = "\\N"
			}
		}
		if err := fn(strings.Join(parts, "\t")); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Tables lists user tables of the connected cache, excluding bookkeeping.
func (r Repo) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' AND name <> 'schema_version'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}
