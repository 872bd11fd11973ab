package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/repo"
)

// RebuildReport describes a completed registry rebuild.
type RebuildReport struct {
	Generations map[string]string `json:"generations"`
	Duration    time.Duration     `json:"duration"`
}

// Rebuild builds fresh generations of every cache from the fact trees and
// only then swaps them in. A failure in any build discards all of them and
// leaves the live caches untouched. Cache writers wait for the swap.
func (r *Registry) Rebuild(ctx context.Context) (RebuildReport, error) {
	const op = "registry.rebuild"
	start := time.Now()
	unlock, err := db.LockAll(ctx, r.caches()...)
	if err != nil {
		return RebuildReport{}, domain.IO(op, "", err)
	}
	defer unlock()
	steps := []struct {
		name  string
		build func(context.Context) (*db.Generation, error)
	}{
		{db.Manifest, r.Manifest.Build},
		{db.Events, func(ctx context.Context) (*db.Generation, error) { return r.Indexer.Build(ctx, "") }},
		{db.Resolver, r.Resolver.Build},
	}
	built := map[string]*db.Generation{}
	discard := func() {
		for name, gen := range built {
			db.Discard(gen)
			delete(built, name)
		}
	}
	for _, step := range steps {
		gen, err := step.build(ctx)
		if err != nil {
			discard()
			r.Log.Error("registry rebuild aborted", "cache", step.name, "error", err)
			return RebuildReport{}, err
		}
		built[step.name] = gen
	}

	if r.beforeSwap != nil {
		r.beforeSwap()
	}
	report := RebuildReport{Generations: map[string]string{}}
	for _, h := range r.caches() {
		gen := built[h.Name()]
		if err := h.Swap(gen); err != nil {
			discard()
			r.Log.Error("registry swap failed", "cache", h.Name(), "error", err)
			return RebuildReport{}, domain.IO(op, gen.Path, err)
		}
		delete(built, h.Name())
		report.Generations[h.Name()] = gen.Path
	}
	report.Duration = time.Since(start)
	r.Log.Info("registry rebuilt", "duration", report.Duration.String())
	return report, nil
}

// TableDigest is the sha256 of one cache table's rows in primary-key order.
type TableDigest struct {
	Cache  string `json:"cache"`
	Table  string `json:"table"`
	Rows   int    `json:"rows"`
	SHA256 string `json:"sha256"`
}

// digestOrder is the primary key of every cache table.
var digestOrder = map[string]string{
	"artifacts":         "artifact_id",
	"artifact_inputs":   "artifact_id, position",
	"artifact_tags":     "artifact_id, tag",
	"events":            "seq",
	"run_status":        "run_id",
	"artifact_activity": "artifact_id",
	"runset_activity":   "runset_id",
	"runs":              "run_id",
	"runsets":           "runset_id",
	"resolutions":       "resolution_id",
	"runset_membership": "runset_id, member_kind, position",
}

// Digest hashes every table of every live cache. Two rebuilds over the same
// facts produce the same digests.
func (r *Registry) Digest(ctx context.Context) ([]TableDigest, error) {
	const op = "registry.digest"
	var out []TableDigest
	for _, h := range r.caches() {
		conn, err := h.DB()
		if err != nil {
			return nil, domain.IO(op, h.Name(), err)
		}
		rp := repo.Repo{DB: conn}
		tables, err := rp.Tables(ctx)
		if err != nil {
			return nil, domain.IO(op, h.Name(), err)
		}
		sort.Strings(tables)
		for _, table := range tables {
			order, ok := digestOrder[table]
			if !ok {
				order = "rowid"
			}
			sum := sha256.New()
			rows := 0
			err := rp.TableDigestRows(ctx, table, order, func(row string) error {
				rows++
				sum.Write([]byte(row))
				sum.Write([]byte{'\n'})
				return nil
			})
			if err != nil {
				return nil, domain.IO(op, h.Name()+"."+table, err)
			}
			out = append(out, TableDigest{Cache: h.Name(), Table: table, Rows: rows, SHA256: hex.EncodeToString(sum.Sum(nil))})
		}
	}
	return out, nil
}
