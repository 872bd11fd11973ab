package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"
)

func createT(conn *sql.DB) error {
	_, err := conn.Exec(`CREATE TABLE IF NOT EXISTS t(id INTEGER PRIMARY KEY, v TEXT NOT NULL)`)
	return err
}

func TestOpenLiveCreatesAndReopens(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	gen, err := OpenLive(cfg, Manifest, createT)
	if err != nil {
		t.Fatalf("open live: %v", err)
	}
	if _, err := gen.DB.Exec(`INSERT INTO t(v) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	gen.Close()

	again, err := OpenLive(cfg, Manifest, createT)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if again.Path != gen.Path {
		t.Fatalf("reopened %s, want %s", again.Path, gen.Path)
	}
	var n int
	if err := again.DB.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("count = %d, err %v", n, err)
	}
}

func TestSwapKeepsPreviousAndPrunesOlder(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	first, err := OpenLive(cfg, Events, createT)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()
	var gens []*Generation
	for i := 0; i < 2; i++ {
		g, err := NewGeneration(cfg, Events, createT)
		if err != nil {
			t.Fatal(err)
		}
		if err := Swap(cfg, g); err != nil {
			t.Fatal(err)
		}
		g.Close()
		gens = append(gens, g)
	}
	cur, err := Current(cfg, Events)
	if err != nil || cur != gens[1].Path {
		t.Fatalf("current = %s, want %s (%v)", cur, gens[1].Path, err)
	}
	if _, err := os.Stat(gens[0].Path); err != nil {
		t.Fatalf("previous generation should be kept: %v", err)
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("oldest generation should be pruned, stat err %v", err)
	}
}

func TestDiscardRemovesUnswappedGeneration(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	g, err := NewGeneration(cfg, Resolver, createT)
	if err != nil {
		t.Fatal(err)
	}
	Discard(g)
	if _, err := os.Stat(g.Path); !os.IsNotExist(err) {
		t.Fatalf("discarded generation still present: %v", err)
	}
	if cur, _ := Current(cfg, Resolver); cur != "" {
		t.Fatalf("discard must not touch the pointer, got %s", cur)
	}
}

func TestHandleFollowsSwappedGeneration(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	h := NewHandle(cfg, Manifest, createT)
	defer h.Close()
	conn, err := h.DB()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(`INSERT INTO t(v) VALUES ('old')`); err != nil {
		t.Fatal(err)
	}

	// A second handle plays the part of another process rebuilding the cache.
	other := NewHandle(cfg, Manifest, createT)
	defer other.Close()
	gen, err := other.NewGeneration()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gen.DB.Exec(`INSERT INTO t(v) VALUES ('new'), ('new')`); err != nil {
		t.Fatal(err)
	}
	if err := other.Swap(gen); err != nil {
		t.Fatal(err)
	}

	conn, err = h.DB()
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM t WHERE v='new'`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("handle did not follow swap: n=%d err=%v", n, err)
	}
}

func TestLockAllExcludesWritersUntilReleased(t *testing.T) {
	cfg := Config{Workspace: t.TempDir()}
	handles := []*Handle{NewHandle(cfg, Manifest, createT), NewHandle(cfg, Resolver, createT)}
	release, err := LockAll(context.Background(), handles...)
	if err != nil {
		t.Fatalf("lock all: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := handles[1].Lock(ctx); err == nil {
		t.Fatal("writer got the lock while a rebuild held it")
	}
	release()
	unlock, err := handles[1].Lock(context.Background())
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	unlock()
}
