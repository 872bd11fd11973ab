// Package db owns the disposable sqlite caches.
//
// Each cache lives in generation files <name>.<gen>.db under the cache dir.
// <name>.current names the live generation; swapping a rebuilt cache in is a
// single atomic rename of that pointer, so readers never see a half-built file.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"lakereg/internal/fsutil"
)

const (
	Manifest = "manifest"
	Events   = "events"
	Resolver = "resolver"
)

// Names lists every cache in the order a full rebuild builds them.
var Names = []string{Manifest, Events, Resolver}

type Config struct {
	Workspace string
	CacheDir  string
	// LockTimeout is how long an untouched writer lock is honoured.
	LockTimeout time.Duration
}

func (c Config) dir() string {
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	cacheDir := c.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".lakereg", "cache")
	}
	if filepath.IsAbs(cacheDir) {
		return cacheDir
	}
	return filepath.Join(workspace, cacheDir)
}

// EnsureWorkspace creates the cache directory if missing.
func EnsureWorkspace(cfg Config) (string, error) {
	path := cfg.dir()
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// OpenFile opens one sqlite file in WAL mode with foreign keys on.
func OpenFile(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(30 * time.Minute)
	return conn, nil
}

// Generation is an open cache generation.
type Generation struct {
	Name string
	Path string
	DB   *sql.DB
}

func (g *Generation) Close() error {
	if g == nil || g.DB == nil {
		return nil
	}
	return g.DB.Close()
}

func pointerPath(cfg Config, name string) string {
	return filepath.Join(cfg.dir(), name+".current")
}

// Current returns the live generation file for name, or "" if none was swapped in yet.
func Current(cfg Config, name string) (string, error) {
	data, err := os.ReadFile(pointerPath(cfg, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	file := strings.TrimSpace(string(data))
	if file == "" {
		return "", nil
	}
	return filepath.Join(cfg.dir(), file), nil
}

// OpenLive opens the live generation, creating and swapping in an empty one
// when none exists. init runs on every open (migrations are idempotent).
func OpenLive(cfg Config, name string, init func(*sql.DB) error) (*Generation, error) {
	path, err := Current(cfg, name)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			conn, err := OpenFile(path)
			if err != nil {
				return nil, err
			}
			if err := init(conn); err != nil {
				conn.Close()
				return nil, fmt.Errorf("init %s: %w", name, err)
			}
			return &Generation{Name: name, Path: path, DB: conn}, nil
		}
	}
	gen, err := NewGeneration(cfg, name, init)
	if err != nil {
		return nil, err
	}
	if err := Swap(cfg, gen); err != nil {
		gen.Close()
		return nil, err
	}
	return gen, nil
}

// NewGeneration creates a fresh, empty generation file that is not yet live.
func NewGeneration(cfg Config, name string, init func(*sql.DB) error) (*Generation, error) {
	dir, err := EnsureWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%d.db", name, time.Now().UTC().UnixNano()))
	conn, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	if err := init(conn); err != nil {
		conn.Close()
		_ = removeGeneration(path)
		return nil, fmt.Errorf("init %s: %w", name, err)
	}
	return &Generation{Name: name, Path: path, DB: conn}, nil
}

// Discard closes and deletes a generation that was never swapped in.
func Discard(gen *Generation) {
	if gen == nil {
		return
	}
	_ = gen.Close()
	_ = removeGeneration(gen.Path)
}

// Swap makes gen the live generation and prunes generations older than the
// one it replaces. The replaced generation is kept because other processes
// may still hold it open.
func Swap(cfg Config, gen *Generation) error {
	prev, err := Current(cfg, gen.Name)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(pointerPath(cfg, gen.Name), []byte(filepath.Base(gen.Path)+"\n"), 0o644); err != nil {
		return fmt.Errorf("swap %s: %w", gen.Name, err)
	}
	pruneGenerations(cfg, gen.Name, gen.Path, prev)
	return nil
}

func pruneGenerations(cfg Config, name string, keep ...string) {
	keepSet := map[string]bool{}
	for _, k := range keep {
		if k != "" {
			keepSet[filepath.Base(k)] = true
		}
	}
	for _, path := range listGenerations(cfg, name) {
		if keepSet[filepath.Base(path)] {
			continue
		}
		_ = removeGeneration(path)
	}
}

func listGenerations(cfg Config, name string) []string {
	entries, err := os.ReadDir(cfg.dir())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, name+".") || !strings.HasSuffix(n, ".db") {
			continue
		}
		gen := strings.TrimSuffix(strings.TrimPrefix(n, name+"."), ".db")
		if _, err := strconv.ParseInt(gen, 10, 64); err != nil {
			continue
		}
		out = append(out, filepath.Join(cfg.dir(), n))
	}
	sort.Strings(out)
	return out
}

func removeGeneration(path string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return os.Remove(path)
}

// Handle follows the live generation of one cache. DB reopens transparently
// after another process swaps the pointer.
type Handle struct {
	cfg  Config
	name string
	init func(*sql.DB) error

	mu  sync.Mutex
	gen *Generation
}

func NewHandle(cfg Config, name string, init func(*sql.DB) error) *Handle {
	return &Handle{cfg: cfg, name: name, init: init}
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Config() Config { return h.cfg }

// DB returns the connection pool of the live generation.
func (h *Handle) DB() (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, err := Current(h.cfg, h.name)
	if err != nil {
		return nil, err
	}
	if h.gen != nil && current != "" && filepath.Base(current) == filepath.Base(h.gen.Path) {
		return h.gen.DB, nil
	}
	gen, err := OpenLive(h.cfg, h.name, h.init)
	if err != nil {
		return nil, err
	}
	if h.gen != nil {
		_ = h.gen.Close()
	}
	h.gen = gen
	return gen.DB, nil
}

// Lock excludes every other writer of this cache, in any process, until
// the returned func is called. Writers hold it from the fact append through
// the cache commit; a rebuild holds it from the first fact read through the
// swap, so no committed fact can miss the new generation.
func (h *Handle) Lock(ctx context.Context) (func(), error) {
	dir, err := EnsureWorkspace(h.cfg)
	if err != nil {
		return nil, err
	}
	return fsutil.Lock(ctx, filepath.Join(dir, h.name+".lock"), h.cfg.LockTimeout)
}

// LockAll locks handles in order and releases them in reverse.
func LockAll(ctx context.Context, handles ...*Handle) (func(), error) {
	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, h := range handles {
		unlock, err := h.Lock(ctx)
		if err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", h.Name(), err)
		}
		held = append(held, unlock)
	}
	return release, nil
}

// NewGeneration starts an empty, not-yet-live generation of this cache.
func (h *Handle) NewGeneration() (*Generation, error) {
	return NewGeneration(h.cfg, h.name, h.init)
}

// Swap makes gen live and adopts it as the handle's connection.
func (h *Handle) Swap(gen *Generation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := Swap(h.cfg, gen); err != nil {
		return err
	}
	if h.gen != nil && h.gen != gen {
		_ = h.gen.Close()
	}
	h.gen = gen
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen == nil {
		return nil
	}
	err := h.gen.Close()
	h.gen = nil
	return err
}
