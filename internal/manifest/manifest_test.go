package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lakereg/internal/config"
	"lakereg/internal/db"
	"lakereg/internal/domain"
	"lakereg/internal/events"
	"lakereg/internal/factlog"
	"lakereg/internal/migrate"
	"lakereg/internal/repo"
)

type testEnv struct {
	root  string
	store Store

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{root: root, now: time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.now = env.now.Add(time.Second)
		return env.now
	}
	cfg := config.Default("test")
	cfg.Artifacts.Schemas["signals"] = map[int]config.ArtifactSchema{1: {Format: "json", Required: []string{"caller"}}}
	cfg.Artifacts.Schemas["blob"] = map[int]config.ArtifactSchema{1: {Format: "raw"}}
	facts, err := factlog.Open(filepath.Join(root, "registry", "artifacts"), factlog.Options{Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	eventFacts, err := factlog.Open(filepath.Join(root, "events"), factlog.Options{Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	cache := db.NewHandle(db.Config{Workspace: root}, db.Manifest, migrate.For(db.Manifest))
	t.Cleanup(func() { cache.Close() })
	env.store = Store{
		Root:   root,
		Facts:  facts,
		Events: events.Log{Facts: eventFacts, Now: clock},
		Cache:  cache,
		Config: cfg,
		Now:    clock,
	}
	return env
}

func (e *testEnv) publish(t *testing.T, req PublishRequest) PublishResult {
	t.Helper()
	res, err := e.store.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return res
}

func alerts(payload string) PublishRequest {
	return PublishRequest{
		Payload:       []byte(payload),
		ArtifactType:  "alerts_v1",
		SchemaVersion: 1,
		LogicalKey:    "caller=whale_watcher,day=2025-10-01",
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".data" {
			n++
		}
		return nil
	})
	return n
}

func TestAlertsScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	original := `{"caller":"whale_watcher","ts":"2025-10-01T09:00:00Z","size":12}` + "\n"

	x := env.publish(t, alerts(original))
	if !x.Created {
		t.Fatal("first publish must create")
	}
	reserialised := `{ "size": 12, "ts": "2025-10-01T09:00:00Z", "caller": "whale_watcher" }` + "\n\n"
	again := env.publish(t, alerts(reserialised))
	if again.ArtifactID != x.ArtifactID || again.Created {
		t.Fatalf("re-publish returned %+v, want %s", again, x.ArtifactID)
	}
	if n := countFiles(t, filepath.Join(env.root, "data")); n != 1 {
		t.Fatalf("expected exactly one payload file, found %d", n)
	}

	superseded, err := env.store.Supersede(ctx, x.ArtifactID, "corrected timestamps")
	if err != nil {
		t.Fatal(err)
	}
	if superseded.Status != domain.StatusSuperseded || superseded.SupersessionReason != "corrected timestamps" {
		t.Fatalf("after supersede: %+v", superseded)
	}

	corrected := `{"caller":"whale_watcher","ts":"2025-10-01T09:00:05Z","size":12}`
	y := env.publish(t, alerts(corrected))
	if y.ArtifactID == x.ArtifactID {
		t.Fatal("corrected content must get a new id")
	}
	got, err := env.store.GetArtifact(ctx, y.ArtifactID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Supersedes != x.ArtifactID {
		t.Fatalf("Y.supersedes = %q, want %s", got.Supersedes, x.ArtifactID)
	}
	old, _ := env.store.GetArtifact(ctx, x.ArtifactID)
	if old.SupersededBy != y.ArtifactID {
		t.Fatalf("X.superseded_by = %q, want %s", old.SupersededBy, y.ArtifactID)
	}
	if _, err := os.Stat(filepath.Join(env.root, filepath.FromSlash(old.PathData))); err != nil {
		t.Fatalf("superseded payload must stay on disk: %v", err)
	}
}

func TestRepublishingSupersededContentConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	x := env.publish(t, alerts(`{"caller":"a","ts":"1"}`))
	if _, err := env.store.Supersede(ctx, x.ArtifactID, "bad"); err != nil {
		t.Fatal(err)
	}
	_, err := env.store.Publish(ctx, alerts(`{"caller":"a","ts":"1"}`))
	var de *domain.Error
	if !errors.As(err, &de) || !errors.Is(err, domain.ErrConflict) || de.ID != x.ArtifactID {
		t.Fatalf("expected conflict naming %s, got %v", x.ArtifactID, err)
	}
}

func TestPublishValidatesBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := map[string]PublishRequest{
		"missing field":  alerts(`{"caller":"a"}`),
		"bad json":       alerts(`{"caller":`),
		"unregistered":   {Payload: []byte("x"), ArtifactType: "mystery", SchemaVersion: 1, LogicalKey: "k"},
		"no logical key": {Payload: []byte("x"), ArtifactType: "blob", SchemaVersion: 1},
		"format clash":   {Payload: []byte("x"), Format: "json", ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"},
		"not an object":  {Payload: []byte(`[1]`), ArtifactType: "signals", SchemaVersion: 1, LogicalKey: "k"},
		"duplicate input": {Payload: []byte("x"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k",
			InputArtifactIDs: []string{"art-1", "art-1"}},
	}
	for name, req := range cases {
		if _, err := env.store.Publish(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
	_, err := env.store.Publish(ctx, PublishRequest{Payload: []byte("x"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k",
		InputArtifactIDs: []string{"art-missing"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown input: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "data")); !os.IsNotExist(err) {
		t.Fatal("rejected publishes must not write payloads")
	}
	if files, _ := env.store.Facts.Files(""); len(files) != 0 {
		t.Fatalf("rejected publishes must not append facts: %v", files)
	}
}

func TestConcurrentIdenticalPublishesReturnOneID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.store.Publish(ctx, PublishRequest{Payload: []byte("same bytes"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
			ids[i], errs[i] = res.ArtifactID, err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("publish %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("publish %d returned %s, want %s", i, ids[i], ids[0])
		}
	}
	list, err := env.store.ListArtifacts(ctx, nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one artifact, got %d (%v)", len(list), err)
	}
}

func TestPublishLosingInsertRaceReturnsWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var winner domain.Artifact
	env.store.beforeInsert = func(art domain.Artifact) {
		// Another process commits the same content between the existence
		// check and our insert.
		live, err := db.Current(env.store.Cache.Config(), db.Manifest)
		if err != nil || live == "" {
			t.Fatalf("live generation: %q %v", live, err)
		}
		other, err := db.OpenFile(live)
		if err != nil {
			t.Fatal(err)
		}
		defer other.Close()
		winner = art
		winner.CreatedAt = "2025-10-01T07:00:00.000Z"
		tx, err := other.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := (repo.Repo{DB: other}).InsertArtifact(ctx, tx, winner); err != nil {
			tx.Rollback()
			t.Fatalf("insert winner: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	res, err := env.store.Publish(ctx, PublishRequest{Payload: []byte("same bytes"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Created || res.ArtifactID != winner.ArtifactID {
		t.Fatalf("publish = %+v, want winner %s with created=false", res, winner.ArtifactID)
	}
	got, err := env.store.GetArtifact(ctx, res.ArtifactID)
	if err != nil || got.CreatedAt != winner.CreatedAt {
		t.Fatalf("stored row = %+v, %v", got, err)
	}
	lines := 0
	if err := env.store.Facts.Scan(ctx, "", func(factlog.Record) error { lines++; return nil }); err != nil {
		t.Fatal(err)
	}
	if lines != 0 {
		t.Fatalf("losing publish appended %d facts", lines)
	}
}

func TestExplicitSupersedeOnPublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.publish(t, PublishRequest{Payload: []byte("v1"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
	b := env.publish(t, PublishRequest{Payload: []byte("v2"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k",
		Supersedes: a.ArtifactID, Reason: "v2 replaces v1"})
	old, _ := env.store.GetArtifact(ctx, a.ArtifactID)
	if old.Status != domain.StatusSuperseded || old.SupersededBy != b.ArtifactID || old.SupersessionReason != "v2 replaces v1" {
		t.Fatalf("predecessor after explicit supersede: %+v", old)
	}
	_, err := env.store.Publish(ctx, PublishRequest{Payload: []byte("v3"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k",
		Supersedes: a.ArtifactID})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("superseding a linked artifact again must fail, got %v", err)
	}
}

func TestSupersedeTwiceIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.publish(t, PublishRequest{Payload: []byte("v1"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
	first, err := env.store.Supersede(ctx, a.ArtifactID, "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.store.Supersede(ctx, a.ArtifactID, "two")
	if err != nil {
		t.Fatal(err)
	}
	if second.SupersessionReason != "one" || second.SupersededAt != first.SupersededAt {
		t.Fatalf("second supersede changed history: %+v", second)
	}
	if _, err := env.store.Supersede(ctx, "art-nope", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLineageAndDownstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	blob := func(payload string, inputs ...string) string {
		return env.publish(t, PublishRequest{Payload: []byte(payload), ArtifactType: "blob", SchemaVersion: 1,
			LogicalKey: payload, InputArtifactIDs: inputs}).ArtifactID
	}
	a := blob("a")
	b := blob("b", a)
	c := blob("c", a)
	d := blob("d", c, b)

	direct, err := env.store.GetLineage(ctx, d, LineageDirect)
	if err != nil || fmt.Sprint(artifactIDs(direct)) != fmt.Sprint([]string{c, b}) {
		t.Fatalf("direct lineage %v %v", artifactIDs(direct), err)
	}
	if direct[0].LogicalKey != "c" || direct[0].ArtifactType != "blob" {
		t.Fatalf("lineage should carry full artifacts, got %+v", direct[0])
	}
	full, err := env.store.GetLineage(ctx, d, LineageFull)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{c, a, b}; fmt.Sprint(artifactIDs(full)) != fmt.Sprint(want) {
		t.Fatalf("full lineage %v, want %v", artifactIDs(full), want)
	}
	down, err := env.store.GetDownstream(ctx, a)
	if err != nil || fmt.Sprint(artifactIDs(down)) != fmt.Sprint([]string{b, c}) {
		t.Fatalf("downstream %v %v", artifactIDs(down), err)
	}
	if _, err := env.store.GetLineage(ctx, d, "sideways"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown mode: %v", err)
	}
}

func artifactIDs(arts []domain.Artifact) []string {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.ArtifactID)
	}
	return out
}

func TestWalkUpstreamDetectsCycle(t *testing.T) {
	graph := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}
	_, err := walkUpstream("a", func(n string) ([]string, error) { return graph[n], nil })
	if !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if err := checkAcyclic(graph); !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption from full check, got %v", err)
	}
	if err := checkAcyclic(map[string][]string{"d": {"b", "c"}, "b": {"a"}, "c": {"a"}}); err != nil {
		t.Fatalf("diamond is not a cycle: %v", err)
	}
}

func TestListArtifactsFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publish(t, PublishRequest{Payload: []byte("1"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "caller=a/day=1", Tags: []string{"prod"}})
	two := env.publish(t, PublishRequest{Payload: []byte("2"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "caller=b/day=1"})
	env.publish(t, alerts(`{"caller":"a","ts":"x"}`))
	if _, err := env.store.Supersede(ctx, two.ArtifactID, "x"); err != nil {
		t.Fatal(err)
	}

	check := func(filter map[string]string, want int) {
		t.Helper()
		got, err := env.store.ListArtifacts(ctx, filter)
		if err != nil {
			t.Fatalf("list %v: %v", filter, err)
		}
		if len(got) != want {
			t.Fatalf("list %v returned %d, want %d", filter, len(got), want)
		}
	}
	check(nil, 3)
	check(map[string]string{"type": "blob"}, 2)
	check(map[string]string{"status": "active"}, 2)
	check(map[string]string{"logical_key_prefix": "caller=a"}, 1)
	check(map[string]string{"logical_key_prefix": "caller="}, 3)
	check(map[string]string{"tag": "prod"}, 1)
	check(map[string]string{"created_from": "2025-10-01", "created_to": "2025-10-01"}, 3)
	check(map[string]string{"created_to": "2025-09-30"}, 0)
	check(map[string]string{"schema_version": "1", "type": "alerts_v1"}, 1)

	for _, bad := range []map[string]string{
		{"owner": "x"},
		{"logical_key; DROP TABLE artifacts": "x"},
		{"status": "deleted"},
		{"created_from": "yesterday"},
		{"schema_version": "one"},
	} {
		if _, err := env.store.ListArtifacts(ctx, bad); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("filter %v: expected validation error, got %v", bad, err)
		}
	}
}

func TestVerifyIntegrity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.publish(t, PublishRequest{Payload: []byte("intact"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
	report, err := env.store.VerifyIntegrity(ctx, a.ArtifactID)
	if err != nil || !report.OK {
		t.Fatalf("verify intact: %+v %v", report, err)
	}
	if err := os.WriteFile(report.Path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	report, err = env.store.VerifyIntegrity(ctx, a.ArtifactID)
	if !errors.Is(err, domain.ErrCorruption) || report.OK || report.Actual == report.Expected {
		t.Fatalf("verify tampered: %+v %v", report, err)
	}
	data, _ := os.ReadFile(report.Path)
	if string(data) != "tampered" {
		t.Fatal("verify must not repair")
	}
}

func TestRebuildReproducesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	x := env.publish(t, alerts(`{"caller":"w","ts":"1"}`))
	if _, err := env.store.Supersede(ctx, x.ArtifactID, "fix"); err != nil {
		t.Fatal(err)
	}
	y := env.publish(t, alerts(`{"caller":"w","ts":"2"}`))
	z := env.publish(t, PublishRequest{Payload: []byte("derived"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "d",
		InputArtifactIDs: []string{y.ArtifactID}, Tags: []string{"t"}})

	before, err := env.store.ListArtifacts(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := env.store.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := env.store.Cache.Swap(gen); err != nil {
		t.Fatal(err)
	}
	after, err := env.store.ListArtifacts(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("rebuild changed artifact count %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.ArtifactID != a.ArtifactID || b.Status != a.Status || b.Supersedes != a.Supersedes ||
			b.SupersededBy != a.SupersededBy || b.SupersededAt != a.SupersededAt || len(b.Tags) != len(a.Tags) {
			t.Fatalf("artifact %d differs after rebuild:\n%+v\n%+v", i, b, a)
		}
	}
	down, _ := env.store.GetDownstream(ctx, y.ArtifactID)
	if len(down) != 1 || down[0].ArtifactID != z.ArtifactID {
		t.Fatalf("reverse index after rebuild: %v", artifactIDs(down))
	}
}

func TestRebuildRejectsCorruptFact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publish(t, PublishRequest{Payload: []byte("v1"), ArtifactType: "blob", SchemaVersion: 1, LogicalKey: "k"})
	if _, err := env.store.Facts.Append(ctx, []byte(`{"fact":"artifact.deleted","at":"x","artifact_id":"art-1"}`)); err != nil {
		t.Fatal(err)
	}
	_, err := env.store.Build(ctx)
	var de *domain.Error
	if !errors.As(err, &de) || !errors.Is(err, domain.ErrCorruption) || de.Line != 2 {
		t.Fatalf("expected corruption on line 2, got %v", err)
	}
}
