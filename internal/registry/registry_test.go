package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lakereg/internal/config"
	"lakereg/internal/domain"
	"lakereg/internal/manifest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	cfg := config.Default("test")
	cfg.Resolver.AllowUnfreeze = true
	reg, err := Open(t.TempDir(), cfg, Options{Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func populate(t *testing.T, reg *Registry) {
	t.Helper()
	ctx := context.Background()
	publish := func(payload string, tags ...string) string {
		res, err := reg.Manifest.Publish(ctx, manifest.PublishRequest{
			Payload:       []byte(payload),
			ArtifactType:  "alerts_v1",
			SchemaVersion: 1,
			LogicalKey:    "caller=w,day=2025-10-01",
			Tags:          tags,
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		return res.ArtifactID
	}
	x := publish(`{"caller":"w","ts":"1"}`, "prod")
	if _, err := reg.Manifest.Supersede(ctx, x, "late data"); err != nil {
		t.Fatal(err)
	}
	y := publish(`{"caller":"w","ts":"2"}`, "prod")
	if _, err := reg.Resolver.RegisterRun(ctx, domain.Run{
		DatasetIDs: []string{"ds"}, StrategyHash: "s", EngineVersion: "1", Caller: "w", ArtifactIDs: []string{y},
	}); err != nil {
		t.Fatal(err)
	}
	rs, err := reg.Resolver.CreateRunSetSpec(ctx, domain.RunSetSpec{DatasetIDs: []string{"ds"}, Tags: []string{"prod"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolver.Resolve(ctx, rs.RunSetID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolver.Freeze(ctx, rs.RunSetID); err != nil {
		t.Fatal(err)
	}
}

func digestString(t *testing.T, reg *Registry) string {
	t.Helper()
	digests, err := reg.Digest(context.Background())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	var b strings.Builder
	for _, d := range digests {
		b.WriteString(d.Cache + "." + d.Table + "=" + d.SHA256 + "\n")
	}
	return b.String()
}

func TestRebuildIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	populate(t, reg)

	if _, err := reg.Rebuild(ctx); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first := digestString(t, reg)
	report, err := reg.Rebuild(ctx)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if len(report.Generations) != 3 {
		t.Fatalf("expected three swapped generations, got %v", report.Generations)
	}
	if second := digestString(t, reg); first != second {
		t.Fatalf("digests differ between rebuilds:\n%s\n%s", first, second)
	}
	if !strings.Contains(first, "resolver.resolutions=") || !strings.Contains(first, "events.run_status=") {
		t.Fatalf("digest is missing tables:\n%s", first)
	}

	status, err := reg.Indexer.RunStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 {
		t.Fatalf("expected one indexed run, got %v", status)
	}
}

func TestRebuildMatchesLiveCaches(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	populate(t, reg)
	// The event cache is only built by the indexer, so compare the others.
	before, err := reg.Digest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	after, err := reg.Digest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	index := map[string]string{}
	for _, d := range after {
		index[d.Cache+"."+d.Table] = d.SHA256
	}
	for _, d := range before {
		if d.Cache == "events" {
			continue
		}
		if index[d.Cache+"."+d.Table] != d.SHA256 {
			t.Errorf("%s.%s differs between live cache and rebuild", d.Cache, d.Table)
		}
	}
}

func TestFailedRebuildLeavesLiveCachesUntouched(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	populate(t, reg)
	if _, err := reg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	before := digestString(t, reg)
	generations := countGenerations(t, reg)

	if _, err := reg.ResolutionFacts.Append(ctx, []byte(`{"fact":"resolution.exploded","at":"x"}`)); err != nil {
		t.Fatal(err)
	}
	_, err := reg.Rebuild(ctx)
	if !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if after := digestString(t, reg); after != before {
		t.Fatalf("failed rebuild changed live caches:\n%s\n%s", before, after)
	}
	if n := countGenerations(t, reg); n != generations {
		t.Fatalf("failed rebuild left %d generation files, had %d", n, generations)
	}
}

func countGenerations(t *testing.T, reg *Registry) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(reg.Root, reg.Config.Storage.CacheDir))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".db" {
			n++
		}
	}
	return n
}

func TestCleanupTemp(t *testing.T) {
	reg := newTestRegistry(t)
	populate(t, reg)
	n, err := reg.CleanupTemp()
	if err != nil || n != 0 {
		t.Fatalf("cleanup on a healthy workspace = %d, %v", n, err)
	}
}

func TestWritesDuringRebuildSurviveTheSwap(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	x, err := reg.Manifest.Publish(ctx, manifest.PublishRequest{
		Payload: []byte(`{"caller":"w","ts":"1"}`), ArtifactType: "alerts_v1", SchemaVersion: 1, LogicalKey: "caller=w,day=2025-10-01",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolver.RegisterRun(ctx, domain.Run{
		DatasetIDs: []string{"ds"}, StrategyHash: "s", EngineVersion: "1", ArtifactIDs: []string{x.ArtifactID},
	}); err != nil {
		t.Fatal(err)
	}
	rs, err := reg.Resolver.CreateRunSetSpec(ctx, domain.RunSetSpec{DatasetIDs: []string{"ds"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolver.Resolve(ctx, rs.RunSetID, false); err != nil {
		t.Fatal(err)
	}

	paused, resume := make(chan struct{}), make(chan struct{})
	reg.beforeSwap = func() {
		close(paused)
		<-resume
	}
	rebuilt := make(chan error, 1)
	go func() {
		_, err := reg.Rebuild(ctx)
		rebuilt <- err
	}()
	<-paused

	type frozenResult struct {
		res domain.Resolution
		err error
	}
	frozen := make(chan frozenResult, 1)
	go func() {
		res, err := reg.Resolver.Freeze(ctx, rs.RunSetID)
		frozen <- frozenResult{res, err}
	}()
	type publishResult struct {
		res manifest.PublishResult
		err error
	}
	published := make(chan publishResult, 1)
	go func() {
		res, err := reg.Manifest.Publish(ctx, manifest.PublishRequest{
			Payload: []byte(`{"caller":"w","ts":"2"}`), ArtifactType: "alerts_v1", SchemaVersion: 1, LogicalKey: "caller=w,day=2025-10-02",
		})
		published <- publishResult{res, err}
	}()

	select {
	case f := <-frozen:
		t.Fatalf("freeze committed while the rebuild held the caches: %+v %v", f.res, f.err)
	case p := <-published:
		t.Fatalf("publish committed while the rebuild held the caches: %+v %v", p.res, p.err)
	case <-time.After(200 * time.Millisecond):
	}
	close(resume)
	if err := <-rebuilt; err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	reg.beforeSwap = nil

	f := <-frozen
	if f.err != nil {
		t.Fatalf("freeze: %v", f.err)
	}
	p := <-published
	if p.err != nil {
		t.Fatalf("publish: %v", p.err)
	}
	if _, err := reg.Manifest.GetArtifact(ctx, p.res.ArtifactID); err != nil {
		t.Fatalf("artifact published during rebuild is missing: %v", err)
	}
	again, err := reg.Resolver.Resolve(ctx, rs.RunSetID, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.ResolutionID != f.res.ResolutionID || !again.Frozen {
		t.Fatalf("resolve after rebuild = %+v, want pin %s", again, f.res.ResolutionID)
	}
	if _, err := reg.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild after concurrent writes: %v", err)
	}
}
