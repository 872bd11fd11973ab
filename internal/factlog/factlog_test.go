package factlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lakereg/internal/domain"
)

func fixedClock(day string) func() time.Time {
	t, _ := time.Parse("2006-01-02", day)
	return func() time.Time { return t.Add(12 * time.Hour) }
}

func newLog(t *testing.T, opts Options) *Log {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock("2025-10-01")
	}
	l, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func TestAppendAndScan(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		loc, err := l.Append(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if loc.Line != i+1 || loc.File != "day=2025-10-01/part-00000.jsonl" {
			t.Fatalf("unexpected location %+v", loc)
		}
	}
	var got []int
	err := l.Scan(ctx, "", func(r Record) error {
		var v struct{ N int }
		if err := json.Unmarshal(r.Raw, &v); err != nil {
			return err
		}
		got = append(got, v.N)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fmt.Sprint(got) != "[0 1 2]" {
		t.Fatalf("scan order %v", got)
	}
}

func TestAppendRejectsBadRecordsBeforeWriting(t *testing.T) {
	l := newLog(t, Options{})
	for _, bad := range []string{"", "not json", "{\"a\":1}\n{\"b\":2}"} {
		_, err := l.Append(context.Background(), []byte(bad))
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("append %q: expected validation error, got %v", bad, err)
		}
	}
	if files, _ := l.Files(""); len(files) != 0 {
		t.Fatalf("rejected appends must not create files: %v", files)
	}
}

func TestRotationBySize(t *testing.T) {
	l := newLog(t, Options{MaxPartBytes: 24})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, []byte(`{"value":"0123456"}`)); err != nil {
			t.Fatal(err)
		}
	}
	files, err := l.Files("")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 {
		t.Fatalf("expected one line per part, got files %v", files)
	}
	if files[3] != "day=2025-10-01/part-00003.jsonl" {
		t.Fatalf("unexpected last part %s", files[3])
	}
}

func TestCrashBeforeRenameLeavesOnlyCompleteLines(t *testing.T) {
	crash := errors.New("simulated crash")
	l := newLog(t, Options{})
	ctx := context.Background()
	if _, err := l.Append(ctx, []byte(`{"ok":1}`)); err != nil {
		t.Fatal(err)
	}
	l.opts.BeforeRename = func(string) error { return crash }
	if _, err := l.Append(ctx, []byte(`{"ok":2}`)); !errors.Is(err, crash) {
		t.Fatalf("expected crash, got %v", err)
	}
	l.opts.BeforeRename = nil

	pdir := filepath.Join(l.Dir(), "day=2025-10-01")
	entries, _ := os.ReadDir(pdir)
	tempFiles := 0
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			tempFiles++
		}
	}
	if tempFiles != 1 {
		t.Fatalf("expected the abandoned temp file to remain, found %d", tempFiles)
	}
	var lines []string
	if err := l.Scan(ctx, "", func(r Record) error {
		lines = append(lines, string(r.Raw))
		return nil
	}); err != nil {
		t.Fatalf("scan after crash: %v", err)
	}
	if len(lines) != 1 || lines[0] != `{"ok":1}` {
		t.Fatalf("visible lines after crash: %v", lines)
	}
	if _, err := l.Append(ctx, []byte(`{"ok":3}`)); err != nil {
		t.Fatalf("append after crash: %v", err)
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, []byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	seen := map[int]bool{}
	_ = l.Scan(ctx, "", func(r Record) error {
		var v struct{ I int }
		_ = json.Unmarshal(r.Raw, &v)
		seen[v.I] = true
		return nil
	})
	if len(seen) != n {
		t.Fatalf("expected %d distinct lines, got %d", n, len(seen))
	}
}

func TestCorruptLineNamesFileAndLine(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	loc, err := l.Append(ctx, []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(loc.Path, []byte("{\"a\":1}\n{broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = l.Scan(ctx, "", func(Record) error { return nil })
	var de *domain.Error
	if !errors.As(err, &de) || !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if de.Path != loc.Path || de.Line != 2 {
		t.Fatalf("corruption location %s:%d", de.Path, de.Line)
	}
}

func TestPartitionsSinceAndStat(t *testing.T) {
	l := newLog(t, Options{})
	ctx := context.Background()
	for _, day := range []string{"2025-09-30", "2025-10-01", "2025-10-02"} {
		l.opts.Now = fixedClock(day)
		if _, err := l.Append(ctx, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	days, err := l.Partitions("2025-10-01")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(days) != "[2025-10-01 2025-10-02]" {
		t.Fatalf("partitions since: %v", days)
	}
	stamps, err := l.Stat("")
	if err != nil {
		t.Fatal(err)
	}
	if len(stamps) != 3 {
		t.Fatalf("stat entries %d", len(stamps))
	}
	for f, s := range stamps {
		if s.Size != 3 {
			t.Fatalf("%s size %d", f, s.Size)
		}
	}
}

func TestCleanupTempRemovesOnlyStaleTemps(t *testing.T) {
	l := newLog(t, Options{LockTimeout: time.Millisecond})
	ctx := context.Background()
	l.opts.BeforeRename = func(string) error { return errors.New("crash") }
	_, _ = l.Append(ctx, []byte(`{}`))
	l.opts.BeforeRename = nil
	time.Sleep(5 * time.Millisecond)
	n, err := l.CleanupTemp()
	if err != nil || n != 1 {
		t.Fatalf("cleanup removed %d, err %v", n, err)
	}
}

func TestConcurrentAppendsTakeOverStaleLockOnce(t *testing.T) {
	l := newLog(t, Options{LockTimeout: time.Second})
	ctx := context.Background()
	pdir := filepath.Join(l.Dir(), "day=2025-10-01")
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(pdir, lockName)
	if err := os.WriteFile(lock, []byte("99999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, []byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	lines := 0
	if err := l.Scan(ctx, "", func(Record) error { lines++; return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if lines != n {
		t.Fatalf("expected %d lines, got %d", n, lines)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Fatalf("lock left behind: %v", err)
	}
}
