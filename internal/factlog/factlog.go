// Package factlog is the append-only, day-partitioned JSON-lines store that
// holds every fact the registry knows. Nothing in it is ever rewritten with
// different meaning: an append produces a new file version that is the old
// content plus one line, swapped in by rename.
package factlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"lakereg/internal/domain"
	"lakereg/internal/fsutil"
)

const (
	DefaultMaxPartBytes = 8 << 20
	DefaultLockTimeout  = 30 * time.Second

	dayPrefix = "day="
	dayLayout = "2006-01-02"
	lockName  = ".lock"
)

var partPattern = regexp.MustCompile(`^part-(\d{5})\.jsonl$`)

type Options struct {
	// MaxPartBytes is the size after which a new part file is started.
	MaxPartBytes int64
	// LockTimeout is how old a partition lock must be to be considered stale.
	LockTimeout time.Duration
	Now         func() time.Time
	// BeforeRename lets tests interrupt an append after the temp file is
	// durable but before it becomes visible.
	BeforeRename fsutil.BeforeRenameHook
}

type Log struct {
	dir  string
	opts Options
}

// Location addresses one line. File is relative to the log directory.
type Location struct {
	Partition string `json:"partition"`
	File      string `json:"file"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
}

type Record struct {
	Location
	Raw []byte
}

type FileStamp struct {
	ModTime time.Time
	Size    int64
}

func Open(dir string, opts Options) (*Log, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("factlog: dir is required")
	}
	if opts.MaxPartBytes <= 0 {
		opts.MaxPartBytes = DefaultMaxPartBytes
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.IO("factlog.open", dir, err)
	}
	return &Log{dir: dir, opts: opts}, nil
}

func (l *Log) Dir() string { return l.dir }

// Day formats t as a partition day.
func Day(t time.Time) string { return t.UTC().Format(dayLayout) }

// ValidDay reports whether s is a YYYY-MM-DD date.
func ValidDay(s string) bool {
	_, err := time.Parse(dayLayout, s)
	return err == nil
}

// Append durably adds one JSON line to today's partition.
func (l *Log) Append(ctx context.Context, line []byte) (Location, error) {
	const op = "factlog.append"
	line = bytes.TrimRight(line, "\n")
	if len(line) == 0 || bytes.ContainsAny(line, "\n\r") {
		return Location{}, domain.Validation(op, "record must be a single non-empty line")
	}
	if !json.Valid(line) {
		return Location{}, domain.Validation(op, "record is not valid json")
	}
	day := Day(l.opts.Now())
	pdir := filepath.Join(l.dir, dayPrefix+day)
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		return Location{}, domain.IO(op, pdir, err)
	}
	release, err := l.lock(ctx, pdir)
	if err != nil {
		return Location{}, err
	}
	defer release()

	name, err := l.targetPart(pdir, int64(len(line)+1))
	if err != nil {
		return Location{}, domain.IO(op, pdir, err)
	}
	target := filepath.Join(pdir, name)
	lines := 0
	err = fsutil.WriteAtomicStream(target, 0o644, l.opts.BeforeRename, func(w io.Writer) error {
		n, err := copyExisting(w, target)
		if err != nil {
			return err
		}
		lines = n
		if _, err := w.Write(line); err != nil {
			return err
		}
		_, err = w.Write([]byte{'\n'})
		return err
	})
	if err != nil {
		return Location{}, domain.IO(op, target, err)
	}
	return Location{
		Partition: dayPrefix + day,
		File:      filepath.ToSlash(filepath.Join(dayPrefix+day, name)),
		Path:      target,
		Line:      lines + 1,
	}, nil
}

// targetPart picks the newest part, or the next one when adding extra bytes
// would exceed MaxPartBytes. An empty part is always reused.
func (l *Log) targetPart(pdir string, extra int64) (string, error) {
	parts, err := listParts(pdir)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return partName(0), nil
	}
	last := parts[len(parts)-1]
	info, err := os.Stat(filepath.Join(pdir, last.name))
	if err != nil {
		return "", err
	}
	if info.Size() > 0 && info.Size()+extra > l.opts.MaxPartBytes {
		return partName(last.index + 1), nil
	}
	return last.name, nil
}

func copyExisting(w io.Writer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	lines := 0
	var last byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			lines += bytes.Count(chunk, []byte{'\n'})
			last = chunk[n-1]
			if _, werr := w.Write(chunk); werr != nil {
				return 0, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != 0 && last != '\n' {
		return 0, fmt.Errorf("%s: last line is not newline-terminated", path)
	}
	return lines, nil
}

// lock serialises read-copy-rename cycles on one partition across processes.
func (l *Log) lock(ctx context.Context, pdir string) (func(), error) {
	path := filepath.Join(pdir, lockName)
	release, err := fsutil.Lock(ctx, path, l.opts.LockTimeout)
	if err != nil {
		return nil, domain.IO("factlog.lock", path, err)
	}
	return release, nil
}

type part struct {
	name  string
	index int
}

func partName(i int) string { return fmt.Sprintf("part-%05d.jsonl", i) }

func listParts(pdir string) ([]part, error) {
	entries, err := os.ReadDir(pdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var parts []part
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := partPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		parts = append(parts, part{name: e.Name(), index: idx})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })
	return parts, nil
}

// Partitions lists day partitions in ascending order, optionally only those
// on or after since (YYYY-MM-DD).
func (l *Log) Partitions(since string) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.IO("factlog.partitions", l.dir, err)
	}
	var days []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dayPrefix) {
			continue
		}
		day := strings.TrimPrefix(e.Name(), dayPrefix)
		if !ValidDay(day) {
			continue
		}
		if since != "" && day < since {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Files lists part files (relative paths) in (day, part) order. In-flight
// temp files and locks are never listed.
func (l *Log) Files(since string) ([]string, error) {
	days, err := l.Partitions(since)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, day := range days {
		parts, err := listParts(filepath.Join(l.dir, dayPrefix+day))
		if err != nil {
			return nil, domain.IO("factlog.files", day, err)
		}
		for _, p := range parts {
			files = append(files, dayPrefix+day+"/"+p.name)
		}
	}
	return files, nil
}

// ReadFile returns every record of one part file. An unparseable line is a
// corruption naming the file and line; a blank final line is ignored.
func (l *Log) ReadFile(rel string) ([]Record, error) {
	path := filepath.Join(l.dir, filepath.FromSlash(rel))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IO("factlog.read", path, err)
	}
	partition := strings.SplitN(rel, "/", 2)[0]
	var out []Record
	lines := bytes.Split(data, []byte{'\n'})
	for i, raw := range lines {
		if len(raw) == 0 && i == len(lines)-1 {
			break
		}
		if !json.Valid(raw) {
			return nil, domain.Corruption("factlog.read", path, i+1, fmt.Errorf("invalid json line"))
		}
		out = append(out, Record{
			Location: Location{Partition: partition, File: rel, Path: path, Line: i + 1},
			Raw:      append([]byte(nil), raw...),
		})
	}
	return out, nil
}

// Scan streams every record in deterministic order.
func (l *Log) Scan(ctx context.Context, since string, fn func(Record) error) error {
	files, err := l.Files(since)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := l.ReadFile(f)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stat returns the modification stamp of every part file.
func (l *Log) Stat(since string) (map[string]FileStamp, error) {
	files, err := l.Files(since)
	if err != nil {
		return nil, err
	}
	out := make(map[string]FileStamp, len(files))
	for _, f := range files {
		info, err := os.Stat(filepath.Join(l.dir, filepath.FromSlash(f)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, domain.IO("factlog.stat", f, err)
		}
		out[f] = FileStamp{ModTime: info.ModTime(), Size: info.Size()}
	}
	return out, nil
}

// CleanupTemp removes temp files abandoned by crashed writers.
func (l *Log) CleanupTemp() (int, error) {
	days, err := l.Partitions("")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, day := range days {
		pdir := filepath.Join(l.dir, dayPrefix+day)
		entries, err := os.ReadDir(pdir)
		if err != nil {
			return removed, domain.IO("factlog.cleanup", pdir, err)
		}
		for _, e := range entries {
			if !fsutil.IsTemp(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || time.Since(info.ModTime()) < l.opts.LockTimeout {
				continue
			}
			if err := os.Remove(filepath.Join(pdir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
