package events

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"lakereg/internal/factlog"
	"lakereg/internal/logger"
)

const defaultWatchInterval = 2 * time.Second

// WatchState is the last observed stamp of every part file.
type WatchState struct {
	Files map[string]factlog.FileStamp
}

// Watcher polls the events/ tree and rebuilds the index from the earliest
// day that changed. Its state belongs to the instance.
type Watcher struct {
	Facts   *factlog.Log
	Indexer *Indexer
	Log     *logger.Logger

	mu    sync.Mutex
	state WatchState
}

// Check compares state against the files on disk. It reports the sorted
// days that gained, lost or modified a part file, and the state to carry
// forward.
func (w *Watcher) Check(state WatchState) ([]string, WatchState, error) {
	stamps, err := w.Facts.Stat("")
	if err != nil {
		return nil, state, err
	}
	changed := map[string]struct{}{}
	for file, stamp := range stamps {
		prev, ok := state.Files[file]
		if !ok || prev.Size != stamp.Size || !prev.ModTime.Equal(stamp.ModTime) {
			changed[dayOf(file)] = struct{}{}
		}
	}
	for file := range state.Files {
		if _, ok := stamps[file]; !ok {
			changed[dayOf(file)] = struct{}{}
		}
	}
	days := make([]string, 0, len(changed))
	for d := range changed {
		days = append(days, d)
	}
	sort.Strings(days)
	return days, WatchState{Files: stamps}, nil
}

func dayOf(file string) string {
	part := strings.SplitN(file, "/", 2)[0]
	return strings.TrimPrefix(part, "day=")
}

// Poll runs one check and rebuilds when something changed. The new state
// is kept only if the rebuild succeeded, so a failed rebuild is retried on
// the next poll.
func (w *Watcher) Poll(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	days, next, err := w.Check(w.state)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}
	since := days[0]
	if w.state.Files == nil {
		since = ""
	}
	if err := w.Indexer.Rebuild(ctx, since); err != nil {
		return days, err
	}
	w.state = next
	return days, nil
}

// Run polls until ctx is cancelled. onChange, if set, sees every poll that
// found changes together with the rebuild outcome.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, onChange func(days []string, err error)) error {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		days, err := w.Poll(ctx)
		if err != nil && w.Log != nil {
			w.Log.Warn("events index rebuild failed", "days", strings.Join(days, ","), "error", err)
		}
		if len(days) > 0 && onChange != nil {
			onChange(days, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
