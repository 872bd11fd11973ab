package fsutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"lakereg/internal/backoff"
)

// DefaultStaleLock is how long an untouched lock file is honoured.
const DefaultStaleLock = 30 * time.Second

// Lock takes the exclusive lock file at path, waiting until ctx is done.
// The holder touches the file every staleAfter/3, so only a lock whose
// holder died is ever taken over. The returned func releases the lock.
func Lock(ctx context.Context, path string, staleAfter time.Duration) (func(), error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleLock
	}
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return hold(path, staleAfter), nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if err := breakStale(path, staleAfter); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.Delay(2*time.Millisecond, 100*time.Millisecond, attempt)):
		}
	}
}

func hold(path string, staleAfter time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(staleAfter / 3)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-tick.C:
				_ = os.Chtimes(path, now, now)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = os.Remove(path)
		})
	}
}

// breakStale removes the lock at path when it has not been touched for
// staleAfter. Breakers are serialised by path.break and re-check the lock
// under it: only the file that was seen stale is removed, never a lock
// created after the first look.
func breakStale(path string, staleAfter time.Duration) error {
	seen, err := os.Stat(path)
	if err != nil || time.Since(seen.ModTime()) <= staleAfter {
		return nil
	}
	breaker := path + ".break"
	f, err := os.OpenFile(breaker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return err
		}
		// A breaker that died mid-check.
		if info, statErr := os.Stat(breaker); statErr == nil && time.Since(info.ModTime()) > staleAfter {
			_ = os.Remove(breaker)
		}
		return nil
	}
	f.Close()
	defer os.Remove(breaker)

	again, err := os.Stat(path)
	if err != nil || !os.SameFile(seen, again) || time.Since(again.ModTime()) <= staleAfter {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
