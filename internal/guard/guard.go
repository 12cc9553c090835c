// Package guard serializes history mutations across goroutines and across
// processes sharing the same history directory.
//
// The lock is advisory: it only excludes other osmwatch instances on the
// same host that use the same lock file. Acquisition has no timeout of its
// own; it waits until the lock is granted or the context is cancelled.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("guard closed")

// pollInterval is how often a contended file lock is retried
const pollInterval = 50 * time.Millisecond

// Guard is a mutual-exclusion lock backed by a lock file.
type Guard struct {
	path string

	// sem queues holders inside this process so only one of them polls
	// the file lock at a time.
	sem       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a guard for the given lock file. The parent directory is
// created if missing; the file itself is created on first acquisition.
func New(path string) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Guard{
		path:   path,
		sem:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Do runs fn while holding the lock. The lock is released on every exit
// path, including a panic inside fn.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Close makes subsequent Do calls fail. Holders are not interrupted.
func (g *Guard) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

func (g *Guard) acquire(ctx context.Context) (func(), error) {
	select {
	case <-g.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case <-g.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case g.sem <- struct{}{}:
	}

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-g.sem
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	start := time.Now()
	waiting := false
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			<-g.sem
			return nil, fmt.Errorf("failed to lock %s: %w", g.path, err)
		}
		if ok {
			break
		}
		if !waiting {
			waiting = true
			log.Debug().Str("lock", g.path).Msg("History lock held by another process, waiting")
		}
		select {
		case <-ctx.Done():
			f.Close()
			<-g.sem
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if waiting {
		log.Debug().Str("lock", g.path).Dur("waited", time.Since(start)).Msg("History lock acquired")
	}

	return func() {
		if err := unlock(f); err != nil {
			log.Warn().Err(err).Str("lock", g.path).Msg("Failed to release history lock")
		}
		f.Close()
		<-g.sem
	}, nil
}
