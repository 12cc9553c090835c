package guard

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newGuard(t *testing.T, path string) *Guard {
	t.Helper()
	g, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestDo_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	// Two guards on the same file behave like two processes.
	guards := []*Guard{newGuard(t, path), newGuard(t, path)}

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(g *Guard) {
			defer wg.Done()
			err := g.Do(context.Background(), func() error {
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}(guards[i%2])
	}
	wg.Wait()

	if got := maxHolders.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
}

func TestDo_ReleasesOnError(t *testing.T) {
	g := newGuard(t, filepath.Join(t.TempDir(), "lock"))
	wantErr := errors.New("boom")
	if err := g.Do(context.Background(), func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Do(ctx, func() error { return nil }); err != nil {
		t.Fatalf("lock not released after error: %v", err)
	}
}

func TestDo_ReleasesOnPanic(t *testing.T) {
	g := newGuard(t, filepath.Join(t.TempDir(), "lock"))
	func() {
		defer func() { _ = recover() }()
		_ = g.Do(context.Background(), func() error { panic("boom") })
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Do(ctx, func() error { return nil }); err != nil {
		t.Fatalf("lock not released after panic: %v", err)
	}
}

func TestDo_CancelWhileWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	holder, waiter := newGuard(t, path), newGuard(t, path)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = holder.Do(context.Background(), func() error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := waiter.Do(ctx, func() error {
		t.Error("waiter should not acquire a held lock")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	close(done)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := waiter.Do(ctx2, func() error { return nil }); err != nil {
		t.Errorf("waiter should acquire after holder released: %v", err)
	}
}

func TestClose(t *testing.T) {
	g := newGuard(t, filepath.Join(t.TempDir(), "lock"))
	g.Close()
	g.Close()
	if err := g.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
