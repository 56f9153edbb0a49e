package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPoolShutdownWaitsForRunningTasks(t *testing.T) {
	p := NewPool(context.Background())

	done := make(chan struct{})
	ok := p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return nil
	})
	if !ok {
		t.Fatal("Go returned false on an open pool")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := p.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
}

func TestPoolRefusesWorkAfterShutdown(t *testing.T) {
	p := NewPool(context.Background())
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if p.Go(func(ctx context.Context) error { return nil }) {
		t.Fatal("Go accepted work after Shutdown")
	}
}

func TestPoolPropagatesFirstError(t *testing.T) {
	p := NewPool(context.Background())
	wantErr := errors.New("boom")

	p.Go(func(ctx context.Context) error { return wantErr })

	if err := p.Shutdown(); !errors.Is(err, wantErr) {
		t.Fatalf("Shutdown error = %v, want %v", err, wantErr)
	}
}

func TestNotifyFiresOnce(t *testing.T) {
	n := NewNotify()
	if n.Fired() {
		t.Fatal("Fired before Signal")
	}

	n.Signal()
	n.Signal() // must not panic or block

	select {
	case <-n.C():
	default:
		t.Fatal("C() not closed after Signal")
	}
	if !n.Fired() {
		t.Fatal("Fired false after Signal")
	}
}

func TestBoundedPoolLimitsConcurrency(t *testing.T) {
	bp := NewBoundedPool(context.Background(), 2)

	var mu sync.Mutex
	var running, maxRunning int
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		go bp.Go(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			<-release

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	_ = bp.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if maxRunning > 2 {
		t.Fatalf("observed %d concurrent tasks, want <= 2", maxRunning)
	}
}
