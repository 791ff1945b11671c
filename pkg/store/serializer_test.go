package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSerializerRunsInOrder(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger submissions so the enqueue order is deterministic.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			_ = s.Do(context.Background(), func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(order) != 10 {
		t.Fatalf("expected 10 operations to run, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("operation %d ran at position %d", got, i)
		}
	}
}

func TestSerializerSingleInFlight(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	var inFlight int32
	var maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("expected at most 1 operation in flight, observed %d", got)
	}
}

func TestSerializerFailureDoesNotPoison(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	failure := errors.New("boom")

	if err := s.Do(context.Background(), func() error { return failure }); err != failure {
		t.Fatalf("expected the operation's own error, got %v", err)
	}

	ran := false
	if err := s.Do(context.Background(), func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("operation after a failure returned error: %v", err)
	}
	if !ran {
		t.Error("operation after a failure did not run")
	}
}

func TestSerializerAbandonedWaitStillRuns(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		_ = s.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The second operation is queued behind the blocked one. Its caller
	// gives up, but the operation itself must still run.
	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := s.Do(ctx, func() error {
			close(ran)
			return nil
		})
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		close(finished)
	}()

	cancel()
	<-finished

	select {
	case <-ran:
		t.Fatal("queued operation ran before the one ahead of it finished")
	default:
	}

	close(release)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("abandoned operation never ran")
	}
}

func TestSerializerDoAfterClose(t *testing.T) {
	s := NewSerializer()
	s.Close()

	err := s.Do(context.Background(), func() error { return nil })
	if err != ErrSerializerClosed {
		t.Errorf("expected ErrSerializerClosed, got %v", err)
	}
}

func TestSerializerCloseDrains(t *testing.T) {
	s := NewSerializer()

	var completed int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func() error {
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&completed, 1)
				return nil
			})
		}()
	}

	// Give the submissions time to land in the queue.
	time.Sleep(10 * time.Millisecond)
	s.Close()
	wg.Wait()

	if got := atomic.LoadInt32(&completed); got != 5 {
		t.Errorf("expected all 5 accepted operations to complete, got %d", got)
	}

	// A second Close is a no-op.
	s.Close()
}

func TestSerializerLen(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	if got := s.Len(); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func() error { return nil })
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for s.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 queued operation, got %d", s.Len())
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	<-done

	if got := s.Len(); got != 0 {
		t.Errorf("expected drained queue, got %d", got)
	}
}
