package store

import (
	"context"
	"sync"
)

// task is one queued operation and the channel its result is delivered on.
// done is buffered so the worker never blocks on a caller that gave up.
type task struct {
	fn   func() error
	done chan error
}

// Serializer runs submitted operations strictly one at a time in FIFO
// order. Each adapter owns one Serializer, which is what guarantees at most
// one in-flight read or write per logical store.
//
// The queue is unbounded so a burst of fire-and-forget saves never blocks
// the caller. A failed operation reports its error to its own caller only;
// queued operations behind it still run.
type Serializer struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // signals task availability (buffered, size 1)
	wg     sync.WaitGroup
}

// NewSerializer creates a serializer and starts its worker goroutine.
func NewSerializer() *Serializer {
	s := &Serializer{
		tasks:  make([]task, 0, 8),
		signal: make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Do submits fn and waits for its result. Operations run in submission
// order, one at a time.
//
// ctx governs only the wait: if it expires, Do returns ctx.Err() but the
// accepted operation still runs to completion. There is no mid-flight
// cancellation of a write or delete.
//
// Returns ErrSerializerClosed if Close was already called.
func (s *Serializer) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}
	s.tasks = append(s.tasks, t)
	// Non-blocking signal; the buffer of 1 coalesces multiple signals.
	select {
	case s.signal <- struct{}{}:
	default:
	}
	s.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued operations not yet started.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops intake, waits for all accepted operations to finish, then
// stops the worker. Safe to call more than once.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.signal)
	s.mu.Unlock()

	s.wg.Wait()
}

// run is the single worker loop: drain tasks in order, park on the signal
// channel when idle, exit once closed and drained.
func (s *Serializer) run() {
	defer s.wg.Done()
	for {
		if t, ok := s.tryDequeue(); ok {
			t.done <- t.fn()
			continue
		}

		s.mu.Lock()
		if s.closed && len(s.tasks) == 0 {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		// A closed signal channel always yields, which keeps the drain
		// loop moving during shutdown.
		<-s.signal
	}
}

// tryDequeue pops the front task without blocking.
func (s *Serializer) tryDequeue() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return task{}, false
	}

	t := s.tasks[0]

	// Nil out the slot so the backing array does not retain the closure
	// and its captures until reallocation.
	s.tasks[0] = task{}
	if len(s.tasks) == 1 {
		s.tasks = s.tasks[:0]
	} else {
		s.tasks = s.tasks[1:]
	}

	return t, true
}
