package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen -source=supervisor.go -destination=../mocks/mock_worker.go -package=mocks

const waitTimeBeforeRestart = 200 * time.Millisecond

var ErrWorkerPanic = errors.New("server: worker panicked")

// Worker is a long-running background task owned by the relay.
// Run blocks until ctx is cancelled or the task fails.
type Worker interface {
	Run(ctx context.Context) error
}

// Supervisor owns every goroutine the relay starts after the listener.
//
//   - Go runs a one-shot task (a client session) and recovers its panics.
//   - Start runs a Worker and restarts it after a crash until ctx is done.
//   - Wait refuses new work and blocks until every tracked goroutine returned.
type Supervisor struct {
	log          *slog.Logger
	restartDelay time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log, restartDelay: waitTimeBeforeRestart}
}

// Go runs fn in a tracked goroutine.  It reports false, without running fn,
// once Wait has been called.
func (s *Supervisor) Go(name string, fn func()) bool {
	if !s.track() {
		return false
	}
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Task panicked", "name", name, "panic", fmt.Sprint(r))
			}
		}()
		fn()
	}()
	return true
}

// Start runs worker under supervision.  A panic or an error restarts it after
// a short delay; a nil return or a cancelled ctx stops it for good.
func (s *Supervisor) Start(ctx context.Context, worker Worker) bool {
	if !s.track() {
		return false
	}
	name := workerName(worker)

	go func() {
		defer s.wg.Done()

		for {
			if ctx.Err() != nil {
				s.log.Debug("Stopping worker", "name", name)
				return
			}

			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
					}
				}()
				return worker.Run(ctx)
			}()

			if err == nil {
				s.log.Debug("Worker finished", "name", name)
				return
			}
			if ctx.Err() != nil {
				s.log.Debug("Worker stopped (context canceled)", "name", name)
				return
			}

			s.log.Warn("Worker crashed, restarting", "name", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
		}
	}()
	return true
}

// Wait closes the supervisor to new work and joins everything it started.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func workerName(w Worker) string {
	t := reflect.TypeOf(w)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
