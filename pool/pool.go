// Package pool provides the injectable worker-pool abstractions the
// orchestration engine dispatches onto: a Dispatcher for fire-and-forget
// work (cross-machine event delivery, parallel children) and a Scheduler
// for one-shot delayed callbacks (timeouts). Both are interfaces so tests
// can swap in a synchronous or deterministic implementation, and the
// default production implementations are backed by github.com/alitto/pond/v2
// worker pools.
package pool

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
)

// Dispatcher runs a function asynchronously, on some worker. Submit never
// blocks on the function's completion.
type Dispatcher interface {
	// Submit schedules fn to run asynchronously.
	Submit(fn func())
	// StopAndWait drains queued work and waits for in-flight tasks to
	// finish before returning.
	StopAndWait()
}

// Timer is a handle to a scheduled one-shot callback.
type Timer interface {
	// Cancel stops the callback from running if it has not already
	// started. It is safe to call more than once and after the
	// callback has already fired.
	Cancel()
}

// Scheduler arms one-shot, delayed callbacks.
type Scheduler interface {
	// After arranges for fn to run, on some worker, no sooner than d
	// from now. The returned Timer can cancel it before it fires.
	After(d time.Duration, fn func()) Timer
	// StopAndWait drains queued callbacks and waits for in-flight ones
	// to finish before returning.
	StopAndWait()
}

// PondDispatcher is a Dispatcher backed by a pond.Pool. It is the default
// production Dispatcher: an unbounded-growth worker pool whose size is set
// at construction from config.Config.DispatchPoolSize.
type PondDispatcher struct {
	pool   pond.Pool
	logger *slog.Logger
}

// NewPondDispatcher returns a PondDispatcher with maxWorkers concurrent
// goroutines. A maxWorkers of zero or less is treated as unbounded per
// pond's own convention. An optional logger receives report-exceptions
// panic logs; slog.Default() is used if omitted or nil.
func NewPondDispatcher(maxWorkers int, logger ...*slog.Logger) *PondDispatcher {
	return &PondDispatcher{pool: pond.NewPool(maxWorkers), logger: resolveLogger(logger)}
}

// Submit schedules fn to run on the pool, wrapped so a panic inside it is
// recovered and logged rather than crashing a pool worker.
func (d *PondDispatcher) Submit(fn func()) {
	d.pool.Submit(reportExceptions(d.logger, fn))
}

// StopAndWait drains the pool.
func (d *PondDispatcher) StopAndWait() {
	d.pool.StopAndWait()
}

// GoDispatcher is a Dispatcher that runs every submission on its own bare
// goroutine. It is useful in tests that want deterministic, uncapped
// concurrency without pulling in a pool implementation.
type GoDispatcher struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewGoDispatcher returns a GoDispatcher. An optional logger receives
// report-exceptions panic logs; slog.Default() is used if omitted or nil.
func NewGoDispatcher(logger ...*slog.Logger) *GoDispatcher {
	return &GoDispatcher{logger: resolveLogger(logger)}
}

// Submit runs fn on a new goroutine, wrapped so a panic inside it is
// recovered and logged rather than crashing the process — GoDispatcher has
// no worker pool to isolate a task's panic from its siblings the way pond
// does, so it needs this wrapper even more than PondDispatcher does.
func (d *GoDispatcher) Submit(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		reportExceptions(d.logger, fn)()
	}()
}

// StopAndWait waits for every goroutine started by Submit to return.
func (d *GoDispatcher) StopAndWait() {
	d.wg.Wait()
}

// PondScheduler is a Scheduler backed by a pond.Pool with a floor of three
// workers, as required by the orchestration engine's timing guarantees: a
// scheduler with fewer than three workers can starve under a burst of
// concurrently expiring timeouts, delaying callbacks well past their due
// time.
type PondScheduler struct {
	pool   pond.Pool
	logger *slog.Logger
}

const minSchedulerWorkers = 3

// NewPondScheduler returns a PondScheduler with at least three workers,
// regardless of the requested size. An optional logger receives
// report-exceptions panic logs; slog.Default() is used if omitted or nil.
func NewPondScheduler(workers int, logger ...*slog.Logger) *PondScheduler {
	if workers < minSchedulerWorkers {
		workers = minSchedulerWorkers
	}
	return &PondScheduler{pool: pond.NewPool(workers), logger: resolveLogger(logger)}
}

type pondTimer struct {
	t *time.Timer
}

func (pt *pondTimer) Cancel() {
	pt.t.Stop()
}

// After arms a standard library timer that, on firing, submits fn to the
// pond pool rather than running it inline on the timer's own goroutine —
// this keeps scheduler fan-out bounded to the pool's worker count instead
// of spawning one goroutine per outstanding timeout.
func (s *PondScheduler) After(d time.Duration, fn func()) Timer {
	t := time.AfterFunc(d, func() {
		s.pool.Submit(reportExceptions(s.logger, fn))
	})
	return &pondTimer{t: t}
}

// StopAndWait drains the pool backing this scheduler. It does not cancel
// outstanding timers; callers that need that must track and cancel them
// individually via the Timer values returned from After.
func (s *PondScheduler) StopAndWait() {
	s.pool.StopAndWait()
}

// resolveLogger picks the first non-nil logger passed to a constructor's
// optional trailing parameter, falling back to slog.Default().
func resolveLogger(logger []*slog.Logger) *slog.Logger {
	if len(logger) > 0 && logger[0] != nil {
		return logger[0]
	}
	return slog.Default()
}

// reportExceptions wraps fn so a panic inside it is recovered and logged at
// error level instead of propagating: the report-exceptions contract every
// worker task dispatched through this package runs under — an uncaught
// exception is logged and the task exits, never the process.
func reportExceptions(logger *slog.Logger, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("pool: recovered panic in dispatched task",
					"error", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}
}
