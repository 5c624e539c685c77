package operate

import (
	"log/slog"
	"sync/atomic"

	"github.com/flowmachine/orchestrator/config"
	"github.com/flowmachine/orchestrator/logging"
	"github.com/flowmachine/orchestrator/pool"
	"github.com/flowmachine/orchestrator/spec"
)

// Stats is a point-in-time read of an Engine's lifecycle counters.
type Stats struct {
	Started   int64
	Completed int64
	Failed    int64
	Aborted   int64
	TimedOut  int64
}

// Engine bundles one dispatch pool, one scheduler, and one logger so a
// program can construct it once and reuse it across many Operate calls,
// the way dmitrymomot/saaskit's pkg/queue.Worker is constructed once and
// shared. It also tracks minimal lifecycle counters — a dependency-free
// counterpart to the logging facility spec.md assumes is external, since
// no metrics library appears anywhere in the retrieved example pack for
// this domain.
type Engine struct {
	dispatcher pool.Dispatcher
	scheduler  pool.Scheduler
	logger     *slog.Logger

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	aborted   atomic.Int64
	timedOut  atomic.Int64
}

// NewEngine builds an Engine from cfg: a PondDispatcher sized to
// cfg.DispatchPoolSize, a PondScheduler sized to cfg.SchedulerPoolSize
// (floored at 3 by pool.NewPondScheduler regardless of cfg), and a logger
// built per cfg.LogLevel/cfg.LogFormat.
func NewEngine(cfg config.Config) *Engine {
	logger := logging.New(logging.WithLevel(cfg.SlogLevel()), logging.WithFormat(cfg.SlogFormat()))
	return &Engine{
		dispatcher: pool.NewPondDispatcher(cfg.DispatchPoolSize, logger),
		scheduler:  pool.NewPondScheduler(cfg.SchedulerPoolSize, logger),
		logger:     logger,
	}
}

// Operate runs s on this Engine's pools and logger, counting its outcome
// in the Engine's Stats once it terminates.
func (e *Engine) Operate(s *spec.Spec) *Operation {
	e.started.Add(1)
	op := Operate(s, WithDispatcher(e.dispatcher), WithScheduler(e.scheduler), WithLogger(e.logger))
	e.dispatcher.Submit(func() {
		e.tally(op)
	})
	return op
}

func (e *Engine) tally(op *Operation) {
	op.Wait()
	st := op.Status()
	switch st.State {
	case spec.Completed:
		e.completed.Add(1)
	case spec.Aborted:
		e.aborted.Add(1)
	case spec.TimedOut:
		e.timedOut.Add(1)
	case spec.Failed:
		if fr, ok := st.FailReason.(spec.FailReason); ok && fr.IsTimedOut() {
			e.timedOut.Add(1)
		} else {
			e.failed.Add(1)
		}
	}
}

// Stats returns a point-in-time read of this Engine's lifecycle counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Started:   e.started.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Aborted:   e.aborted.Load(),
		TimedOut:  e.timedOut.Load(),
	}
}

// Close drains both of the Engine's pools, waiting for in-flight work to
// finish.
func (e *Engine) Close() {
	e.dispatcher.StopAndWait()
	e.scheduler.StopAndWait()
}
