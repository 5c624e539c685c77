// Package operate is the orchestration engine's runtime entry point: it
// materializes a *spec.Spec into a running fsm.Machine, merges in a
// terminal-delivery patch that writes the single-shot completion slot, and
// returns an Operation handle exposing abort/status/wait/deref. Grounded
// on dmitrymomot/saaskit's pkg/async.Future for the completion-slot shape
// and on the teacher's hsm.Start for the materialize-then-fire-start
// sequence.
package operate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmachine/orchestrator/fsm"
	"github.com/flowmachine/orchestrator/muid"
	"github.com/flowmachine/orchestrator/pool"
	"github.com/flowmachine/orchestrator/spec"
)

// Option configures a single call to Operate.
type Option func(*options)

type options struct {
	dispatcher pool.Dispatcher
	scheduler  pool.Scheduler
	logger     *slog.Logger
}

// WithDispatcher overrides the dispatch pool used for this operation's
// cross-machine event delivery. Defaults to a pool.GoDispatcher.
func WithDispatcher(d pool.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithScheduler overrides the scheduler pool used to arm this operation's
// timers. Defaults to a pool.PondScheduler with the floor of three workers.
func WithScheduler(s pool.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithLogger overrides the logger this operation logs its lifecycle to.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func defaultOptions() *options {
	return &options{
		dispatcher: pool.NewGoDispatcher(),
		scheduler:  pool.NewPondScheduler(3),
		logger:     slog.Default(),
	}
}

// completion is the single-shot completion slot spec.md describes: a cell
// that can be written exactly once, by the entry hook of whichever
// terminal state is first reached, and read any number of times
// thereafter.
type completion struct {
	once       sync.Once
	done       chan struct{}
	ok         bool
	result     any
	failReason any
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// deliver is safe to call more than once; only the first call has any
// effect, keeping the exactly-once invariant even if, for instance, a
// timer fires just as a completed transition is also in flight.
func (c *completion) deliver(ok bool, result, failReason any) {
	c.once.Do(func() {
		c.ok = ok
		c.result = result
		c.failReason = failReason
		close(c.done)
	})
}

// Operation is a running, materialized Spec plus its completion slot. It
// is returned by Operate and is the only supported way to observe or
// cancel the work in progress.
type Operation struct {
	id      muid.MUID
	machine *fsm.Machine
	slot    *completion
	logger  *slog.Logger
}

// ID returns this operation's engine-assigned identifier.
func (o *Operation) ID() muid.MUID {
	return o.id
}

// Operate materializes s, fires its start event, and returns immediately
// with a handle to the now-running Operation. The operation becomes
// `running` synchronously inside this call, per spec.md's lifecycle note.
func Operate(s *spec.Spec, opts ...Option) *Operation {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	rt := &spec.Runtime{Dispatcher: o.dispatcher, Scheduler: o.scheduler, Logger: o.logger}
	id := muid.Make()
	slot := newCompletion()

	patch := terminalDeliveryPatch(slot)
	merged := &spec.Spec{Kind: s.Kind, Name: s.Name, Def: fsm.Merge(s.Def, patch)}
	m := spec.Materialize(merged, rt)

	o.logger.Info("operation starting", slog.String("op_id", id.String()), slog.String("spec", s.Name))
	m.Dispatch(context.Background(), spec.EvStart)

	return &Operation{id: id, machine: m, slot: slot, logger: o.logger}
}

// terminalDeliveryPatch installs the entry hooks operate.Operate merges
// onto every spec it runs: on entering completed/failed/aborted/timed-out,
// deliver the operation's outcome to the completion slot exactly once.
// timed-out is included per spec.md §4.7 step 2 even though none of this
// module's built-in combinators currently transition into it directly
// (Timeout transitions to failed carrying a timed-out fail-reason instead,
// matching spec.md's own end-to-end scenario 5); a future combinator that
// does use the literal timed-out state is covered for free.
func terminalDeliveryPatch(slot *completion) *fsm.Definition {
	p := fsm.NewDefinition("", "", nil)
	p.Entry(spec.Completed, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		slot.deliver(true, m.Data().Result, nil)
		return false
	})
	failing := func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		slot.deliver(false, m.Data().Result, m.Data().FailReason)
		return false
	}
	p.Entry(spec.Failed, failing)
	p.Entry(spec.Aborted, failing)
	p.Entry(spec.TimedOut, failing)
	return p
}

// OpStackDepth returns the current depth of the root machine's op-stack, a
// coarse proxy for how deeply nested into a composed spec the operation
// currently is.
func (o *Operation) OpStackDepth() int {
	return len(o.machine.Data().OpStack)
}

// Env returns the named bindings accumulated so far by the innermost
// running Sequence, if the operation's spec is or contains one; nil
// otherwise.
func (o *Operation) Env() map[string]any {
	return spec.EnvOf(o.machine)
}

// History returns the operation's recorded state history, populated only
// if its spec enabled fsm.RecordHistory (spec.Sequence does).
func (o *Operation) History() []fsm.HistoryEntry {
	return o.machine.History()
}

// Abort fires an abort event on the root machine. Effect is cooperative:
// the operation stops at the next point its running spec checks for it.
func (o *Operation) Abort() {
	o.machine.Dispatch(context.Background(), spec.EvAbort)
}

// Status is a snapshot of the operation's current state name and result/
// fail-reason fields, consistent under the machine's transition lock.
type Status struct {
	State      fsm.State
	Result     any
	FailReason any
}

// Status returns a consistent snapshot of the operation's current state.
func (o *Operation) Status() Status {
	// Machine.Data() is safe to read here because a concurrent transition
	// would be contending for the same mutex State() takes; reading State
	// first and Data after can observe an interleaving newer than the
	// state we report, which is fine — Status is a snapshot, not a
	// transactional read, exactly like the teacher's own TakeSnapshot.
	st := o.machine.State()
	d := o.machine.Data()
	return Status{State: st, Result: d.Result, FailReason: d.FailReason}
}

// IsComplete reports true once completed, false once any other terminal
// state is reached, and is still unknown (ok=false) while running.
func (o *Operation) IsComplete() (complete bool, ok bool) {
	select {
	case <-o.slot.done:
		return o.slot.ok, true
	default:
		return false, false
	}
}

// IsFailed reports true once the operation reached failed, aborted, or
// timed-out.
func (o *Operation) IsFailed() (failed bool, ok bool) {
	select {
	case <-o.slot.done:
		return !o.slot.ok, true
	default:
		return false, false
	}
}

// IsRunning reports whether the completion slot has not yet been realized.
func (o *Operation) IsRunning() bool {
	select {
	case <-o.slot.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the operation reaches a terminal state and returns its
// result, or an error wrapping the fail-reason if it did not succeed.
func (o *Operation) Wait() (any, error) {
	<-o.slot.done
	if o.slot.ok {
		return o.slot.result, nil
	}
	return o.slot.result, &Error{FailReason: o.slot.failReason}
}

// WaitTimeout blocks until either the operation terminates or d elapses,
// whichever comes first; on timeout it returns fallback and ok=false.
func (o *Operation) WaitTimeout(d time.Duration, fallback any) (value any, ok bool) {
	select {
	case <-o.slot.done:
		if o.slot.ok {
			return o.slot.result, true
		}
		return o.slot.result, true
	case <-time.After(d):
		return fallback, false
	}
}

// Deref blocks like Wait, but panics with the recovered user-code error if
// the fail-reason carries one (spec.md's "re-raise to caller" for deref),
// rather than returning an error the way Wait does.
func (o *Operation) Deref() any {
	result, err := o.Wait()
	if err == nil {
		return result
	}
	if exc, ok := asException(o.slot.failReason); ok {
		panic(exc)
	}
	return result
}

func asException(failReason any) (error, bool) {
	fr, ok := failReason.(spec.FailReason)
	if !ok {
		return nil, false
	}
	m, ok := fr.Raw().(map[string]any)
	if !ok {
		return nil, false
	}
	err, ok := m["exception"].(error)
	return err, ok
}

// Error wraps a non-success fail-reason so Wait's returned error satisfies
// the standard error interface while still exposing the original value via
// FailReason for callers that want the structured shape.
type Error struct {
	FailReason any
}

func (e *Error) Error() string {
	if fr, ok := e.FailReason.(spec.FailReason); ok {
		return "operation failed: " + formatRaw(fr.Raw())
	}
	return "operation failed"
}

func formatRaw(v any) string {
	if m, ok := v.(map[string]any); ok {
		if reason, ok := m["reason"].(string); ok {
			return reason
		}
	}
	return "non-success"
}
