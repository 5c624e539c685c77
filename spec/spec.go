// Package spec implements the FSM specification algebra: the primitive
// specs (Result, Succeed, Fail, Delay), the higher-order combinators
// (Timeout, Parallel, Reduce, Sequence), built by composing fsm.Definitions
// with fsm.Merge, which unions state graphs and chains entry/exit hooks. Every constructor
// here returns a pure, freely shareable *Spec; nothing runs until the
// operate package materializes one into a live fsm.Machine.
package spec

import (
	"log/slog"

	"github.com/flowmachine/orchestrator/fsm"
	"github.com/flowmachine/orchestrator/kind"
	"github.com/flowmachine/orchestrator/pool"
)

// State and Event are re-exported so callers of this package never need to
// import fsm directly for the common case.
type State = fsm.State
type Event = fsm.Event

// The fixed terminal vocabulary every composed spec admits, plus the two
// controller states every combinator routes through.
const (
	Init     State = "init"
	Running  State = "running"
	Completed State = "completed"
	Failed   State = "failed"
	Aborted  State = "aborted"
	TimedOut State = "timed-out"
)

// Events shared by every primitive and combinator.
const (
	EvStart Event = "start"
	EvAbort Event = "abort"
)

// Kind tags, one per primitive/combinator. The combinator kinds derive from
// a common CombinatorKind base and the primitive kinds do not, so
// kind.Is(s.Kind, CombinatorKind) answers "is this produced by a combinator
// rather than a primitive" without a type switch.
var (
	CombinatorKind = kind.Make()

	ResultKind   = kind.Make()
	SucceedKind  = kind.Make()
	FailKind     = kind.Make()
	DelayKind    = kind.Make()
	TimeoutKind  = kind.Make(CombinatorKind)
	ParallelKind = kind.Make(CombinatorKind)
	SequenceKind = kind.Make(CombinatorKind)
	ReduceKind   = kind.Make(CombinatorKind)
	RaceKind     = kind.Make(CombinatorKind)
)

// Spec is a pure, immutable description of an FSM: which primitive or
// combinator produced it (Kind), a human-readable Name, and the compiled
// fsm.Definition. Specs are freely shareable and may be merged into larger
// specs any number of times; Materialize is the only place a Spec becomes
// a running thing.
type Spec struct {
	Kind kind.Kind
	Name string
	Def  *fsm.Definition
}

// IsCombinator reports whether s was produced by a combinator (Timeout,
// Parallel, Sequence, Reduce, Race) rather than a primitive (Result,
// Succeed, Fail, Delay), via the Kind tag every constructor stamps.
// report.ToDOT uses this to annotate a rendered graph's origin.
func (s *Spec) IsCombinator() bool {
	return kind.Is(s.Kind, CombinatorKind)
}

// Runtime bundles the process-scoped executors every materialized Spec
// needs to reach in order to dispatch cross-machine events and arm timers.
// It is constructor-injected (spec.md's "Global pools" design note: make
// the pools injectable) so tests can run on deterministic implementations.
type Runtime struct {
	Dispatcher pool.Dispatcher
	Scheduler  pool.Scheduler
	Logger     *slog.Logger
}

const runtimeExtraKey = "__runtime"

// Materialize instantiates a Spec into a running fsm.Machine, stashing rt
// where the Spec's own hooks and handlers can find it via RuntimeOf. It
// does not fire `start`; callers (operate, and combinators materializing
// their children) do that once the machine is fully wired.
func Materialize(s *Spec, rt *Runtime) *fsm.Machine {
	m := fsm.New(s.Def, rt.Logger)
	m.Data().Extra[runtimeExtraKey] = rt
	return m
}

// RuntimeOf retrieves the Runtime stashed by Materialize. It panics if m
// was not produced by Materialize, since every spec-package hook assumes
// one is present — a programmer error, not a runtime condition to recover
// from.
func RuntimeOf(m *fsm.Machine) *Runtime {
	rt, ok := m.Data().Extra[runtimeExtraKey].(*Runtime)
	if !ok {
		panic("spec: machine was not materialized through spec.Materialize")
	}
	return rt
}

// EnvFrame is implemented by op-stack frames that carry a named binding
// environment, currently only sequenceFrame. EnvOf lets introspection
// tools (package report) read a running Sequence's accumulated bindings
// without package spec exposing sequenceFrame itself.
type EnvFrame interface {
	Env() map[string]any
}

// EnvOf returns the named bindings accumulated so far by the innermost
// Sequence frame on m's op-stack, or nil if none is present.
func EnvOf(m *fsm.Machine) map[string]any {
	for i := len(m.Data().OpStack) - 1; i >= 0; i-- {
		if ef, ok := m.Data().OpStack[i].(EnvFrame); ok {
			return ef.Env()
		}
	}
	return nil
}

// terminalStates lists the terminal state set every plain (non-timeout)
// spec admits, per spec.md invariant 1.
func terminalStates() []State {
	return []State{Completed, Failed, Aborted}
}

// FailReason wraps the opaque value explaining a non-success outcome so
// callers can type-assert or type-switch instead of inspecting raw maps,
// while still exposing the spec-documented shape via Raw for reporting.
type FailReason struct {
	raw any
}

// Raw returns the underlying value in the shape spec.md documents:
// {reason: "timed-out"} for a timeout, {reason: "failed-ops", fail-reasons:
// […]} for a parallel failure, the value passed to Fail verbatim for an
// explicit failure, or {exception: err} for a recovered user-code panic.
func (f FailReason) Raw() any { return f.raw }

func (f FailReason) String() string {
	return "fail-reason"
}

// TimedOutReason builds the FailReason a Timeout wrapper delivers.
func TimedOutReason() FailReason {
	return FailReason{raw: map[string]any{"reason": "timed-out"}}
}

// FailedOpsReason builds the FailReason a Parallel/Race delivers when one
// or more children failed.
func FailedOpsReason(reasons []any) FailReason {
	return FailReason{raw: map[string]any{"reason": "failed-ops", "fail-reasons": reasons}}
}

// ExceptionReason builds the FailReason wrapping a recovered user-code panic.
func ExceptionReason(err error) FailReason {
	return FailReason{raw: map[string]any{"exception": err}}
}

// UserReason wraps a caller-supplied value passed to Fail verbatim.
func UserReason(v any) FailReason {
	return FailReason{raw: v}
}

// IsTimedOut reports whether this FailReason is the one Timeout produces.
func (f FailReason) IsTimedOut() bool {
	m, ok := f.raw.(map[string]any)
	return ok && m["reason"] == "timed-out"
}
