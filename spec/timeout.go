package spec

import (
	"context"
	"time"

	"github.com/flowmachine/orchestrator/fsm"
)

// EvTimeoutFired is the event a Timeout wrapper's armed timer delivers
// when it fires.
const EvTimeoutFired fsm.Event = "timeout-fired"

const timeoutRegistryKey = "timeout"

// Timeout wraps child with a per-state timer budget of d: on entry to any
// non-terminal state of child, a fresh one-shot timer is armed; if it
// fires before the state is exited, the wrapped machine transitions to
// failed with fail-reason = {reason: "timed-out"}. The timer is per state,
// not per operation — every transition clears and rearms it, so composing
// Timeout with Sequence gives each controller state (not each step) its
// own budget, per spec.md's explicit design choice. Wrapping an outer
// Sequence therefore bounds each of its controller states separately; it
// does not put one budget on the sequence as a whole.
func Timeout(child *Spec, d time.Duration) *Spec {
	patch := fsm.NewDefinition("", "", nil)
	for s := range child.Def.States {
		if s == Completed || s == Failed || s == Aborted || s == TimedOut {
			continue
		}
		patch.AddState(s)
		patch.Entry(s, timeoutEntryHook(d))
		patch.Exit(s, timeoutExitHook())
		patch.On(s, EvTimeoutFired, Failed, nil, deliverTimedOut)
	}
	patch.AddState(TimedOut)
	merged := fsm.Merge(child.Def, patch)
	return &Spec{Kind: TimeoutKind, Name: "timeout(" + child.Name + ")", Def: merged}
}

func deliverTimedOut(ctx context.Context, m *fsm.Machine, ev fsm.Event) {
	m.Data().FailReason = TimedOutReason()
}

func timeoutEntryHook(d time.Duration) fsm.Hook {
	return func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(m)
		timer := rt.Scheduler.After(d, func() {
			m.Dispatch(context.Background(), EvTimeoutFired)
		})
		m.Data().Timeouts.Arm(timeoutRegistryKey, timer)
		return false
	}
}

func timeoutExitHook() fsm.Hook {
	return func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		m.Data().Timeouts.Disarm(timeoutRegistryKey)
		return false
	}
}
