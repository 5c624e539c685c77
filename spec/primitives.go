package spec

import (
	"context"
	"time"

	"github.com/flowmachine/orchestrator/fsm"
)

// evTimerFired is the internal event a Delay's armed timer delivers to its
// own machine when it fires.
const evTimerFired fsm.Event = "timer-fired"

func primitiveStates(def *fsm.Definition) *fsm.Definition {
	return def.AddState(Completed).AddState(Failed).AddState(Aborted).FailOnInvalidEvent(Failed)
}

// Result sets state-data.result to value and completes immediately.
func Result(value any) *Spec {
	def := primitiveStates(fsm.NewDefinition("result", Init, fsm.NewData)).
		Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
			m.Data().Result = value
			return Completed, true
		}).
		On(Init, EvAbort, Aborted, nil, nil)
	return &Spec{Kind: ResultKind, Name: "result", Def: def}
}

// Succeed completes if flag is true, otherwise fails with reason.
func Succeed(flag bool, reason any) *Spec {
	def := primitiveStates(fsm.NewDefinition("succeed", Init, fsm.NewData)).
		Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
			if flag {
				return Completed, true
			}
			m.Data().FailReason = UserReason(reason)
			return Failed, true
		}).
		On(Init, EvAbort, Aborted, nil, nil)
	return &Spec{Kind: SucceedKind, Name: "succeed", Def: def}
}

// Fail transitions straight to failed with the given reason.
func Fail(reason any) *Spec {
	def := primitiveStates(fsm.NewDefinition("fail", Init, fsm.NewData)).
		Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
			m.Data().FailReason = UserReason(reason)
			return Failed, true
		}).
		On(Init, EvAbort, Aborted, nil, nil)
	return &Spec{Kind: FailKind, Name: "fail", Def: def}
}

// Delay transitions to running and arms a one-shot timer for d; when the
// timer fires the machine completes. Go's time.Duration already carries
// its own unit, so unlike spec.md's (duration, unit) pair this takes a
// single time.Duration.
func Delay(d time.Duration) *Spec {
	def := primitiveStates(fsm.NewDefinition("delay", Init, fsm.NewData)).
		On(Init, EvStart, Running, nil, nil).
		On(Running, EvAbort, Aborted, nil, nil).
		On(Running, evTimerFired, Completed, nil, nil).
		Entry(Running, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
			rt := RuntimeOf(m)
			timer := rt.Scheduler.After(d, func() {
				m.Dispatch(context.Background(), evTimerFired)
			})
			m.Data().Timeouts.Arm("delay", timer)
			return false
		}).
		Exit(Running, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
			m.Data().Timeouts.Disarm("delay")
			return false
		})
	return &Spec{Kind: DelayKind, Name: "delay", Def: def}
}
