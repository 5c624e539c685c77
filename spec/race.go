package spec

import (
	"context"

	"github.com/flowmachine/orchestrator/fsm"
)

// raceFrame mirrors parallelFrame but tracks only enough to decide when
// the race is settled: the first completion wins outright, and a failure
// only matters if every child eventually fails.
type raceFrame struct {
	children    []*fsm.Machine
	failReasons []any
	remaining   int
	won         bool
}

// Race is an additive, non-spec combinator: it runs every child
// concurrently like Parallel, but completes as soon as the first child
// reaches completed, aborting the rest, and only fails if every child
// fails. It does not appear in spec.md; it composes with Sequence/Timeout
// like any other spec because it is itself a spec, letting callers express
// "whichever finishes first" (dmitrymomot/saaskit's async.WaitAny
// semantics) as a specification rather than a promise combinator.
func Race(children ...*Spec) *Spec {
	def := fsm.NewDefinition("race", Init, fsm.NewData).
		AddState(Completed).AddState(Failed).AddState(Aborted).
		AddState(Running).AddState(OpsComplete).
		FailOnInvalidEvent(Failed)

	def.Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		if len(children) == 0 {
			m.Data().Result = nil
			return Completed, true
		}
		rt := RuntimeOf(m)
		frame := &raceFrame{children: make([]*fsm.Machine, len(children)), remaining: len(children)}
		for i, child := range children {
			patch := raceChildPatch(m, i)
			merged := &Spec{Kind: child.Kind, Name: child.Name, Def: fsm.Merge(child.Def, patch)}
			frame.children[i] = Materialize(merged, rt)
		}
		m.Data().Push(frame)
		return Running, true
	})
	def.On(Init, EvAbort, Aborted, nil, nil)

	def.Entry(Running, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		frame := topRaceFrame(m)
		rt := RuntimeOf(m)
		for _, c := range frame.children {
			child := c
			rt.Dispatcher.Submit(func() {
				child.Dispatch(context.Background(), EvStart)
			})
		}
		return false
	})
	def.Handle(Running, evOpComplete, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		outcome := m.Payload().(childOutcome)
		frame := topRaceFrame(m)
		frame.won = true
		m.Data().Result = outcome.result
		abortSiblings(m, frame.children, outcome.index)
		return OpsComplete, true
	})
	def.Handle(Running, evOpFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		outcome := m.Payload().(childOutcome)
		frame := topRaceFrame(m)
		frame.failReasons = append(frame.failReasons, outcome.failReason)
		frame.remaining--
		if frame.remaining == 0 {
			return OpsComplete, true
		}
		return "", false
	})
	def.Handle(Running, EvAbort, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := topRaceFrame(m)
		abortSiblings(m, frame.children, -1)
		return "", false
	})

	def.Entry(OpsComplete, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		frame := topRaceFrame(m)
		if frame.won {
			m.Fire(evComplete)
		} else {
			m.Fire(evFail)
		}
		return false
	})
	def.Handle(OpsComplete, evComplete, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		m.Data().Pop()
		return Completed, true
	})
	def.Handle(OpsComplete, evFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := topRaceFrame(m)
		m.Data().Pop()
		m.Data().FailReason = FailedOpsReason(frame.failReasons)
		return Failed, true
	})
	def.On(OpsComplete, EvAbort, Aborted, nil, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) {
		m.Data().Pop()
	})

	return &Spec{Kind: RaceKind, Name: "race", Def: def}
}

func topRaceFrame(m *fsm.Machine) *raceFrame {
	top, _ := m.Data().Top()
	return top.(*raceFrame)
}

func abortSiblings(m *fsm.Machine, children []*fsm.Machine, winnerIndex int) {
	rt := RuntimeOf(m)
	for i, c := range children {
		if i == winnerIndex {
			continue
		}
		child := c
		rt.Dispatcher.Submit(func() {
			child.Dispatch(context.Background(), EvAbort)
		})
	}
}

func raceChildPatch(parent *fsm.Machine, index int) *fsm.Definition {
	return parallelChildPatch(parent, index)
}
