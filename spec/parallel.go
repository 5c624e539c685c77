package spec

import (
	"context"

	"github.com/flowmachine/orchestrator/fsm"
)

// OpsComplete is the controller state a Parallel sits in once every child
// has reached a terminal state, before collapsing to completed/failed.
const OpsComplete fsm.State = "ops-complete"

const (
	evOpComplete fsm.Event = "op-complete"
	evOpFail     fsm.Event = "op-fail"
	evComplete   fsm.Event = "complete"
	evFail       fsm.Event = "fail"
)

// childOutcome is the payload a patched child's completed/failed/aborted
// entry hook hands back to the parent via Machine.Fire/Dispatch, carrying
// enough of the child's final state to update the parent's frame without
// the parent reaching back into a child it does not otherwise touch.
type childOutcome struct {
	index      int
	result     any
	failReason any
}

type parallelFrame struct {
	children         []*fsm.Machine
	results          []any // index-aligned with children, input order
	completedResults []any // completion order, used only on the failure path
	failReasons      []any // completion order
	remaining        int
}

// Parallel materializes every child concurrently and completes once all of
// them reach a terminal state. On success, result is every child's result
// in input order, regardless of completion order; on any child failure or
// abort, the compound fails with fail-reason = {reason: "failed-ops",
// fail-reasons: [...]} gathered in completion order. An empty child list
// completes immediately with a nil result.
func Parallel(children ...*Spec) *Spec {
	def := fsm.NewDefinition("parallel", Init, fsm.NewData).
		AddState(Completed).AddState(Failed).AddState(Aborted).
		AddState(Running).AddState(OpsComplete).
		FailOnInvalidEvent(Failed)

	def.Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		if len(children) == 0 {
			m.Data().Result = nil
			return Completed, true
		}
		rt := RuntimeOf(m)
		frame := &parallelFrame{
			children:  make([]*fsm.Machine, len(children)),
			results:   make([]any, len(children)),
			remaining: len(children),
		}
		for i, child := range children {
			patch := parallelChildPatch(m, i)
			merged := &Spec{Kind: child.Kind, Name: child.Name, Def: fsm.Merge(child.Def, patch)}
			frame.children[i] = Materialize(merged, rt)
		}
		m.Data().Push(frame)
		return Running, true
	})
	def.On(Init, EvAbort, Aborted, nil, nil)

	def.Entry(Running, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		frame := topParallelFrame(m)
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
		frame := topParallelFrame(m)
		frame.results[outcome.index] = outcome.result
		frame.completedResults = append(frame.completedResults, outcome.result)
		frame.remaining--
		if frame.remaining == 0 {
			return OpsComplete, true
		}
		return "", false
	})
	def.Handle(Running, evOpFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		outcome := m.Payload().(childOutcome)
		frame := topParallelFrame(m)
		frame.failReasons = append(frame.failReasons, outcome.failReason)
		frame.remaining--
		if frame.remaining == 0 {
			return OpsComplete, true
		}
		return "", false
	})
	def.Handle(Running, EvAbort, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := topParallelFrame(m)
		rt := RuntimeOf(m)
		for _, c := range frame.children {
			child := c
			rt.Dispatcher.Submit(func() {
				child.Dispatch(context.Background(), EvAbort)
			})
		}
		return "", false
	})

	def.Entry(OpsComplete, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		frame := topParallelFrame(m)
		if len(frame.failReasons) > 0 {
			m.Fire(evFail)
		} else {
			m.Fire(evComplete)
		}
		return false
	})
	def.Handle(OpsComplete, evComplete, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := popParallelFrame(m)
		m.Data().Result = frame.results
		return Completed, true
	})
	def.Handle(OpsComplete, evFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := popParallelFrame(m)
		m.Data().FailReason = FailedOpsReason(frame.failReasons)
		m.Data().Result = frame.completedResults
		return Failed, true
	})
	def.On(OpsComplete, EvAbort, Aborted, nil, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) {
		popParallelFrame(m)
	})

	return &Spec{Kind: ParallelKind, Name: "parallel", Def: def}
}

func topParallelFrame(m *fsm.Machine) *parallelFrame {
	top, _ := m.Data().Top()
	return top.(*parallelFrame)
}

func popParallelFrame(m *fsm.Machine) *parallelFrame {
	top, _ := m.Data().Pop()
	return top.(*parallelFrame)
}

// parallelChildPatch wires a child's terminal states back to parent,
// dispatched through the dispatch pool rather than called inline, so a
// child notifying its parent never tries to acquire the parent's
// transition lock while still holding its own.
func parallelChildPatch(parent *fsm.Machine, index int) *fsm.Definition {
	p := fsm.NewDefinition("", "", nil)
	p.Entry(Completed, func(ctx context.Context, cm *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(cm)
		result := cm.Data().Result
		rt.Dispatcher.Submit(func() {
			parent.Dispatch(context.Background(), evOpComplete, childOutcome{index: index, result: result})
		})
		return false
	})
	failHook := func(ctx context.Context, cm *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(cm)
		raw := childFailRaw(cm)
		rt.Dispatcher.Submit(func() {
			parent.Dispatch(context.Background(), evOpFail, childOutcome{index: index, failReason: raw})
		})
		return false
	}
	p.Entry(Failed, failHook)
	p.Entry(Aborted, failHook)
	return p
}

// childFailRaw extracts the unwrapped fail-reason value a terminated child
// contributes to a parent's fail-reasons list; an aborted child with no
// explicit fail-reason contributes the literal "aborted" marker.
func childFailRaw(cm *fsm.Machine) any {
	fr := cm.Data().FailReason
	if fr == nil {
		return "aborted"
	}
	if typed, ok := fr.(FailReason); ok {
		return typed.Raw()
	}
	return fr
}
