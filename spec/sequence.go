package spec

import (
	"context"
	"fmt"

	"github.com/flowmachine/orchestrator/fsm"
)

// StepCompleted and StepFailed are Sequence's controller states between
// steps: StepCompleted sits between a successful step and the next one (or
// the end of the sequence); StepFailed is a one-tick waypoint on the way
// to Failed, kept distinct so a future extension could hook it the way
// Timeout hooks arbitrary states.
const (
	StepCompleted fsm.State = "step-completed"
	StepFailed    fsm.State = "step-failed"
)

const (
	evStepComplete fsm.Event = "step-complete"
	evStepFail     fsm.Event = "step-fail"
	evStepAbort    fsm.Event = "step-abort"
	evRunNextStep  fsm.Event = "run-next-step"
)

// Step is one binding in a Sequence: F computes the step's child spec from
// the env accumulated so far (and may panic; Sequence recovers and fails
// with an ExceptionReason), Capture folds the child's result into a new
// env, Syms names what Capture adds (for introspection), and OpSym is a
// human-readable label for the step's source expression.
type Step struct {
	F       func(env map[string]any) *Spec
	Capture func(env map[string]any, result any) map[string]any
	Syms    []string
	OpSym   string
}

type sequenceFrame struct {
	env             map[string]any
	steps           []Step
	todo            []Step
	machines        []*fsm.Machine
	capture         func(env map[string]any, result any) map[string]any
	overallResultFn func(env map[string]any) any
}

// Sequence is the controller FSM behind the sequential binding
// comprehension: it runs each step's child spec in source order, threading
// an env of named bindings between steps, and stops at the first step that
// does not complete: a failed step makes it fail and an aborted step makes
// it abort, either way carrying the originating child's fail-reason,
// unmodified. resultFn computes the compound's final result from the env
// after the last step. The seq package's Builder is the ergonomic
// front-end that produces steps and resultFn for callers who would
// otherwise hand-write them.
func Sequence(name string, steps []Step, resultFn func(env map[string]any) any, initialEnv map[string]any) *Spec {
	def := fsm.NewDefinition("sequence:"+name, Init, fsm.NewData).
		Feature(fsm.RecordHistory).
		AddState(Completed).AddState(Failed).AddState(Aborted).
		AddState(Running).AddState(StepCompleted).AddState(StepFailed).
		FailOnInvalidEvent(Failed)

	def.Handle(Init, EvStart, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		env := map[string]any{}
		for k, v := range initialEnv {
			env[k] = v
		}
		frame := &sequenceFrame{
			env:             env,
			steps:           steps,
			todo:            append([]Step{}, steps...),
			overallResultFn: resultFn,
		}
		m.Data().Push(frame)
		if len(frame.todo) == 0 {
			popSeqFrame(m)
			m.Data().Result = resultFn(env)
			return Completed, true
		}
		return runStep(ctx, m)
	})
	def.Handle(Init, EvAbort, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		m.Data().Pop()
		return Aborted, true
	})

	def.Handle(Running, evStepComplete, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (target fsm.State, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				m.Data().FailReason = ExceptionReason(toError(r))
				target, ok = Failed, true
			}
		}()
		result := m.Payload()
		frame := topSeqFrame(m)
		frame.env = frame.capture(frame.env, result)
		return StepCompleted, true
	})
	def.Handle(Running, evStepFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		m.Data().FailReason = UserReason(m.Payload())
		return StepFailed, true
	})
	def.Handle(Running, evStepAbort, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		m.Data().FailReason = UserReason(m.Payload())
		return Aborted, true
	})
	def.Handle(Running, EvAbort, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := topSeqFrame(m)
		if len(frame.machines) == 0 {
			popSeqFrame(m)
			return Aborted, true
		}
		top := frame.machines[len(frame.machines)-1]
		rt := RuntimeOf(m)
		rt.Dispatcher.Submit(func() {
			top.Dispatch(context.Background(), EvAbort)
		})
		return "", false
	})

	def.Entry(StepCompleted, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		frame := topSeqFrame(m)
		if len(frame.todo) > 0 {
			m.Fire(evRunNextStep)
		} else {
			m.Fire(evComplete)
		}
		return false
	})
	def.Handle(StepCompleted, evRunNextStep, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		return runStep(ctx, m)
	})
	def.Handle(StepCompleted, evComplete, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		frame := popSeqFrame(m)
		m.Data().Result = frame.overallResultFn(frame.env)
		return Completed, true
	})

	def.Entry(StepFailed, func(ctx context.Context, m *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		m.Fire(evFail)
		return false
	})
	def.Handle(StepFailed, evFail, func(ctx context.Context, m *fsm.Machine, ev fsm.Event) (fsm.State, bool) {
		popSeqFrame(m)
		return Failed, true
	})

	return &Spec{Kind: SequenceKind, Name: "sequence:" + name, Def: def}
}

// runStep evaluates the next pending step's F against the current env,
// wires its terminal states back to this machine, starts it on the
// dispatch pool, and moves the controller to Running. A panic raised by F
// is recovered here and converted to a failed transition carrying an
// ExceptionReason, matching the "exceptions thrown by user code during
// step construction" case; the evStepComplete handler above recovers the
// matching case for Capture.
func runStep(ctx context.Context, m *fsm.Machine) (target fsm.State, ok bool) {
	frame := topSeqFrame(m)
	defer func() {
		if r := recover(); r != nil {
			m.Data().FailReason = ExceptionReason(toError(r))
			target, ok = Failed, true
		}
	}()

	step := frame.todo[0]
	childSpec := step.F(frame.env)
	rt := RuntimeOf(m)
	patch := sequenceChildPatch(m)
	merged := &Spec{Kind: childSpec.Kind, Name: childSpec.Name, Def: fsm.Merge(childSpec.Def, patch)}
	child := Materialize(merged, rt)

	frame.todo = frame.todo[1:]
	frame.machines = append(frame.machines, child)
	frame.capture = step.Capture

	rt.Dispatcher.Submit(func() {
		child.Dispatch(context.Background(), EvStart)
	})
	return Running, true
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Env satisfies EnvFrame so report.Render can show a running Sequence's
// accumulated bindings.
func (f *sequenceFrame) Env() map[string]any {
	return f.env
}

func topSeqFrame(m *fsm.Machine) *sequenceFrame {
	top, _ := m.Data().Top()
	return top.(*sequenceFrame)
}

func popSeqFrame(m *fsm.Machine) *sequenceFrame {
	top, _ := m.Data().Pop()
	if top == nil {
		return nil
	}
	return top.(*sequenceFrame)
}

// sequenceChildPatch wires a step's child terminal states back to the
// sequence controller, dispatched through the pool as spec.md's run-step
// rule requires ("not inline, to avoid deep recursion and reentrancy into
// the child's transition lock").
func sequenceChildPatch(parent *fsm.Machine) *fsm.Definition {
	p := fsm.NewDefinition("", "", nil)
	p.Entry(Completed, func(ctx context.Context, cm *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(cm)
		result := cm.Data().Result
		rt.Dispatcher.Submit(func() {
			parent.Dispatch(context.Background(), evStepComplete, result)
		})
		return false
	})
	p.Entry(Failed, func(ctx context.Context, cm *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(cm)
		raw := childFailRaw(cm)
		rt.Dispatcher.Submit(func() {
			parent.Dispatch(context.Background(), evStepFail, raw)
		})
		return false
	})
	p.Entry(Aborted, func(ctx context.Context, cm *fsm.Machine, state fsm.State, ev fsm.Event) bool {
		rt := RuntimeOf(cm)
		raw := childFailRaw(cm)
		rt.Dispatcher.Submit(func() {
			parent.Dispatch(context.Background(), evStepAbort, raw)
		})
		return false
	})
	return p
}
