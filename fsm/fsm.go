// Package fsm implements the primitive finite-state-machine framework the
// orchestration engine is built on: named states, declared transitions,
// per-state entry/exit hooks, per-state event handlers, a lock-transition
// feature that serializes dispatch within one machine instance, and a
// history feature that records the states a machine has passed through.
//
// It is deliberately flat: no nested regions, no UML pseudostates, no
// hierarchy. Specifications (package spec) compile down to Definitions and
// run as Machines.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State names a node in a machine's state graph.
type State string

// Event names a trigger that can cause a transition.
type Event string

// Feature is a named capability that can be toggled on a Definition.
type Feature string

const (
	// LockTransition serializes event processing within one machine so
	// that at most one transition's hooks and handlers run at a time.
	// Every Definition produced by this module enables it; it exists as
	// a named Feature so Merge has something concrete to union.
	LockTransition Feature = "lock-transition"
	// RecordHistory makes the machine append a HistoryEntry every time
	// it leaves a state.
	RecordHistory Feature = "record-history"
)

// Hook runs on entry to or exit from a state. It returns handled=true when
// it performed a state change itself (by calling Fire), telling a guarded
// chain of hooks not to run the hooks after it for that transition.
type Hook func(ctx context.Context, m *Machine, state State, ev Event) (handled bool)

// Handler decides, for one (state, event) pair, whether a transition fires
// and to which state, mutating the machine's Data as needed before
// returning. ok=false means the event does not apply in this state, which
// is not an error: stale timers and already-delivered signals are expected
// to land here.
type Handler func(ctx context.Context, m *Machine, ev Event) (target State, ok bool)

// Guard must return true for a declared transition to fire.
type Guard func(ctx context.Context, m *Machine, ev Event) bool

// Effect runs after a declared transition's guard passes, before the state
// change takes effect.
type Effect func(ctx context.Context, m *Machine, ev Event)

type transitionRule struct {
	target State
	guard  Guard
	effect Effect
}

// Definition is a pure, declarative description of a machine: states,
// transitions, hooks, handlers, and initial state/data. Definitions are
// built once via NewDefinition and its On/Handle/Entry/Exit methods, then
// treated as read-only; Merge always produces a fresh Definition rather
// than mutating its inputs.
type Definition struct {
	Name        string
	States      map[State]bool
	Initial     State
	InitialData func() *Data
	Features    map[Feature]bool

	// InvalidEventState, if set, is the target a genuinely invalid event
	// drives the machine to: an event reaching a state that has at least
	// one declared rule or handler for some other event, but none for
	// this one. A state with no declared rules or handlers at all (every
	// terminal state in this module's combinators) never reaches this
	// path — any event landing there is absorbed silently, since that
	// shape is indistinguishable from a stale timer or already-delivered
	// signal arriving after the machine moved on. See FailOnInvalidEvent.
	InvalidEventState State

	rules     map[State]map[Event]*transitionRule
	handlers  map[State]map[Event]Handler
	entry     map[State][]Hook
	exit      map[State][]Hook
	onInvalid Hook // called when no rule/handler matches; optional, takes priority over InvalidEventState
}

// NewDefinition starts an empty Definition with the given name and initial
// state. initData, if non-nil, is called once per Machine to seed Data.
func NewDefinition(name string, initial State, initData func() *Data) *Definition {
	return &Definition{
		Name:        name,
		States:      map[State]bool{initial: true},
		Initial:     initial,
		InitialData: initData,
		Features:    map[Feature]bool{LockTransition: true},
		rules:       map[State]map[Event]*transitionRule{},
		handlers:    map[State]map[Event]Handler{},
		entry:       map[State][]Hook{},
		exit:        map[State][]Hook{},
	}
}

// AddState declares a state, regardless of whether any transition reaches
// it yet. Terminal states with no outgoing transitions still need this.
func (d *Definition) AddState(s State) *Definition {
	d.States[s] = true
	return d
}

// On declares a transition: in state `from`, event `ev` moves to `target`
// if guard passes (nil guard always passes), running effect first.
func (d *Definition) On(from State, ev Event, target State, guard Guard, effect Effect) *Definition {
	d.AddState(from)
	d.AddState(target)
	if d.rules[from] == nil {
		d.rules[from] = map[Event]*transitionRule{}
	}
	d.rules[from][ev] = &transitionRule{target: target, guard: guard, effect: effect}
	return d
}

// Handle attaches a Handler for (state, event) that decides its own target
// dynamically, for combinators whose transition logic depends on runtime
// Data (accumulated child results, step counters, and the like).
func (d *Definition) Handle(state State, ev Event, h Handler) *Definition {
	d.AddState(state)
	if d.handlers[state] == nil {
		d.handlers[state] = map[Event]Handler{}
	}
	d.handlers[state][ev] = h
	return d
}

// Entry appends hooks to run, in order, on entry to state. The chain stops
// at the first hook that returns handled=true.
func (d *Definition) Entry(state State, hooks ...Hook) *Definition {
	d.AddState(state)
	d.entry[state] = append(d.entry[state], hooks...)
	return d
}

// Exit appends hooks to run, in order, on exit from state.
func (d *Definition) Exit(state State, hooks ...Hook) *Definition {
	d.AddState(state)
	d.exit[state] = append(d.exit[state], hooks...)
	return d
}

// Feature toggles a named capability on.
func (d *Definition) Feature(f Feature) *Definition {
	d.Features[f] = true
	return d
}

// OnInvalidEvent registers a hook called when an event reaches a state with
// no matching rule or handler, replacing the default handling. Left nil, an
// unmatched event is silently dropped in a state that declares no rules or
// handlers at all (the stale-timer case), and otherwise recorded as an
// ErrInvalidEvent, logged, and routed to InvalidEventState if one is set.
func (d *Definition) OnInvalidEvent(h Hook) *Definition {
	d.onInvalid = h
	return d
}

// FailOnInvalidEvent designates state as the target a genuinely invalid
// event drives this machine to, as the InvalidEventState field's doc comment describes.
// It takes effect only when OnInvalidEvent has not also been set.
func (d *Definition) FailOnInvalidEvent(state State) *Definition {
	d.InvalidEventState = state
	return d
}

// Merge combines several Definitions into one, per the orchestration
// engine's FSM-merge semantics: states and declared transitions union,
// feature flags union, entry/exit hooks concatenate into a guarded chain
// (first hook to report handled=true stops the rest from running), and
// name/initial-state/initial-data take the first non-empty value across
// defs in order. Rule and handler conflicts on the same (state, event) are
// resolved by last-writer-wins; callers are expected to arrange for at most
// one def to own a given (state, event) pair.
func Merge(defs ...*Definition) *Definition {
	out := &Definition{
		States:   map[State]bool{},
		Features: map[Feature]bool{},
		rules:    map[State]map[Event]*transitionRule{},
		handlers: map[State]map[Event]Handler{},
		entry:    map[State][]Hook{},
		exit:     map[State][]Hook{},
	}
	for _, d := range defs {
		if d == nil {
			continue
		}
		if out.Name == "" {
			out.Name = d.Name
		}
		if out.Initial == "" {
			out.Initial = d.Initial
		}
		if out.InitialData == nil {
			out.InitialData = d.InitialData
		}
		if out.onInvalid == nil {
			out.onInvalid = d.onInvalid
		}
		if out.InvalidEventState == "" {
			out.InvalidEventState = d.InvalidEventState
		}
		for s := range d.States {
			out.States[s] = true
		}
		for f := range d.Features {
			out.Features[f] = true
		}
		for s, evs := range d.rules {
			if out.rules[s] == nil {
				out.rules[s] = map[Event]*transitionRule{}
			}
			for e, r := range evs {
				out.rules[s][e] = r
			}
		}
		for s, evs := range d.handlers {
			if out.handlers[s] == nil {
				out.handlers[s] = map[Event]Handler{}
			}
			for e, h := range evs {
				out.handlers[s][e] = h
			}
		}
		for s, hooks := range d.entry {
			out.entry[s] = append(out.entry[s], hooks...)
		}
		for s, hooks := range d.exit {
			out.exit[s] = append(out.exit[s], hooks...)
		}
	}
	return out
}

// Transitions returns, for every state with at least one declared
// transition, the map of event to target state. It does not cover
// Handler-based dynamic transitions, whose target depends on runtime Data
// and so cannot be named without running the machine; callers rendering a
// Definition's graph (package report) list those states separately as
// having dynamic outgoing edges.
func (d *Definition) Transitions() map[State]map[Event]State {
	out := make(map[State]map[Event]State, len(d.rules))
	for s, evs := range d.rules {
		m := make(map[Event]State, len(evs))
		for e, r := range evs {
			m[e] = r.target
		}
		out[s] = m
	}
	return out
}

// DynamicEvents returns, for every state with at least one Handler-based
// event, the set of events it handles dynamically.
func (d *Definition) DynamicEvents() map[State][]Event {
	out := make(map[State][]Event, len(d.handlers))
	for s, evs := range d.handlers {
		list := make([]Event, 0, len(evs))
		for e := range evs {
			list = append(list, e)
		}
		out[s] = list
	}
	return out
}

// HistoryEntry records one state the machine was in, and a snapshot of its
// Data at the moment it left that state.
type HistoryEntry struct {
	State State
	Data  Data
}

// Machine is a running instance of a Definition. All dispatch goes through
// a single mutex (the "lock-transition" feature), so hooks and handlers
// never observe a concurrent transition on the same Machine.
type Machine struct {
	mu      sync.Mutex
	def     *Definition
	state   State
	data    *Data
	pending []eventItem
	current any
	history []HistoryEntry
	logger  *slog.Logger
}

type eventItem struct {
	ev      Event
	payload any
}

// New materializes a Definition into a runnable Machine in its initial
// state, with fresh Data from def.InitialData (or an empty Data if nil).
func New(def *Definition, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	var data *Data
	if def.InitialData != nil {
		data = def.InitialData()
	} else {
		data = NewData()
	}
	return &Machine{
		def:    def,
		state:  def.Initial,
		data:   data,
		logger: logger,
	}
}

// State returns the machine's current state. Safe to call concurrently
// with Dispatch; it takes the same lock.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Data returns the machine's mutable Data. Callers outside of a
// Hook/Handler running on this Machine must not call this concurrently
// with Dispatch without their own synchronization; Hooks and Handlers are
// always called with the lock held, so it is always safe from inside them.
func (m *Machine) Data() *Data {
	return m.data
}

// Definition returns the machine's Definition.
func (m *Machine) Definition() *Definition {
	return m.def
}

// History returns a copy of the recorded state history. Empty unless the
// RecordHistory feature is enabled.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Fire enqueues ev for processing on this Machine, with an optional
// payload readable via Payload() while that event is being processed. It
// must be called with the Machine's lock already held — i.e. from inside a
// Hook or Handler running on this same Machine — so combinators that want
// to react to their own transition (parallel's ops-complete entry hook
// firing complete/fail, for instance) do it via Fire rather than by
// recursively calling Dispatch, which would deadlock on the same mutex.
func (m *Machine) Fire(ev Event, payload ...any) {
	m.pending = append(m.pending, eventItem{ev: ev, payload: firstOrNil(payload)})
}

// Payload returns whatever value was passed to the Fire or Dispatch call
// that enqueued the event currently being processed. Only meaningful from
// inside a Hook or Handler.
func (m *Machine) Payload() any {
	return m.current
}

// Dispatch delivers an event to the machine from outside, optionally
// carrying a payload (the child's final state snapshot, for instance): it
// acquires the lock, enqueues ev, and drains the pending queue (which may
// grow further via Fire calls from hooks/handlers) until empty, all under
// one lock acquisition. This is the entry point parents use to deliver
// events to children and the runtime uses to deliver external signals
// (abort) and timer callbacks.
func (m *Machine) Dispatch(ctx context.Context, ev Event, payload ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, eventItem{ev: ev, payload: firstOrNil(payload)})
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.current = next.payload
		m.step(ctx, next.ev)
	}
}

func firstOrNil(payload []any) any {
	if len(payload) == 0 {
		return nil
	}
	return payload[0]
}

func (m *Machine) step(ctx context.Context, ev Event) {
	cur := m.state
	if rules, ok := m.def.rules[cur]; ok {
		if rule, ok := rules[ev]; ok {
			if rule.guard == nil || rule.guard(ctx, m, ev) {
				m.transition(ctx, cur, rule.target, ev, rule.effect)
				return
			}
			return
		}
	}
	if handlers, ok := m.def.handlers[cur]; ok {
		if h, ok := handlers[ev]; ok {
			if target, ok := h(ctx, m, ev); ok {
				m.transition(ctx, cur, target, ev, nil)
			}
			return
		}
	}
	if m.def.onInvalid != nil {
		m.def.onInvalid(ctx, m, cur, ev)
		return
	}
	// A state with no declared rules or handlers at all has the same
	// shape as every terminal state this module's combinators declare:
	// nothing was ever going to happen here, so an event arriving
	// anyway is the expected stale-timer/already-delivered-signal case,
	// not a bug. A state that does handle other events but not this one
	// is the spec's "runtime bug" case: genuinely unexpected.
	if len(m.def.rules[cur]) == 0 && len(m.def.handlers[cur]) == 0 {
		m.logger.Debug("fsm: unhandled event, ignoring",
			slog.String("machine", m.def.Name), slog.String("state", string(cur)), slog.String("event", string(ev)))
		return
	}
	err := &ErrInvalidEvent{Machine: m.def.Name, State: cur, Event: ev}
	m.data.FailReason = err
	m.logger.Error("fsm: invalid event in state that should not receive it", "error", err)
	if m.def.InvalidEventState != "" && m.def.States[m.def.InvalidEventState] && m.def.InvalidEventState != cur {
		m.transition(ctx, cur, m.def.InvalidEventState, ev, nil)
	}
}

func (m *Machine) transition(ctx context.Context, from, to State, ev Event, effect Effect) {
	if !m.def.States[to] {
		err := &ErrInvalidTransition{Machine: m.def.Name, From: from, To: to}
		m.data.FailReason = err
		m.logger.Error("fsm: transition to undeclared state, ignoring", "error", err)
		return
	}
	runHookChain(m.def.exit[from], ctx, m, from, ev)
	if effect != nil {
		effect(ctx, m, ev)
	}
	if m.def.Features[RecordHistory] {
		m.history = append(m.history, HistoryEntry{State: from, Data: m.data.Snapshot()})
	}
	m.state = to
	runHookChain(m.def.entry[to], ctx, m, to, ev)
}

func runHookChain(hooks []Hook, ctx context.Context, m *Machine, state State, ev Event) {
	for _, h := range hooks {
		if h(ctx, m, state, ev) {
			return
		}
	}
}

// ErrInvalidTransition reports a transition to a state the Definition
// never declared.
type ErrInvalidTransition struct {
	Machine string
	From    State
	To      State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("fsm %q: invalid transition from %q to undeclared state %q", e.Machine, e.From, e.To)
}

// ErrInvalidEvent reports an event delivered to a state that should never
// receive it, as distinct from the expected no-op case of a stale timer.
// See Definition.FailOnInvalidEvent.
type ErrInvalidEvent struct {
	Machine string
	State   State
	Event   Event
}

func (e *ErrInvalidEvent) Error() string {
	return fmt.Sprintf("fsm %q: invalid event %q in state %q", e.Machine, e.Event, e.State)
}
