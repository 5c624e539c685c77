// Package seq is the Go-shaped replacement for the sequential binding
// comprehension spec.md describes as "usually constructed via the
// comprehension macro": a Builder that accumulates named steps and
// compiles them into a *spec.Spec via spec.Sequence, with a typed Env
// standing in for the macro's compile-time symbol table. Grounded on the
// teacher's own builder-style Definition construction (AddState/On chained
// calls returning the receiver) generalized to a step list instead of a
// state table.
package seq

import (
	"github.com/flowmachine/orchestrator/spec"
)

// Env is the append-only binding environment threaded between a
// Sequence's steps: read-only to a step's own function, and extended only
// by that step's capture, in source order. It deliberately does not
// implement reflection-based field access — spec.md's design notes rule
// out anything that walks a call stack or struct tags to recover binding
// names, so a step names its own captures explicitly via Bind/BindMany.
type Env struct {
	values map[string]any
}

func newEnv(values map[string]any) Env {
	return Env{values: values}
}

// Get returns the value bound to name, or nil if no earlier step bound it.
func (e Env) Get(name string) any {
	return e.values[name]
}

// Has reports whether name was bound by an earlier step.
func (e Env) Has(name string) bool {
	_, ok := e.values[name]
	return ok
}

// Builder accumulates a Sequence's steps and final result expression.
// Build compiles it into a *spec.Spec.
type Builder struct {
	name     string
	steps    []spec.Step
	resultFn func(env Env) any
}

// New starts a Builder for a sequence named name. name appears only in
// logging and introspection; it has no effect on behavior.
func New(name string) *Builder {
	return &Builder{name: name}
}

// Bind adds a step that computes a child spec from the env accumulated so
// far and, on that child's success, binds its result under name. f is
// called with a snapshot env reflecting every previously-completed step,
// in source order, per spec.md's "Pattern capture" note.
func (b *Builder) Bind(name string, f func(env Env) *spec.Spec) *Builder {
	b.steps = append(b.steps, spec.Step{
		F: func(raw map[string]any) *spec.Spec {
			return f(newEnv(raw))
		},
		Capture: func(raw map[string]any, result any) map[string]any {
			next := copyEnv(raw)
			next[name] = result
			return next
		},
		Syms:  []string{name},
		OpSym: name,
	})
	return b
}

// BindMany adds a step whose child's composite result is destructured by
// destructure into one or more env entries, covering pattern capture of a
// struct or tuple result into several names at once. names documents which
// keys destructure is expected to populate, for introspection only; a key
// destructure produces outside names is still bound.
func (b *Builder) BindMany(names []string, f func(env Env) *spec.Spec, destructure func(result any) map[string]any) *Builder {
	b.steps = append(b.steps, spec.Step{
		F: func(raw map[string]any) *spec.Spec {
			return f(newEnv(raw))
		},
		Capture: func(raw map[string]any, result any) map[string]any {
			next := copyEnv(raw)
			for k, v := range destructure(result) {
				next[k] = v
			}
			return next
		},
		Syms:  names,
		OpSym: "<many>",
	})
	return b
}

// Result sets the expression computing the sequence's final value from
// the env left by its last step. A Builder with no Result call produces a
// Sequence whose result is always nil.
func (b *Builder) Result(f func(env Env) any) *Builder {
	b.resultFn = f
	return b
}

// Build compiles the accumulated steps into a *spec.Spec via
// spec.Sequence. The returned spec behaves identically to one hand-built
// from spec.Step records directly; Builder exists only for ergonomics.
func (b *Builder) Build() *spec.Spec {
	resultFn := b.resultFn
	return spec.Sequence(b.name, b.steps, func(raw map[string]any) any {
		if resultFn == nil {
			return nil
		}
		return resultFn(newEnv(raw))
	}, nil)
}

func copyEnv(raw map[string]any) map[string]any {
	next := make(map[string]any, len(raw))
	for k, v := range raw {
		next[k] = v
	}
	return next
}
