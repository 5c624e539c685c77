// Package report renders an Operation's current state, and a
// specification's graph, as text for humans: a terminal-friendly status
// report and a Graphviz DOT diagram. Grounded on the teacher's
// pkg/plantuml (sorted, deterministic node/edge emission into a
// strings.Builder) generalized from PlantUML to DOT syntax, since DOT
// rather than PlantUML is what the rest of the retrieved pack's
// state-machine libraries (enetx/fsm's ToDOT) emit.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowmachine/orchestrator/fsm"
	"github.com/flowmachine/orchestrator/operate"
	"github.com/flowmachine/orchestrator/spec"
)

// Options controls how much detail Render includes beyond the bare
// current-state line.
type Options struct {
	// IncludeSteps includes the op-stack's frame count, a coarse proxy
	// for "how deep into a composed spec is this operation right now".
	IncludeSteps bool
	// IncludeEnv includes the named bindings accumulated by the innermost
	// running Sequence on the root machine's op-stack (see spec.EnvOf).
	IncludeEnv bool
	// IncludeHistory includes every recorded HistoryEntry, available
	// only when the spec enabled fsm.RecordHistory.
	IncludeHistory bool
}

// Render pretty-prints op's current status per opts, matching spec.md's
// "Introspection" note that current state, step, env, and history should
// all be optionally inspectable without blocking on completion.
func Render(op *operate.Operation, opts Options) string {
	var b strings.Builder
	st := op.Status()
	fmt.Fprintf(&b, "operation %s\n", op.ID())
	fmt.Fprintf(&b, "  state: %s\n", st.State)
	if st.Result != nil {
		fmt.Fprintf(&b, "  result: %v\n", st.Result)
	}
	if st.FailReason != nil {
		fmt.Fprintf(&b, "  fail-reason: %s\n", formatFailReason(st.FailReason))
	}
	if opts.IncludeSteps {
		fmt.Fprintf(&b, "  op-stack depth: %d\n", op.OpStackDepth())
	}
	if opts.IncludeEnv {
		env := op.Env()
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&b, "  env:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %v\n", k, env[k])
		}
	}
	if opts.IncludeHistory {
		fmt.Fprintf(&b, "  history:\n")
		for _, h := range op.History() {
			fmt.Fprintf(&b, "    %s\n", h.State)
		}
	}
	return b.String()
}

func formatFailReason(v any) string {
	fr, ok := v.(spec.FailReason)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	m, ok := fr.Raw().(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", fr.Raw())
	}
	reason, _ := m["reason"].(string)
	return reason
}

// ToDOT renders s's merged state/transition graph as a Graphviz DOT
// digraph: one node per declared state, one labeled edge per declared
// (state, event) -> target rule, and a dashed self-loop labeled "(dynamic)"
// for states that also dispatch events dynamically via Handler (whose
// targets cannot be named without running the machine).
func ToDOT(s *spec.Spec) string {
	def := s.Def
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", sanitize(def.Name))
	origin := "primitive"
	if s.IsCombinator() {
		origin = "combinator"
	}
	fmt.Fprintf(&b, "  graph [label=%q];\n", origin)

	states := make([]string, 0, len(def.States))
	for st := range def.States {
		states = append(states, string(st))
	}
	sort.Strings(states)
	for _, st := range states {
		shape := "ellipse"
		if isTerminal(fsm.State(st)) {
			shape = "doublecircle"
		}
		fmt.Fprintf(&b, "  %s [shape=%s];\n", sanitize(st), shape)
	}

	type edge struct {
		from, to, label string
	}
	var edges []edge
	for from, evs := range def.Transitions() {
		for ev, to := range evs {
			edges = append(edges, edge{from: string(from), to: string(to), label: string(ev)})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].label < edges[j].label
	})
	for _, e := range edges {
		fmt.Fprintf(&b, "  %s -> %s [label=%q];\n", sanitize(e.from), sanitize(e.to), e.label)
	}

	dynamic := make([]string, 0)
	for st, evs := range def.DynamicEvents() {
		if len(evs) > 0 {
			dynamic = append(dynamic, string(st))
		}
	}
	sort.Strings(dynamic)
	for _, st := range dynamic {
		fmt.Fprintf(&b, "  %s -> %s [style=dashed, label=\"(dynamic)\"];\n", sanitize(st), sanitize(st))
	}

	fmt.Fprintln(&b, "}")
	return b.String()
}

func isTerminal(s fsm.State) bool {
	switch s {
	case spec.Completed, spec.Failed, spec.Aborted, spec.TimedOut:
		return true
	default:
		return false
	}
}

func sanitize(name string) string {
	r := strings.NewReplacer("-", "_", ":", "_", ".", "_", "/", "_", " ", "_")
	return r.Replace(name)
}
