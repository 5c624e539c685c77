package spec

// accSym is the reserved per-scope accumulator binding Reduce threads
// through its synthesized sequence.
const accSym = "__acc"

// Reduce is re-expressed as a Sequence over seq where the accumulator is
// carried in a reserved env symbol: step i reads the accumulator, invokes
// f(acc, seq[i]) to obtain a child spec, and on that child's success
// writes its result back to the accumulator. The compound's final result
// is the accumulator after the last step, or init if seq is empty.
func Reduce(f func(acc, v any) *Spec, init any, seq []any) *Spec {
	steps := make([]Step, len(seq))
	for i, v := range seq {
		v := v
		steps[i] = Step{
			F: func(env map[string]any) *Spec {
				return f(env[accSym], v)
			},
			Capture: func(env map[string]any, result any) map[string]any {
				next := make(map[string]any, len(env))
				for k, val := range env {
					next[k] = val
				}
				next[accSym] = result
				return next
			},
			Syms:  []string{accSym},
			OpSym: accSym,
		}
	}
	initialEnv := map[string]any{accSym: init}
	s := Sequence("reduce", steps, func(env map[string]any) any {
		return env[accSym]
	}, initialEnv)
	s.Kind = ReduceKind
	return s
}
