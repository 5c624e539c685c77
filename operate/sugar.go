package operate

import "fmt"

// WaitAll blocks until every operation terminates and returns their
// results in input order, or the first error encountered (also in input
// order). It is pure sugar over repeated Operation.Wait calls for callers
// who want dmitrymomot/saaskit/pkg/async's WaitAll ergonomics over
// already-running operations; it introduces no new FSM semantics and is
// never used by spec or fsm. Callers combining specifications, not
// already-running operations, should reach for spec.Parallel instead.
func WaitAll(ops ...*Operation) ([]any, error) {
	results := make([]any, len(ops))
	var firstErr error
	for i, op := range ops {
		res, err := op.Wait()
		results[i] = res
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// WaitAny blocks until the first of ops to terminate does, and returns its
// index and result. If that first-to-terminate operation did not succeed,
// it returns its error; ties are broken by input order.
func WaitAny(ops ...*Operation) (int, any, error) {
	if len(ops) == 0 {
		return -1, nil, fmt.Errorf("operate: WaitAny requires at least one operation")
	}
	type outcome struct {
		index  int
		result any
		err    error
	}
	results := make(chan outcome, len(ops))
	for i, op := range ops {
		i, op := i, op
		go func() {
			res, err := op.Wait()
			results <- outcome{index: i, result: res, err: err}
		}()
	}
	first := <-results
	for i, op := range ops[:first.index] {
		if !op.IsRunning() {
			res, err := op.Wait()
			return i, res, err
		}
	}
	return first.index, first.result, first.err
}
