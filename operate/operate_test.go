package operate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmachine/orchestrator/config"
	"github.com/flowmachine/orchestrator/operate"
	"github.com/flowmachine/orchestrator/pool"
	"github.com/flowmachine/orchestrator/spec"
)

func opts() []operate.Option {
	return []operate.Option{
		operate.WithDispatcher(pool.NewGoDispatcher()),
		operate.WithScheduler(pool.NewPondScheduler(3)),
	}
}

func TestOperateAssignsDistinctIDs(t *testing.T) {
	a := operate.Operate(spec.Result(1), opts()...)
	b := operate.Operate(spec.Result(2), opts()...)
	a.Wait()
	b.Wait()
	assert.NotEqual(t, a.ID().String(), b.ID().String())
}

func TestIsRunningThenComplete(t *testing.T) {
	op := operate.Operate(spec.Delay(30*time.Millisecond), opts()...)
	assert.True(t, op.IsRunning())
	_, ok := op.IsComplete()
	assert.False(t, ok)

	op.Wait()
	assert.False(t, op.IsRunning())
	complete, ok := op.IsComplete()
	assert.True(t, ok)
	assert.True(t, complete)
}

func TestIsFailedReflectsOutcome(t *testing.T) {
	op := operate.Operate(spec.Fail("x"), opts()...)
	op.Wait()
	failed, ok := op.IsFailed()
	assert.True(t, ok)
	assert.True(t, failed)
}

func TestWaitTimeoutReturnsFallbackWhenStillRunning(t *testing.T) {
	op := operate.Operate(spec.Delay(500*time.Millisecond), opts()...)
	v, ok := op.WaitTimeout(10*time.Millisecond, "fallback")
	assert.False(t, ok)
	assert.Equal(t, "fallback", v)
	op.Abort()
}

func TestWaitTimeoutReturnsResultWhenDone(t *testing.T) {
	op := operate.Operate(spec.Result("done"), opts()...)
	v, ok := op.WaitTimeout(time.Second, "fallback")
	assert.True(t, ok)
	assert.Equal(t, "done", v)
}

func TestDerefReturnsResultOnSuccess(t *testing.T) {
	op := operate.Operate(spec.Result(7), opts()...)
	assert.Equal(t, 7, op.Deref())
}

func TestDerefPanicsOnException(t *testing.T) {
	steps := []spec.Step{
		{
			F:       func(env map[string]any) *spec.Spec { panic("boom") },
			Capture: func(env map[string]any, result any) map[string]any { return env },
		},
	}
	s := spec.Sequence("panicky", steps, func(env map[string]any) any { return nil }, nil)
	op := operate.Operate(s, opts()...)
	op.Wait()
	assert.Panics(t, func() { op.Deref() })
}

func TestWaitAllReturnsResultsInInputOrder(t *testing.T) {
	ops := []*operate.Operation{
		operate.Operate(spec.Result(1), opts()...),
		operate.Operate(spec.Result(2), opts()...),
		operate.Operate(spec.Result(3), opts()...),
	}
	results, err := operate.WaitAll(ops...)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, results)
}

func TestWaitAllReturnsFirstError(t *testing.T) {
	ops := []*operate.Operation{
		operate.Operate(spec.Result(1), opts()...),
		operate.Operate(spec.Fail("broke"), opts()...),
	}
	_, err := operate.WaitAll(ops...)
	require.Error(t, err)
}

func TestWaitAnyReturnsFirstToFinish(t *testing.T) {
	ops := []*operate.Operation{
		operate.Operate(spec.Delay(200*time.Millisecond), opts()...),
		operate.Operate(spec.Result("fast"), opts()...),
	}
	idx, v, err := operate.WaitAny(ops...)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "fast", v)
	ops[0].Abort()
}

func TestEngineTracksStats(t *testing.T) {
	e := operate.NewEngine(config.Config{DispatchPoolSize: 4, SchedulerPoolSize: 3})
	defer e.Close()

	e.Operate(spec.Result(1)).Wait()
	e.Operate(spec.Fail("x")).Wait()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := e.Stats()
		if st.Completed == 1 && st.Failed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := e.Stats()
	assert.EqualValues(t, 2, st.Started)
	assert.EqualValues(t, 1, st.Completed)
	assert.EqualValues(t, 1, st.Failed)
}
