package spec_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmachine/orchestrator/operate"
	"github.com/flowmachine/orchestrator/pool"
	"github.com/flowmachine/orchestrator/spec"
)

func testOpts() []operate.Option {
	return []operate.Option{
		operate.WithDispatcher(pool.NewGoDispatcher()),
		operate.WithScheduler(pool.NewPondScheduler(3)),
	}
}

func TestResultCompletesWithValue(t *testing.T) {
	op := operate.Operate(spec.Result(42), testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSucceedFailsWithReason(t *testing.T) {
	op := operate.Operate(spec.Succeed(false, "nope"), testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	assert.Equal(t, spec.Failed, op.Status().State)
}

func TestFailAlwaysFails(t *testing.T) {
	op := operate.Operate(spec.Fail("boom"), testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	assert.Equal(t, "boom", fr.Raw())
}

func TestDelayCompletesAfterDuration(t *testing.T) {
	start := time.Now()
	op := operate.Operate(spec.Delay(30*time.Millisecond), testOpts()...)
	_, err := op.Wait()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTimeoutFailsSlowChild(t *testing.T) {
	slow := spec.Delay(200 * time.Millisecond)
	op := operate.Operate(spec.Timeout(slow, 20*time.Millisecond), testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	assert.True(t, fr.IsTimedOut())
	assert.Equal(t, spec.Failed, op.Status().State)
}

func TestTimeoutLetsFastChildThrough(t *testing.T) {
	fast := spec.Result("ok")
	op := operate.Operate(spec.Timeout(fast, 200*time.Millisecond), testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestParallelCollectsResultsInInputOrder(t *testing.T) {
	op := operate.Operate(spec.Parallel(
		spec.Delay(10*time.Millisecond),
		spec.Result(1),
		spec.Result(2),
	), testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	results, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, nil, results[0])
	assert.Equal(t, 1, results[1])
	assert.Equal(t, 2, results[2])
}

func TestParallelFailsIfAnyChildFails(t *testing.T) {
	op := operate.Operate(spec.Parallel(
		spec.Result("ok"),
		spec.Fail("broke"),
	), testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	m, ok := fr.Raw().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed-ops", m["reason"])
}

func TestParallelEmptyCompletesImmediately(t *testing.T) {
	op := operate.Operate(spec.Parallel(), testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSequenceThreadsEnvBetweenSteps(t *testing.T) {
	steps := []spec.Step{
		{
			F: func(env map[string]any) *spec.Spec { return spec.Result(1) },
			Capture: func(env map[string]any, result any) map[string]any {
				next := map[string]any{"a": result}
				return next
			},
		},
		{
			F: func(env map[string]any) *spec.Spec {
				return spec.Result(env["a"].(int) + 1)
			},
			Capture: func(env map[string]any, result any) map[string]any {
				next := map[string]any{"a": env["a"], "b": result}
				return next
			},
		},
	}
	s := spec.Sequence("chain", steps, func(env map[string]any) any {
		return env["b"]
	}, nil)
	op := operate.Operate(s, testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestSequenceFailsFastOnStepFailure(t *testing.T) {
	steps := []spec.Step{
		{
			F:       func(env map[string]any) *spec.Spec { return spec.Fail("first step broke") },
			Capture: func(env map[string]any, result any) map[string]any { return env },
		},
		{
			F:       func(env map[string]any) *spec.Spec { return spec.Result("never runs") },
			Capture: func(env map[string]any, result any) map[string]any { return env },
		},
	}
	s := spec.Sequence("chain", steps, func(env map[string]any) any { return nil }, nil)
	op := operate.Operate(s, testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	assert.Equal(t, "first step broke", fr.Raw())
}

func TestSequenceRecoversPanicAsException(t *testing.T) {
	steps := []spec.Step{
		{
			F: func(env map[string]any) *spec.Spec {
				panic(errors.New("user code exploded"))
			},
			Capture: func(env map[string]any, result any) map[string]any { return env },
		},
	}
	s := spec.Sequence("panics", steps, func(env map[string]any) any { return nil }, nil)
	op := operate.Operate(s, testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	m, ok := fr.Raw().(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m["exception"].(error).Error(), "user code exploded")
}

func TestSequenceRecoversPanickingCaptureAsException(t *testing.T) {
	steps := []spec.Step{
		{
			F:       func(env map[string]any) *spec.Spec { return spec.Result(1) },
			Capture: func(env map[string]any, result any) map[string]any { panic(errors.New("capture exploded")) },
		},
	}
	s := spec.Sequence("capture-panics", steps, func(env map[string]any) any { return nil }, nil)
	op := operate.Operate(s, testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	m, ok := fr.Raw().(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m["exception"].(error).Error(), "capture exploded")
}

func TestReduceAccumulatesOverSequence(t *testing.T) {
	s := spec.Reduce(func(acc, v any) *spec.Spec {
		return spec.Result(acc.(int) + v.(int))
	}, 0, []any{1, 2, 3, 4})
	op := operate.Operate(s, testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestReduceEmptySeqReturnsInit(t *testing.T) {
	s := spec.Reduce(func(acc, v any) *spec.Spec {
		t.Fatal("f should never be called for an empty seq")
		return nil
	}, "init-value", nil)
	op := operate.Operate(s, testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, "init-value", v)
}

func TestRaceCompletesOnFirstSuccess(t *testing.T) {
	op := operate.Operate(spec.Race(
		spec.Delay(100*time.Millisecond),
		spec.Result("fast"),
	), testOpts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestRaceFailsOnlyIfAllChildrenFail(t *testing.T) {
	op := operate.Operate(spec.Race(
		spec.Fail("a"),
		spec.Fail("b"),
	), testOpts()...)
	_, err := op.Wait()
	require.Error(t, err)
	fr, ok := op.Status().FailReason.(spec.FailReason)
	require.True(t, ok)
	m, ok := fr.Raw().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed-ops", m["reason"])
}

func TestAbortWhileRunningReachesAborted(t *testing.T) {
	op := operate.Operate(spec.Delay(time.Second), testOpts()...)
	op.Abort()
	_, err := op.Wait()
	require.Error(t, err)
	assert.Equal(t, spec.Aborted, op.Status().State)
}
