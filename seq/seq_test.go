package seq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmachine/orchestrator/operate"
	"github.com/flowmachine/orchestrator/pool"
	"github.com/flowmachine/orchestrator/seq"
	"github.com/flowmachine/orchestrator/spec"
)

func opts() []operate.Option {
	return []operate.Option{
		operate.WithDispatcher(pool.NewGoDispatcher()),
		operate.WithScheduler(pool.NewPondScheduler(3)),
	}
}

type cart struct {
	itemCount int
}

func TestBuilderBindThreadsEnvAcrossSteps(t *testing.T) {
	s := seq.New("checkout").
		Bind("cart", func(env seq.Env) *spec.Spec {
			return spec.Result(cart{itemCount: 3})
		}).
		Bind("total", func(env seq.Env) *spec.Spec {
			c := env.Get("cart").(cart)
			return spec.Result(c.itemCount * 10)
		}).
		Result(func(env seq.Env) any {
			return env.Get("total")
		}).
		Build()

	op := operate.Operate(s, opts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}

func TestBuilderBindManyDestructures(t *testing.T) {
	s := seq.New("split").
		BindMany([]string{"a", "b"}, func(env seq.Env) *spec.Spec {
			return spec.Result([2]int{1, 2})
		}, func(result any) map[string]any {
			pair := result.([2]int)
			return map[string]any{"a": pair[0], "b": pair[1]}
		}).
		Result(func(env seq.Env) any {
			return env.Get("a").(int) + env.Get("b").(int)
		}).
		Build()

	op := operate.Operate(s, opts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestBuilderWithNoResultYieldsNil(t *testing.T) {
	s := seq.New("noresult").
		Bind("x", func(env seq.Env) *spec.Spec { return spec.Result(1) }).
		Build()

	op := operate.Operate(s, opts()...)
	v, err := op.Wait()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEnvHasReflectsEarlierBindings(t *testing.T) {
	var sawHas bool
	s := seq.New("has").
		Bind("first", func(env seq.Env) *spec.Spec {
			sawHas = env.Has("first")
			return spec.Result(1)
		}).
		Bind("second", func(env seq.Env) *spec.Spec {
			sawHas = env.Has("first")
			return spec.Result(2)
		}).
		Build()

	op := operate.Operate(s, opts()...)
	_, err := op.Wait()
	require.NoError(t, err)
	assert.True(t, sawHas)
}
