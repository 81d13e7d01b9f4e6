package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxstate/pkg/api"
)

func assertSameDeclaration(t *testing.T, want *Task, got Node) {
	t.Helper()
	var tk *Task
	switch n := got.(type) {
	case *Task:
		tk = n
	case *Parameter:
		tk = n.Task
	default:
		t.Fatalf("unexpected node type %T", got)
	}
	assert.Equal(t, want.Name(), tk.Name())
	assert.Equal(t, want.MaxRetries(), tk.MaxRetries())
	assert.Equal(t, want.RetryDelay(), tk.RetryDelay())
	assert.Equal(t, want.Timeout(), tk.Timeout())
	assert.Equal(t, want.Trigger().Name(), tk.Trigger().Name())
}

func TestSerializeRoundTrip(t *testing.T) {
	tk, err := New(context.Background(), Extract{},
		WithName("extract"),
		WithDescription("pull rows"),
		WithTags("b", "a"),
		WithMaxRetries(3),
		WithRetryDelay(90*time.Second),
		WithTimeout(time.Hour),
		WithTrigger(api.AnyFailed),
		WithSecrets("DB_PASSWORD"),
	)
	require.NoError(t, err)

	m := tk.Serialize()
	assert.Equal(t, "any_failed", m["trigger"])
	assert.NotContains(t, m, "kind")

	got, err := Deserialize(m)
	require.NoError(t, err)
	assertSameDeclaration(t, tk, got)
}

func TestSerializeRoundTripThroughJSON(t *testing.T) {
	tk, err := New(context.Background(), Extract{}, WithMaxRetries(1), WithRetryDelay(time.Second))
	require.NoError(t, err)

	raw, err := json.Marshal(tk.Serialize())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Nil(t, m["timeout"])
	got, err := Deserialize(m)
	require.NoError(t, err)
	assertSameDeclaration(t, tk, got)
}

func TestDeserializeDurationStrings(t *testing.T) {
	got, err := Deserialize(map[string]any{
		"name":        "t",
		"retry_delay": "1m30s",
		"timeout":     "10s",
		"trigger":     "all_finished",
	})
	require.NoError(t, err)
	tk := got.(*Task)
	assert.Equal(t, 90*time.Second, tk.RetryDelay())
	assert.Equal(t, 10*time.Second, tk.Timeout())
}

func TestParameterRoundTrip(t *testing.T) {
	p, err := NewParameter(context.Background(), "limit", WithDefault(5))
	require.NoError(t, err)

	m := p.Serialize()
	assert.Equal(t, KindParameter, m["kind"])
	assert.Equal(t, false, m["required"])
	assert.Equal(t, 5, m["default"])

	got, err := Deserialize(m)
	require.NoError(t, err)
	assertSameDeclaration(t, p.Task, got)

	gp, ok := got.(*Parameter)
	require.True(t, ok)
	assert.False(t, gp.Required())
	assert.Equal(t, 5, gp.Default())

	v, err := gp.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestDeserializeParameterDefaultOverridesRequired(t *testing.T) {
	got, err := Deserialize(map[string]any{"kind": KindParameter, "name": "limit", "default": 5, "required": true})
	require.NoError(t, err)

	p, ok := got.(*Parameter)
	require.True(t, ok)
	assert.True(t, p.HasDefault())
	assert.False(t, p.Required())

	v, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestDeserializeErrors(t *testing.T) {
	_, err := Deserialize(map[string]any{"name": ""})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = Deserialize(map[string]any{"name": "t", "trigger": "nope"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = Deserialize(map[string]any{"name": "t", "max_retries": "many"})
	assert.Error(t, err)
}

func TestDeserializeCustomTrigger(t *testing.T) {
	custom := api.NewTrigger("task_test_never", func([]api.StateType) (bool, error) { return false, nil })
	require.NoError(t, api.RegisterTrigger(custom))

	tk, err := New(context.Background(), Extract{}, WithTrigger(custom))
	require.NoError(t, err)

	got, err := Deserialize(tk.Serialize())
	require.NoError(t, err)
	assertSameDeclaration(t, tk, got)
}
