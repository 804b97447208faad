package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepPassthroughOutsideWorkflow(t *testing.T) {
	step := NewStep(func(_ context.Context, n int) (int, error) {
		return n + 1, nil
	}, WithStepName("increment"))

	// No execution context on the ctx: the body runs inline.
	result, err := step.Invoke(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	f, err := step.Start(context.Background(), 41)
	require.NoError(t, err)
	result, err = f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestStepPassthroughPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	step := NewStep(func(_ context.Context, _ struct{}) (string, error) {
		return "", boom
	}, WithStepName("failing"))

	_, err := step.Invoke(context.Background(), struct{}{})
	assert.ErrorIs(t, err, boom)

	f, err := step.Start(context.Background(), struct{}{})
	require.NoError(t, err)
	_, err = f.Get(context.Background())
	assert.ErrorIs(t, err, boom)
}

func namedStepBody(_ context.Context, s string) (string, error) {
	return strings.ToUpper(s), nil
}

func TestStepDefaultNameIsFullyQualified(t *testing.T) {
	step := NewStep(namedStepBody)
	assert.Contains(t, step.Name(), "namedStepBody")

	named := NewStep(namedStepBody, WithStepName("uppercase"))
	assert.Equal(t, "uppercase", named.Name())
}

func TestNewStepNilFunctionPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewStep[int, int](nil)
	})
}

func TestNewWorkflowNilFunctionPanics(t *testing.T) {
	assert.Panics(t, func() {
		New[int, int](nil)
	})
}
