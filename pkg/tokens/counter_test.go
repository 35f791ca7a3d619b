package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterKnownModel(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count(""))
	assert.Greater(t, counter.Count("hello world"), 0)
}

func TestCounterFallsBackForUnknownModel(t *testing.T) {
	counter, err := NewCounter("some-future-model")
	require.NoError(t, err)
	assert.Greater(t, counter.Count("hello world"), 0)
}

func TestCounterLongerTextCountsMore(t *testing.T) {
	counter, err := NewCounter("gpt-4")
	require.NoError(t, err)

	short := counter.Count("Hi")
	long := counter.Count("Hi there, this is a much longer assistant reply spanning several clauses.")
	assert.Greater(t, long, short)
}
