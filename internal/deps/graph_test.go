package deps

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphTransitiveFeatures(t *testing.T) {
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	g, err := NewGraph([]Node{
		{ID: "app", Features: []string{"touch"}, Requires: []string{"dom"}},
		{ID: "dom", Features: []string{"ie", "touch"}, Requires: []string{"base"}},
		{ID: "base", Features: []string{"es6"}},
	}, modified)
	require.NoError(t, err)

	assert.Equal(t, []string{"es6", "ie", "touch"}, g.DependentFeatures("app"))
	assert.Equal(t, []string{"es6"}, g.DependentFeatures("base"))
	assert.Empty(t, g.DependentFeatures("missing"))
	assert.Equal(t, []string{"dom"}, g.Requires("app"))
	assert.True(t, g.LastModified().Equal(modified))
}

func TestGraphCycleTerminates(t *testing.T) {
	g, err := NewGraph([]Node{
		{ID: "a", Features: []string{"x"}, Requires: []string{"b"}},
		{ID: "b", Features: []string{"y"}, Requires: []string{"a"}},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, g.DependentFeatures("a"))
	assert.Equal(t, []string{"x", "y"}, g.DependentFeatures("b"))
}

func TestGraphUnknownDependency(t *testing.T) {
	_, err := NewGraph([]Node{{ID: "a", Requires: []string{"ghost"}}}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}
