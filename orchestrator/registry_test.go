package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatmesh/threatmesh/core"
)

func TestRegistryOrdersByPriority(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(okAgent("c", core.TypeAnalyze, 3)))
	require.NoError(t, r.Register(okAgent("a", core.TypeAnalyze, 1)))
	require.NoError(t, r.Register(okAgent("b", core.TypeAnalyze, 2)))
	r.Freeze()

	pipeline, err := r.Pipeline(core.TypeAnalyze)
	require.NoError(t, err)
	require.Len(t, pipeline, 3)
	assert.Equal(t, "a", pipeline[0].Descriptor().Name)
	assert.Equal(t, "b", pipeline[1].Descriptor().Name)
	assert.Equal(t, "c", pipeline[2].Descriptor().Name)
}

func TestRegistryBreaksPriorityTiesByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(okAgent("zeta", core.TypeEnrich, 1)))
	require.NoError(t, r.Register(okAgent("alpha", core.TypeEnrich, 1)))
	r.Freeze()

	pipeline, err := r.Pipeline(core.TypeEnrich)
	require.NoError(t, err)
	require.Len(t, pipeline, 2)
	assert.Equal(t, "alpha", pipeline[0].Descriptor().Name)
	assert.Equal(t, "zeta", pipeline[1].Descriptor().Name)
}

func TestRegistryRejectsPostFreezeRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(okAgent("a", core.TypeAnalyze, 1)))
	r.Freeze()

	err := r.Register(okAgent("b", core.TypeAnalyze, 2))
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(okAgent("a", core.TypeAnalyze, 1)))

	assert.Error(t, r.Register(okAgent("a", core.TypeAnalyze, 5)), "duplicate name within a capability")
	assert.NoError(t, r.Register(okAgent("a", core.TypeEnrich, 1)), "same name under another capability is fine")
	assert.Error(t, r.Register(okAgent("", core.TypeAnalyze, 1)))
	assert.Error(t, r.Register(okAgent("x", "", 1)))
}

func TestRegistryUnknownTypeIsAnError(t *testing.T) {
	r := NewRegistry()
	r.Freeze()

	_, err := r.Pipeline(core.TypeReport)
	assert.Error(t, err)
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(okAgent("a", core.TypeEnrich, 1)))
	require.NoError(t, r.Register(okAgent("b", core.TypeAnalyze, 1)))

	assert.Equal(t, []core.TaskType{core.TypeAnalyze, core.TypeEnrich}, r.Capabilities())
}
