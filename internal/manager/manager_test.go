package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultmap/faultmap/internal/config"
)

func TestSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRemoveUnknownRegion(t *testing.T) {
	_, err := Get().RemoveRegion(0xdead000)
	assert.ErrorIs(t, err, ErrRegionNotFound)
}

func TestContainingRegionEmpty(t *testing.T) {
	assert.Nil(t, Get().ContainingRegion(0xdead000))
}

func TestUpdateConfigValidates(t *testing.T) {
	m := Get()

	err := m.UpdateConfig(func(c *config.Config) { c.LowWatermark = 99 })
	require.Error(t, err)

	// The stored config is untouched by the failed update.
	cfg, err := m.Config()
	require.NoError(t, err)
	assert.NotEqual(t, 99, cfg.LowWatermark)
}
