package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookwatch/bookwatch/internal/logging"
)

func TestNewDevelopment(t *testing.T) {
	logger, err := logging.New(true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewProduction(t *testing.T) {
	logger, err := logging.New(false)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestInitReplacesGlobal(t *testing.T) {
	require.NoError(t, logging.Init(false))
	assert.NotNil(t, logging.L)
	logging.L.Info("global logger usable after init")
}
