package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsSmallMTU(t *testing.T) {
	c := DefaultConfig()
	c.MTU = 80
	assert.ErrorIs(t, c.Validate(), ErrInvalidMTU)
}

func TestValidateRejectsOutOfBoundsConnections(t *testing.T) {
	c := DefaultConfig()
	c.MaxConnections = MinConnections - 1
	assert.ErrorIs(t, c.Validate(), ErrInvalidConnectionBound)

	c.MaxConnections = MaxConnections + 1
	assert.ErrorIs(t, c.Validate(), ErrInvalidConnectionBound)
}

func TestValidateRejectsNonPositiveWorkerCount(t *testing.T) {
	c := DefaultConfig()
	c.WorkerCount = 0
	assert.ErrorIs(t, c.Validate(), ErrInvalidWorkerCount)
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	c := DefaultConfig()
	c.PendingLifetime = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.GCInterval = -time.Second
	assert.Error(t, c.Validate())
}

func TestNewLoggerRespectsVerbose(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, logrus.InfoLevel, c.NewLogger().GetLevel())

	c.Verbose = true
	assert.Equal(t, logrus.DebugLevel, c.NewLogger().GetLevel())
}
