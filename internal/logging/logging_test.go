package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("smoke")
}

func TestNewConsoleFormat(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewConstantFields(t *testing.T) {
	logger, err := New(Config{
		Level:  "info",
		Format: "json",
		Fields: map[string]string{"agent": "test-agent"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNewRejectsBadFormat(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
