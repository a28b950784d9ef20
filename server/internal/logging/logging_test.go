package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/config"
)

func TestNewJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	logger.WithField("case_id", "c-1").Info("final applied")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"case_id":"c-1"`)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
