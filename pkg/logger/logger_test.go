package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnknownValues(t *testing.T) {
	require.Error(t, Config{Level: "loud", Format: "console"}.Validate())
	require.Error(t, Config{Level: "info", Format: "xml"}.Validate())
	require.NoError(t, Config{Level: "info", Format: "json"}.Validate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "yaml"})
	require.Error(t, err)
}

func TestNewLogsToTheConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("engine started")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "engine started")
	require.Contains(t, string(data), `"service":"compoundfs"`)
}
