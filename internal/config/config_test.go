package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = ""
	require.Error(t, cfg.Validate())
}

func TestDatabasePath(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/var/lib/dispatch"
	require.Equal(t, filepath.Join("/var/lib/dispatch", "dispatch.db"), cfg.DatabasePath())
}
