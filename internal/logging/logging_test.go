package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestSetupWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	closer, err := Setup(config.Log{Level: "info", File: "logs/agent.log", MaxSizeMB: 1}, dir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Logger = zerolog.Nop() })

	log.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "agent.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestFilePath(t *testing.T) {
	assert.Empty(t, FilePath(config.Log{}, "/data"))
	assert.Equal(t, "/data/agent.log", FilePath(config.Log{File: "agent.log"}, "/data"))
	assert.Equal(t, "/var/log/wt.log", FilePath(config.Log{File: "/var/log/wt.log"}, "/data"))
}
