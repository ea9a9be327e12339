package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
)

func TestBuildWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pitchtalk.log")
	var console bytes.Buffer

	log, err := build(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	log.Named("supervisor").Info("evaluation applied", zap.Int("attitude", 6))
	log.Debug("hidden")
	_ = log.Sync()

	assert.Contains(t, console.String(), "evaluation applied")
	assert.NotContains(t, console.String(), "hidden")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "evaluation applied", lines[0]["message"])
	assert.Equal(t, "supervisor", lines[0]["logger"])
	assert.EqualValues(t, 6, lines[0]["attitude"])
	assert.Contains(t, lines[0], "timestamp")
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := build(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
