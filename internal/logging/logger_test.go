package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestFileSinkReceivesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.log")
	log, err := New(Config{Level: "error", File: path, Production: true})
	require.NoError(t, err)

	log.Debugw("transition committed", "to", "FULFILLED")
	_ = log.Sync()

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(blob), `"to":"FULFILLED"`), string(blob))
}
