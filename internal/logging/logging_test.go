package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", "json")
	require.NoError(t, err)

	logger.WithField("message_id", 7).Debug("enter")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "enter", line["msg"])
	require.Equal(t, "debug", line["level"])
	require.EqualValues(t, 7, line["message_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "warn", "text")
	require.NoError(t, err)

	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestRejectsBadInput(t *testing.T) {
	_, err := New("loud", "text")
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}
