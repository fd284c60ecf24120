package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	l.WithField("job_id", 42).WithFields(map[string]interface{}{"dest": "yt_main"}).Info("job started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job started", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.EqualValues(t, 42, entry["job_id"])
	assert.Equal(t, "yt_main", entry["dest"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelWarn, FormatJSON, &buf)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warnf("visible %d", 1)
	assert.Contains(t, buf.String(), "visible 1")

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_WithErrorDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	child := parent.WithError(errors.New("boom"))

	parent.Info("parent")
	assert.NotContains(t, buf.String(), "boom")

	buf.Reset()
	child.Error("child")
	assert.Contains(t, buf.String(), "boom")
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatText, &buf)
	l.WithField("worker", 1).Info("dispatch")

	out := buf.String()
	assert.True(t, strings.Contains(out, "dispatch"))
	assert.True(t, strings.Contains(out, "worker"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	ctx := WithLogger(context.Background(), l)

	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := ParseLogFormat("text"); got != FormatText {
		t.Errorf("ParseLogFormat(text) = %v, want %v", got, FormatText)
	}
}
