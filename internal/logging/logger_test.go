package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matrix-engine/internal/errors"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn, FormatJSON)
	l.SetOutput(&buf)

	l.Info("dropped")
	l.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"kept"`)
}

func TestLogger_NamedAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelDebug, FormatJSON)
	l.SetOutput(&buf)

	l.Named("sweeper").WithField("claim_id", "c1").Info("rolled up")

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sweeper", entry.Component)
	assert.Equal(t, "c1", entry.Fields["claim_id"])
	assert.NotContains(t, entry.Fields, "component")
}

func TestLogger_DerivedLoggersDoNotShareFields(t *testing.T) {
	base := NewLogger(LevelInfo, FormatJSON)
	a := base.WithField("a", 1)
	b := base.WithField("b", 2)
	assert.NotContains(t, a.fields, "b")
	assert.NotContains(t, b.fields, "a")
	assert.Empty(t, base.fields)
}

func TestLogger_CriticalCarriesSeverityAndCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatJSON)
	l.SetOutput(&buf)

	l.Critical("locked pool exhausted", apperrors.InsufficientLockedPool("0xabc", 3, "10", "200"))

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, SeverityCritical, entry.Fields["severity"])
	assert.Equal(t, apperrors.CodeInsufficientLockedPool, entry.Fields["error_code"])
	assert.NotEmpty(t, entry.Caller)
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo, FormatText)
	l.SetOutput(&buf)

	l.Named("api").Info("listening")
	assert.Contains(t, buf.String(), "info (api): listening")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel(""))
	assert.Equal(t, LevelInfo, ParseLogLevel("nope"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
}
