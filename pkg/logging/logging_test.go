package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{input: "debug", want: LevelDebug},
		{input: "INFO", want: LevelInfo},
		{input: "Warning", want: LevelWarn},
		{input: "warn", want: LevelWarn},
		{input: " error ", want: LevelError},
		{input: "", want: LevelInfo},
		{input: "trace", want: LevelInfo, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseLevel(tt.input))
			_, err := ParseLevelStrict(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("logfmt"))
}

func TestNew_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})
	log.Info("hidden")
	Component(log, "storage").Warn("slow", "op", "create")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "slow", rec["msg"])
	assert.Equal(t, "storage", rec["component"])
	assert.Equal(t, "create", rec["op"])
}

func TestNew_FileTee(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	log := New(Config{Level: LevelInfo, Format: FormatText, Output: &console, File: &file})
	log = log.WithGroup("req").With("provider", "aws")
	log.Info("listening")
	log.Debug("routed", "op", "PutObject")

	assert.Contains(t, console.String(), "msg=listening")
	assert.Contains(t, console.String(), "req.provider=aws")
	assert.NotContains(t, console.String(), "routed", "console honours Level")

	lines := strings.Split(strings.TrimSpace(file.String()), "\n")
	require.Len(t, lines, 2, "file sink records debug")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "routed", rec["msg"])
	assert.Equal(t, map[string]any{"provider": "aws", "op": "PutObject"}, rec["req"])
}

func TestNew_ErrorLevelSilencesConsoleOnly(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	log := New(Config{Level: LevelError, Output: &console})
	assert.False(t, log.Enabled(context.Background(), LevelWarn))

	log = New(Config{Level: LevelError, Output: &console, File: io.Discard})
	assert.True(t, log.Enabled(context.Background(), LevelDebug))
	log.Warn("dropped")
	assert.Empty(t, console.String())
}

func TestNopAndNilComponent(t *testing.T) {
	t.Parallel()
	Nop().Error("discarded")
	Component(nil, "x").Info("discarded")
}
