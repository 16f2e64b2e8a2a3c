package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSteps_StreamingTranscript(t *testing.T) {
	transcript := `{"type":"message_start","message":{"role":"assistant"}}
{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"Let me look at the file."},{"type":"toolCall","id":"call-1","name":"read_file","arguments":{"path":"main.go"}}]}}
{"type":"message_end","message":{"role":"assistant","content":[{"type":"toolResult","toolCallId":"call-1","output":"package main"}]}}
{"type":"message_end","message":{"role":"assistant","content":"All done."}}
`

	steps := ExtractSteps([]byte(transcript))
	require.Len(t, steps, 3)

	assert.Equal(t, "text", steps[0].Type)
	assert.Equal(t, "Let me look at the file.", steps[0].OutputPreview)

	assert.Equal(t, "tool_call", steps[1].Type)
	assert.Equal(t, "read_file", steps[1].Tool)
	assert.Contains(t, steps[1].InputPreview, "path: main.go")
	assert.Equal(t, "package main", steps[1].OutputPreview)

	assert.Equal(t, "text", steps[2].Type)
	assert.Equal(t, "All done.", steps[2].OutputPreview)
}

func TestExtractSteps_FreeTextOutput(t *testing.T) {
	output := "Checking Factory Droid authentication...\nAuth file found\nDone.\n"

	steps := ExtractSteps([]byte(output))
	require.Len(t, steps, 1)
	assert.Equal(t, "text", steps[0].Type)
	assert.Contains(t, steps[0].OutputPreview, "Auth file found")
	assert.False(t, steps[0].Truncated)
}

func TestExtractSteps_LongTextIsTruncated(t *testing.T) {
	output := strings.Repeat("x", PreviewLength*3)

	steps := ExtractSteps([]byte(output))
	require.Len(t, steps, 1)
	assert.True(t, steps[0].Truncated)
	assert.Len(t, steps[0].OutputPreview, PreviewLength+3)
}

func TestExtractSteps_EmptyOutput(t *testing.T) {
	assert.Nil(t, ExtractSteps(nil))
	assert.Nil(t, ExtractSteps([]byte("   \n  ")))
}

func TestExtractSteps_IgnoresNonAssistantEvents(t *testing.T) {
	transcript := `{"type":"message_end","message":{"role":"user","content":"a question"}}
{"type":"tool_progress","message":{"role":"assistant","content":"ignored"}}
`

	steps := ExtractSteps([]byte(transcript))
	// Nothing usable decoded, so the raw transcript becomes the preview.
	require.Len(t, steps, 1)
	assert.Equal(t, "text", steps[0].Type)
}
