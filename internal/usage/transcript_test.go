package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pi_output.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExtractTranscript_AccumulatesUsage(t *testing.T) {
	path := writeTranscript(t, `{"type":"message_start","message":{"role":"assistant"}}
{"type":"message_end","message":{"role":"assistant","content":"first","usage":{"input":120,"output":40,"cacheRead":30,"cacheWrite":7,"cost":0.02}}}
{"type":"message_end","message":{"role":"assistant","content":"second","usage":{"input":80,"output":60,"cost":{"total":0.03}}}}
`)

	rec := ExtractTranscript(path, TranscriptOptions{Provider: "anthropic", Model: "claude-3-5-sonnet-latest", OutputMode: "json", SessionSaved: true})

	assert.Equal(t, 200, rec.InputTokens)
	assert.Equal(t, 100, rec.OutputTokens)
	assert.Equal(t, 30, rec.CacheReadTokens)
	assert.Equal(t, 7, rec.CacheWriteTokens)
	assert.InDelta(t, 0.05, rec.CostUSD, 1e-9)
	assert.True(t, rec.Success)
	assert.Equal(t, true, rec.Metadata["actual_api_usage"])
	assert.Equal(t, true, rec.Metadata["session_saved"])
}

func TestExtractTranscript_IgnoresNonUsageLines(t *testing.T) {
	path := writeTranscript(t, `plain text banner
{"type":"message_end","message":{"role":"user","content":"a question"}}
{not valid json
{"type":"tool_call","message":{"role":"assistant"}}
{"type":"message_end","message":{"role":"assistant","content":"answer","usage":{"input":10,"output":5}}}
`)

	rec := ExtractTranscript(path, TranscriptOptions{Provider: "openai"})
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 5, rec.OutputTokens)
	assert.True(t, rec.Success)
}

func TestExtractTranscript_FallbackEstimate(t *testing.T) {
	// Assistant content but no usage events anywhere.
	content := strings.Repeat("x", 2000)
	path := writeTranscript(t, fmt.Sprintf(`{"type":"message_delta","message":{"role":"assistant","content":"%s"}}
{"type":"message_end","message":{"role":"assistant","content":"%s"}}
`, content, content))

	rec := ExtractTranscript(path, TranscriptOptions{Provider: "anthropic", Model: "claude-3-5-sonnet-latest"})

	assert.Equal(t, FallbackInputTokens, rec.InputTokens)
	// Two assistant lines, each with ~2000 content chars plus quotes.
	assert.GreaterOrEqual(t, rec.OutputTokens, 1000)
	assert.Equal(t, false, rec.Metadata["actual_api_usage"])

	inRate, outRate := fallbackRates("anthropic")
	want := float64(rec.InputTokens)/1000*inRate + float64(rec.OutputTokens)/1000*outRate
	assert.InDelta(t, want, rec.CostUSD, 1e-9)

	// No measured output tokens means the run cannot be called successful.
	assert.False(t, rec.Success)
}

func TestExtractTranscript_FallbackFloorsOutput(t *testing.T) {
	path := writeTranscript(t, `{"type":"message_end","message":{"role":"assistant","content":"ok"}}
`)

	rec := ExtractTranscript(path, TranscriptOptions{Provider: "groq"})
	assert.Equal(t, MinFallbackOutputTokens, rec.OutputTokens)

	// Groq output rate is zero, so only the input side contributes.
	inRate, _ := fallbackRates("groq")
	assert.InDelta(t, float64(FallbackInputTokens)/1000*inRate, rec.CostUSD, 1e-9)
}

func TestExtractTranscript_ErrorIndicators(t *testing.T) {
	path := writeTranscript(t, `ERROR: rate limited
{"type":"message_end","message":{"role":"assistant","content":"partial","usage":{"input":10,"output":5}}}
`)

	rec := ExtractTranscript(path, TranscriptOptions{Provider: "openai"})
	assert.Equal(t, 5, rec.OutputTokens)
	assert.False(t, rec.Success)
}

func TestExtractTranscript_ErrorScanIsBounded(t *testing.T) {
	// An error indicator past the scanned prefix does not flip success.
	var b strings.Builder
	for i := 0; i < errorScanLines; i++ {
		b.WriteString("clean line\n")
	}
	b.WriteString("error: too late to matter\n")
	b.WriteString(`{"type":"message_end","message":{"role":"assistant","content":"done","usage":{"input":10,"output":5}}}` + "\n")

	rec := ExtractTranscript(writeTranscript(t, b.String()), TranscriptOptions{Provider: "openai"})
	assert.True(t, rec.Success)
}

func TestExtractTranscript_MissingFile(t *testing.T) {
	rec := ExtractTranscript(filepath.Join(t.TempDir(), "nope.log"), TranscriptOptions{Provider: "openai", Model: ""})

	assert.False(t, rec.Success)
	assert.Zero(t, rec.TotalTokens())
	assert.Equal(t, "no output file found", rec.Metadata["error"])
	assert.Equal(t, "default", rec.Metadata["model"])
}

func TestCostValue(t *testing.T) {
	assert.Equal(t, 0.25, costValue([]byte(`0.25`)))
	assert.Equal(t, 0.5, costValue([]byte(`{"total":0.5,"input":0.1}`)))
	assert.Equal(t, 0.0, costValue([]byte(`"free"`)))
	assert.Equal(t, 0.0, costValue(nil))
}
