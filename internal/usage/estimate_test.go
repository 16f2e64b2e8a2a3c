package usage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDroidLog(t *testing.T, content string) (string, string) {
	t.Helper()
	logsDir := t.TempDir()
	path := filepath.Join(logsDir, "droid_output.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, logsDir
}

func TestEstimateLog_SuccessfulRun(t *testing.T) {
	content := strings.Repeat("some generated code\n", 50) + "=== Factory Droid Session Complete ===\n"
	path, logsDir := writeDroidLog(t, content)

	rec := EstimateLog(path, EstimateOptions{
		Model:           "claude-sonnet-4-20250514",
		ReasoningEffort: "medium",
		Instruction:     "add a retry loop to the fetcher",
		LogsDir:         logsDir,
	})

	assert.True(t, rec.Success)
	assert.Equal(t, len(content)/CharsPerToken, rec.OutputTokens)
	assert.Equal(t, len("add a retry loop to the fetcher")/CharsPerToken, rec.InputTokens)
	assert.InDelta(t, float64(rec.TotalTokens())/1000*defaultDroidCostPer1K, rec.CostUSD, 1e-9)
	assert.Equal(t, "claude-sonnet-4-20250514", rec.Metadata["droid_model"])
	assert.Equal(t, "medium", rec.Metadata["reasoning_effort"])
}

func TestEstimateLog_ShortModelRates(t *testing.T) {
	tests := []struct {
		model string
		rate  float64
	}{
		{model: "opus", rate: 0.015},
		{model: "haiku", rate: 0.0008},
		{model: "GPT-5", rate: 0.01},
		{model: "droid-core", rate: 0.002},
		{model: "something-else", rate: defaultDroidCostPer1K},
	}

	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			path, logsDir := writeDroidLog(t, strings.Repeat("x", 4000))
			rec := EstimateLog(path, EstimateOptions{Model: tc.model, LogsDir: logsDir})
			require.Equal(t, 1000, rec.OutputTokens)
			assert.InDelta(t, float64(rec.TotalTokens())/1000*tc.rate, rec.CostUSD, 1e-9)
		})
	}
}

func TestEstimateLog_NoMarkerMeansFailure(t *testing.T) {
	path, logsDir := writeDroidLog(t, "some output but the session never finished\n")

	rec := EstimateLog(path, EstimateOptions{Model: "sonnet", LogsDir: logsDir})
	assert.False(t, rec.Success)
	assert.Greater(t, rec.OutputTokens, 0)
}

func TestEstimateLog_CollectsErrorLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("Error: attempt failed\n")
	}
	b.WriteString("=== Factory Droid Session Complete ===\n")
	path, logsDir := writeDroidLog(t, b.String())

	rec := EstimateLog(path, EstimateOptions{Model: "sonnet", LogsDir: logsDir})
	errs, ok := rec.Metadata["errors"].([]string)
	require.True(t, ok)
	assert.Len(t, errs, maxErrorLines)
}

func TestEstimateLog_EmptyInstruction(t *testing.T) {
	path, logsDir := writeDroidLog(t, "output\n")
	rec := EstimateLog(path, EstimateOptions{Model: "sonnet", LogsDir: logsDir})
	assert.Zero(t, rec.InputTokens)
}

func TestEstimateLog_MissingLogProbesCommandDirs(t *testing.T) {
	logsDir := t.TempDir()

	// command-0 is empty, command-2 holds the interesting capture.
	require.NoError(t, os.MkdirAll(filepath.Join(logsDir, "command-0"), 0755))
	cmdDir := filepath.Join(logsDir, "command-2")
	require.NoError(t, os.MkdirAll(cmdDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cmdDir, "stdout.txt"), []byte(strings.Repeat("z", 800)), 0644))

	rec := EstimateLog(filepath.Join(logsDir, "droid_output.log"), EstimateOptions{Model: "sonnet", LogsDir: logsDir})

	assert.False(t, rec.Success)
	assert.Equal(t, "no output file found", rec.Metadata["error"])
	sample, ok := rec.Metadata["command_output_sample"].(string)
	require.True(t, ok)
	assert.Len(t, sample, sampleLength)
}

func TestEstimateLog_MissingLogNoCaptures(t *testing.T) {
	logsDir := t.TempDir()
	rec := EstimateLog(filepath.Join(logsDir, "droid_output.log"), EstimateOptions{Model: "opus", LogsDir: logsDir})

	assert.Equal(t, "no output file found", rec.Metadata["error"])
	assert.Equal(t, "opus", rec.Metadata["droid_model"])
	assert.NotContains(t, rec.Metadata, "command_output_sample")
}
