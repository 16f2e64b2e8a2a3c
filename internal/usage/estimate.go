package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sessionCompleteMarker is echoed by the post-run inspection command; its
// presence means the droid invocation ran to the end of the sequence.
const sessionCompleteMarker = "Factory Droid Session Complete"

// maxErrorLines bounds how many error lines land in metadata.
const maxErrorLines = 5

// maxCommandProbe bounds the command-N directory scan when the main log is
// missing.
const maxCommandProbe = 5

// sampleLength bounds the stdout sample stored in a degraded record.
const sampleLength = 500

// EstimateOptions carries the run configuration the free-text estimator
// needs.
type EstimateOptions struct {
	Model           string
	ReasoningEffort string
	Instruction     string
	// LogsDir is probed for per-command stdout captures when the main log
	// is missing.
	LogsDir string
}

// EstimateLog derives a usage Record from a Factory Droid output log. The
// Droid CLI prints no structured metrics, so everything here is estimated
// from character counts and the per-model rate table. It never fails.
func EstimateLog(path string, opts EstimateOptions) Record {
	rec, err := estimateLog(path, opts)
	if err != nil {
		return Record{
			Metadata: map[string]any{
				"error":       err.Error(),
				"droid_model": opts.Model,
			},
		}
	}
	return rec
}

func estimateLog(path string, opts EstimateOptions) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logsDir := opts.LogsDir
			if logsDir == "" {
				logsDir = filepath.Dir(path)
			}
			return probeCommandOutputs(logsDir, opts), nil
		}
		return Record{}, fmt.Errorf("reading output log: %w", err)
	}

	content := string(data)
	lines := strings.Split(content, "\n")

	var rec Record
	rec.OutputTokens = len(content) / CharsPerToken
	if len(opts.Instruction) > 0 {
		rec.InputTokens = len(opts.Instruction) / CharsPerToken
		if rec.InputTokens < 1 {
			rec.InputTokens = 1
		}
	}

	rate := droidRatePer1K(opts.Model)
	if total := rec.TotalTokens(); total > 0 {
		rec.CostUSD = float64(total) / 1000 * rate
	}

	rec.Success = strings.Contains(content, sessionCompleteMarker)

	var errorLines []string
	for _, line := range lines {
		if containsErrorIndicator(line) {
			errorLines = append(errorLines, line)
			if len(errorLines) == maxErrorLines {
				break
			}
		}
	}

	rec.Metadata = map[string]any{
		"droid_model":      opts.Model,
		"reasoning_effort": opts.ReasoningEffort,
		"success":          rec.Success,
		"output_lines":     len(lines),
	}
	if len(errorLines) > 0 {
		rec.Metadata["errors"] = errorLines
	}
	return rec, nil
}

// probeCommandOutputs looks through per-command stdout captures when the
// main droid log is missing and keeps a short sample for diagnosis.
func probeCommandOutputs(logsDir string, opts EstimateOptions) Record {
	rec := Record{
		Metadata: map[string]any{
			"error":       "no output file found",
			"droid_model": opts.Model,
		},
	}

	for i := 0; i < maxCommandProbe; i++ {
		data, err := os.ReadFile(filepath.Join(logsDir, fmt.Sprintf("command-%d", i), "stdout.txt"))
		if err != nil || len(data) == 0 {
			continue
		}
		sample := string(data)
		if len(sample) > sampleLength {
			sample = sample[:sampleLength]
		}
		rec.Metadata["command_output_sample"] = sample
		break
	}
	return rec
}
