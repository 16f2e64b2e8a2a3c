package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TranscriptOptions carries the run configuration the extractor needs for
// fallback estimation and metadata.
type TranscriptOptions struct {
	Provider     string
	Model        string
	OutputMode   string
	SessionSaved bool
}

// transcriptEvent is one newline-delimited JSON record from a pi-coding-agent
// streaming log. Only assistant message_end events carry usage data.
type transcriptEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Usage   *usageBlock     `json:"usage"`
	} `json:"message"`
}

type usageBlock struct {
	Input      int             `json:"input"`
	Output     int             `json:"output"`
	CacheRead  int             `json:"cacheRead"`
	CacheWrite int             `json:"cacheWrite"`
	Cost       json.RawMessage `json:"cost"`
}

// costValue sums a usage cost field that may be a bare number or an object
// with a "total" field. Anything else contributes zero.
func costValue(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var flat float64
	if json.Unmarshal(raw, &flat) == nil {
		return flat
	}
	var nested struct {
		Total float64 `json:"total"`
	}
	if json.Unmarshal(raw, &nested) == nil {
		return nested.Total
	}
	return 0
}

// ExtractTranscript reads a pi-coding-agent streaming JSON log and produces
// a usage Record. It never fails: a missing file or unreadable transcript
// yields a metadata-only record, and a transcript without usage events
// falls back to a heuristic estimate.
func ExtractTranscript(path string, opts TranscriptOptions) Record {
	rec, err := extractTranscript(path, opts)
	if err != nil {
		return errorRecord(err, opts)
	}
	return rec
}

func extractTranscript(path string, opts TranscriptOptions) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			rec := errorRecord(fmt.Errorf("no output file found"), opts)
			return rec, nil
		}
		return Record{}, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var rec Record

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var event transcriptEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // Skip malformed JSON lines
		}

		if event.Type != "message_end" || event.Message.Role != "assistant" || event.Message.Usage == nil {
			continue
		}

		u := event.Message.Usage
		rec.InputTokens += u.Input
		rec.OutputTokens += u.Output
		rec.CacheReadTokens += u.CacheRead
		rec.CacheWriteTokens += u.CacheWrite
		rec.CostUSD += costValue(u.Cost)
	}
	if err := scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("scanning transcript: %w", err)
	}

	actualUsage := rec.InputTokens > 0 || rec.OutputTokens > 0
	actualOutput := rec.OutputTokens
	if !actualUsage {
		if err := estimateFromContent(path, opts, &rec); err != nil {
			return Record{}, err
		}
	}

	hasErrors, err := scanForErrors(path)
	if err != nil {
		return Record{}, err
	}

	rec.Success = !hasErrors && actualOutput > 0
	rec.Metadata = map[string]any{
		"provider":         opts.Provider,
		"model":            modelOrDefault(opts.Model),
		"output_mode":      opts.OutputMode,
		"success":          rec.Success,
		"session_saved":    opts.SessionSaved,
		"actual_api_usage": actualUsage,
	}
	return rec, nil
}

// estimateFromContent recomputes token totals from assistant message content
// length when the streaming log carried no usage events. The character count
// only covers lines that decode cleanly; a line that merely contains the
// assistant-role substring but fails to parse is skipped.
func estimateFromContent(path string, opts TranscriptOptions, rec *Record) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening transcript: %w", err)
	}
	defer f.Close()

	contentChars := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, `"role":"assistant"`) || !strings.Contains(line, `"content"`) {
			continue
		}
		var event transcriptEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &event); err != nil {
			continue
		}
		contentChars += len(event.Message.Content)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning transcript content: %w", err)
	}

	rec.InputTokens = FallbackInputTokens
	rec.OutputTokens = contentChars / CharsPerToken
	if rec.OutputTokens < MinFallbackOutputTokens {
		rec.OutputTokens = MinFallbackOutputTokens
	}

	inRate, outRate := fallbackRates(opts.Provider)
	rec.CostUSD = float64(rec.InputTokens)/1000*inRate + float64(rec.OutputTokens)/1000*outRate
	return nil
}

// scanForErrors checks the first errorScanLines lines for error indicators.
func scanForErrors(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("reopening transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for i := 0; i < errorScanLines && scanner.Scan(); i++ {
		if containsErrorIndicator(scanner.Text()) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func containsErrorIndicator(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") || strings.Contains(lower, "failed")
}

func errorRecord(err error, opts TranscriptOptions) Record {
	return Record{
		Metadata: map[string]any{
			"error":    err.Error(),
			"provider": opts.Provider,
			"model":    modelOrDefault(opts.Model),
		},
	}
}

func modelOrDefault(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
