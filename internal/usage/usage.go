// Package usage derives token counts and cost estimates from the captured
// output of coding-agent CLI runs. Extraction is best-effort by design:
// malformed transcripts degrade to heuristic estimates or metadata-only
// records, never to errors surfaced at the call site.
package usage

// Record is the common usage/metrics result handed back to the harness.
// It is created empty before a run, populated once after the external tool
// terminates, and never mutated again.
type Record struct {
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	CacheReadTokens  int            `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int            `json:"cache_write_tokens,omitempty"`
	CostUSD          float64        `json:"cost_usd"`
	Success          bool           `json:"success"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (r Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Estimation constants. These are admittedly rough; they are kept as
// named constants rather than tuned further.
const (
	// CharsPerToken is the character-to-token divisor used when a CLI
	// exposes no token counts.
	CharsPerToken = 4

	// FallbackInputTokens is the flat input estimate for a typical
	// instruction when no usage events were found.
	FallbackInputTokens = 500

	// MinFallbackOutputTokens floors the heuristic output estimate so a
	// transcript with any assistant content never reports zero output.
	MinFallbackOutputTokens = 100

	// errorScanLines bounds the prefix scanned for error indicators.
	errorScanLines = 20
)
