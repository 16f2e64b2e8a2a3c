package history

import (
	"encoding/json"
	"strings"
)

// ExtractSteps parses a captured agent transcript and extracts an outline
// of execution steps. Streaming JSON logs (pi-coding-agent json mode) are
// decoded event by event; free-text output (Factory Droid) collapses to a
// single text step with a preview.
func ExtractSteps(output []byte) []Step {
	toolCalls := make(map[string]int) // block ID -> index into steps
	var steps []Step

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var event transcriptEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if event.Type != "message_end" || event.Message.Role != "assistant" {
			continue
		}

		// Content may be a bare string or a block array.
		var text string
		if err := json.Unmarshal(event.Message.Content, &text); err == nil {
			if text = strings.TrimSpace(text); text != "" {
				steps = append(steps, Step{
					Type:          "text",
					OutputPreview: truncate(text, PreviewLength),
					Truncated:     len(text) > PreviewLength,
				})
			}
			continue
		}

		var blocks []contentBlock
		if err := json.Unmarshal(event.Message.Content, &blocks); err != nil {
			continue
		}

		for _, block := range blocks {
			switch block.Type {
			case "text":
				if text := strings.TrimSpace(block.Text); text != "" {
					steps = append(steps, Step{
						Type:          "text",
						OutputPreview: truncate(text, PreviewLength),
						Truncated:     len(text) > PreviewLength,
					})
				}

			case "toolCall", "tool_use":
				inputStr := formatInput(block.Arguments)
				if inputStr == "" {
					inputStr = formatInput(block.Input)
				}
				step := Step{
					Type:         "tool_call",
					Tool:         block.Name,
					InputPreview: truncate(inputStr, PreviewLength),
					Truncated:    len(inputStr) > PreviewLength,
				}
				steps = append(steps, step)
				toolCalls[block.ID] = len(steps) - 1

			case "toolResult", "tool_result":
				contentStr := formatContent(block.Output)
				if contentStr == "" {
					contentStr = formatContent(block.Content)
				}
				if idx, ok := toolCalls[block.ToolCallID]; ok {
					steps[idx].OutputPreview = truncate(contentStr, PreviewLength)
					if len(contentStr) > PreviewLength {
						steps[idx].Truncated = true
					}
				}
			}
		}
	}

	// No structured events: return raw output as a single text step.
	if len(steps) == 0 {
		trimmed := strings.TrimSpace(string(output))
		if trimmed == "" {
			return nil
		}
		return []Step{{
			Type:          "text",
			OutputPreview: truncate(trimmed, PreviewLength),
			Truncated:     len(trimmed) > PreviewLength,
		}}
	}

	return steps
}

// transcriptEvent is one line of a streaming JSON transcript.
type transcriptEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock represents a content block in an assistant message.
type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
	Input     any    `json:"input,omitempty"`

	// Tool result fields
	ToolCallID string `json:"toolCallId,omitempty"`
	Output     any    `json:"output,omitempty"`
	Content    any    `json:"content,omitempty"` // Can be string or array
}

func formatInput(input any) string {
	if input == nil {
		return ""
	}

	switch v := input.(type) {
	case string:
		return v
	case map[string]any:
		// Format as key: value pairs, one per line
		var parts []string
		for key, val := range v {
			valStr := formatValue(val)
			parts = append(parts, key+": "+valStr)
		}
		return strings.Join(parts, "\n")
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

func formatContent(content any) string {
	if content == nil {
		return ""
	}

	switch v := content.(type) {
	case string:
		return v
	case []any:
		// Array of content blocks
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		// For multi-line strings, show first few lines
		lines := strings.Split(val, "\n")
		if len(lines) > 3 {
			return strings.Join(lines[:3], "\n") + "\n..."
		}
		return val
	case bool, int, int64, float64:
		return jsonString(val)
	default:
		return jsonString(val)
	}
}

func jsonString(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
