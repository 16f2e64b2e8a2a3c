// Package history provides run history storage with step outlines.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"phobos.org.uk/wharf/internal/usage"
)

// Store manages run history persistence.
type Store struct {
	dir string // Base directory for history files

	mu      sync.RWMutex
	entries map[string]*Entry // In-memory cache keyed by run ID
}

// Entry represents a completed run in history.
type Entry struct {
	RunID              string        `json:"run_id"`
	Adapter            string        `json:"adapter"`
	State              string        `json:"state"`
	Instruction        string        `json:"instruction"`
	InstructionPreview string        `json:"instruction_preview"` // First 200 chars
	Model              string        `json:"model"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        time.Time     `json:"completed_at"`
	DurationSeconds    float64       `json:"duration_seconds"`
	ExitCode           *int          `json:"exit_code,omitempty"`
	Output             string        `json:"output,omitempty"`
	OutputPreview      string        `json:"output_preview,omitempty"` // First 200 chars
	Error              *EntryError   `json:"error,omitempty"`
	Usage              *usage.Record `json:"usage,omitempty"`
	Steps              []Step        `json:"steps,omitempty"` // Outline of execution steps
	HasDebugLog        bool          `json:"has_debug_log"`   // Whether full debug log exists
}

// EntryError captures error details.
type EntryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Step represents a single step in the run outline.
type Step struct {
	Type          string `json:"type"`                     // "tool_call", "text", "error"
	Tool          string `json:"tool,omitempty"`           // Tool name for tool_call
	InputPreview  string `json:"input_preview,omitempty"`  // First 200 chars of input
	OutputPreview string `json:"output_preview,omitempty"` // First 200 chars of output
	Truncated     bool   `json:"truncated,omitempty"`      // Whether content was truncated
}

// ListOptions controls pagination for List.
type ListOptions struct {
	Page  int // 1-indexed page number
	Limit int // Items per page (max 100)
}

// ListResult contains paginated history entries.
type ListResult struct {
	Entries    []EntrySummary `json:"entries"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// EntrySummary is a lightweight version of Entry for list responses.
type EntrySummary struct {
	RunID              string      `json:"run_id"`
	Adapter            string      `json:"adapter"`
	State              string      `json:"state"`
	InstructionPreview string      `json:"instruction_preview"`
	Model              string      `json:"model"`
	StartedAt          time.Time   `json:"started_at"`
	CompletedAt        time.Time   `json:"completed_at"`
	DurationSeconds    float64     `json:"duration_seconds"`
	ExitCode           *int        `json:"exit_code,omitempty"`
	Error              *EntryError `json:"error,omitempty"`
	HasDebugLog        bool        `json:"has_debug_log"`
}

// Retention limits
const (
	MaxOutlineEntries = 100
	MaxDebugEntries   = 20
	PreviewLength     = 200
)

// NewStore creates a new history store at the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[string]*Entry),
	}

	// Load existing entries from disk
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return s, nil
}

// Save persists a run entry to history.
// It also triggers pruning if limits are exceeded.
func (s *Store) Save(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Generate previews
	entry.InstructionPreview = truncate(entry.Instruction, PreviewLength)
	entry.OutputPreview = truncate(entry.Output, PreviewLength)

	// Save outline file
	outlinePath := s.outlinePath(entry.RunID)
	if err := writeJSON(outlinePath, entry); err != nil {
		return fmt.Errorf("saving outline: %w", err)
	}

	s.entries[entry.RunID] = entry

	// Prune old entries
	s.pruneUnlocked()

	return nil
}

// SaveDebugLog saves the full debug log for a run.
func (s *Store) SaveDebugLog(runID string, debugLog []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debugPath := s.debugPath(runID)
	if err := os.WriteFile(debugPath, debugLog, 0644); err != nil {
		return fmt.Errorf("saving debug log: %w", err)
	}

	// Update entry to indicate debug log exists
	if entry, ok := s.entries[runID]; ok {
		entry.HasDebugLog = true
		if err := writeJSON(s.outlinePath(runID), entry); err != nil {
			return fmt.Errorf("updating outline: %w", err)
		}
	}

	return nil
}

// Get retrieves a run entry by ID.
func (s *Store) Get(runID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[runID]
	if !ok {
		return nil, fmt.Errorf("%s not found in history", runID)
	}
	return entry, nil
}

// GetDebugLog retrieves the full debug log for a run.
func (s *Store) GetDebugLog(runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	debugPath := s.debugPath(runID)
	data, err := os.ReadFile(debugPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("debug log for %s not found", runID)
		}
		return nil, fmt.Errorf("reading debug log: %w", err)
	}
	return data, nil
}

// List returns paginated history entries, newest first.
func (s *Store) List(opts ListOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Apply defaults
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	// Collect and sort entries by completion time (newest first)
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})

	total := len(sorted)
	totalPages := (total + opts.Limit - 1) / opts.Limit

	// Calculate slice bounds
	start := (opts.Page - 1) * opts.Limit
	end := start + opts.Limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	// Convert to summaries
	entries := make([]EntrySummary, 0, end-start)
	for _, e := range sorted[start:end] {
		entries = append(entries, EntrySummary{
			RunID:              e.RunID,
			Adapter:            e.Adapter,
			State:              e.State,
			InstructionPreview: e.InstructionPreview,
			Model:              e.Model,
			StartedAt:          e.StartedAt,
			CompletedAt:        e.CompletedAt,
			DurationSeconds:    e.DurationSeconds,
			ExitCode:           e.ExitCode,
			Error:              e.Error,
			HasDebugLog:        e.HasDebugLog,
		})
	}

	return ListResult{
		Entries:    entries,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// load reads all existing entries from disk.
func (s *Store) load() error {
	pattern := filepath.Join(s.dir, "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip unreadable files
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue // Skip invalid JSON
		}

		// Check if debug log exists
		debugPath := s.debugPath(entry.RunID)
		if _, err := os.Stat(debugPath); err == nil {
			entry.HasDebugLog = true
		}

		s.entries[entry.RunID] = &entry
	}

	return nil
}

// pruneUnlocked removes old entries exceeding retention limits.
// Must be called with lock held.
func (s *Store) pruneUnlocked() {
	// Sort by completion time (newest first)
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})

	// Delete oldest entries exceeding outline limit
	if len(sorted) > MaxOutlineEntries {
		for i := MaxOutlineEntries; i < len(sorted); i++ {
			runID := sorted[i].RunID
			os.Remove(s.outlinePath(runID))
			os.Remove(s.debugPath(runID)) // Also remove debug if exists
			delete(s.entries, runID)
		}
		sorted = sorted[:MaxOutlineEntries]
	}

	// Prune debug logs for older entries (keep only newest MaxDebugEntries)
	for i := MaxDebugEntries; i < len(sorted); i++ {
		runID := sorted[i].RunID
		debugPath := s.debugPath(runID)
		if _, err := os.Stat(debugPath); err == nil {
			os.Remove(debugPath)
			if entry, ok := s.entries[runID]; ok {
				entry.HasDebugLog = false
				// Update the file to reflect HasDebugLog = false
				writeJSON(s.outlinePath(runID), entry)
			}
		}
	}
}

func (s *Store) outlinePath(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *Store) debugPath(runID string) string {
	return filepath.Join(s.dir, runID+".debug.log")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
