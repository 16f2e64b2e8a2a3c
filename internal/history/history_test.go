package history

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/wharf/internal/usage"
)

func newEntry(id string, completedAt time.Time) *Entry {
	return &Entry{
		RunID:       id,
		Adapter:     "factory-droid",
		State:       "completed",
		Instruction: "do the thing " + id,
		Model:       "claude-sonnet-4-20250514",
		StartedAt:   completedAt.Add(-time.Minute),
		CompletedAt: completedAt,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	entry := newEntry("run-1", time.Now())
	entry.Instruction = strings.Repeat("a", 300)
	entry.Output = strings.Repeat("b", 300)
	entry.Usage = &usage.Record{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, Success: true}

	require.NoError(t, store.Save(entry))

	got, err := store.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "factory-droid", got.Adapter)
	assert.Len(t, got.InstructionPreview, PreviewLength+3) // truncated with ellipsis
	assert.Len(t, got.OutputPreview, PreviewLength+3)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 150, got.Usage.TotalTokens())

	_, err = store.Get("run-missing")
	require.Error(t, err)
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(newEntry("run-1", time.Now())))
	require.NoError(t, store.SaveDebugLog("run-1", []byte("full transcript")))

	reopened, err := NewStore(dir)
	require.NoError(t, err)

	got, err := reopened.Get("run-1")
	require.NoError(t, err)
	assert.True(t, got.HasDebugLog)

	log, err := reopened.GetDebugLog("run-1")
	require.NoError(t, err)
	assert.Equal(t, "full transcript", string(log))
}

func TestStore_List(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(newEntry(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	t.Run("newest first", func(t *testing.T) {
		result := store.List(ListOptions{})
		require.Len(t, result.Entries, 5)
		assert.Equal(t, "run-4", result.Entries[0].RunID)
		assert.Equal(t, "run-0", result.Entries[4].RunID)
	})

	t.Run("pagination", func(t *testing.T) {
		result := store.List(ListOptions{Page: 2, Limit: 2})
		require.Len(t, result.Entries, 2)
		assert.Equal(t, "run-2", result.Entries[0].RunID)
		assert.Equal(t, 5, result.Total)
		assert.Equal(t, 3, result.TotalPages)
	})

	t.Run("page past the end", func(t *testing.T) {
		result := store.List(ListOptions{Page: 10, Limit: 2})
		assert.Empty(t, result.Entries)
		assert.Equal(t, 5, result.Total)
	})
}

func TestStore_PrunesOldEntries(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < MaxOutlineEntries+10; i++ {
		require.NoError(t, store.Save(newEntry(fmt.Sprintf("run-%03d", i), base.Add(time.Duration(i)*time.Second))))
	}

	result := store.List(ListOptions{Limit: 100})
	assert.Equal(t, MaxOutlineEntries, result.Total)

	// The oldest entries are gone.
	_, err = store.Get("run-000")
	require.Error(t, err)
	_, err = store.Get(fmt.Sprintf("run-%03d", MaxOutlineEntries+9))
	require.NoError(t, err)
}

func TestStore_PrunesDebugLogs(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < MaxDebugEntries+5; i++ {
		id := fmt.Sprintf("run-%03d", i)
		require.NoError(t, store.Save(newEntry(id, base.Add(time.Duration(i)*time.Second))))
		require.NoError(t, store.SaveDebugLog(id, []byte("log "+id)))
	}

	// Force a prune pass.
	require.NoError(t, store.Save(newEntry("run-final", base.Add(time.Hour))))

	_, err = store.GetDebugLog("run-000")
	require.Error(t, err)

	entry, err := store.Get("run-000")
	require.NoError(t, err)
	assert.False(t, entry.HasDebugLog)

	// Recent debug logs survive.
	_, err = store.GetDebugLog(fmt.Sprintf("run-%03d", MaxDebugEntries+4))
	require.NoError(t, err)
}
