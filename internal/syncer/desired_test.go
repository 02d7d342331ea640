package syncer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/anilist-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDesired(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "desired.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// --- FileDesired.Load ---

func TestFileDesired_EmptyPathIsEmptyDesired(t *testing.T) {
	d, err := FileDesired{}.Load()
	require.NoError(t, err)
	assert.Empty(t, d.Overrides)
	assert.Empty(t, d.Removals)
}

func TestFileDesired_MissingFileIsEmptyDesired(t *testing.T) {
	d, err := FileDesired{Path: filepath.Join(t.TempDir(), "nope.yaml")}.Load()
	require.NoError(t, err)
	assert.Empty(t, d.Overrides)
}

func TestFileDesired_ParsesEntriesAndRemovals(t *testing.T) {
	path := writeDesired(t, `
entries:
  - media_id: 101
    status: CURRENT
    progress: 7
    score: 8.5
  - media_id: 202
    progress: 3
remove:
  - 303
`)

	d, err := FileDesired{Path: path}.Load()
	require.NoError(t, err)

	require.Contains(t, d.Overrides, 101)
	o := d.Overrides[101]
	require.NotNil(t, o.Status)
	assert.Equal(t, "CURRENT", *o.Status)
	require.NotNil(t, o.Progress)
	assert.Equal(t, 7, *o.Progress)
	require.NotNil(t, o.Score)
	assert.Equal(t, 8.5, *o.Score)

	require.Contains(t, d.Overrides, 202)
	assert.Nil(t, d.Overrides[202].Status)

	assert.True(t, d.Removals[303])
}

func TestFileDesired_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "not yaml",
			content: "entries: [unclosed",
		},
		{
			name: "missing media_id",
			content: `
entries:
  - progress: 3
`,
		},
		{
			name: "unknown status",
			content: `
entries:
  - media_id: 1
    status: WATCHING
`,
		},
		{
			name: "negative progress",
			content: `
entries:
  - media_id: 1
    progress: -2
`,
		},
		{
			name: "duplicate media_id",
			content: `
entries:
  - media_id: 1
    progress: 2
  - media_id: 1
    progress: 3
`,
		},
		{
			name: "invalid removal id",
			content: `
remove:
  - 0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FileDesired{Path: writeDesired(t, tt.content)}.Load()
			assert.Error(t, err)
		})
	}
}

// --- Overlay ---

func TestOverlay_AppliesOverridesToExistingEntries(t *testing.T) {
	current := snapshot(entity(1, 11, "CURRENT", 5, 8, 100))
	d := desiredOverrides(Override{MediaID: 1, Progress: intptr(7)})

	out := d.Overlay(current)
	assert.Equal(t, 7, out.Entries[1].Progress)
	assert.Equal(t, "CURRENT", out.Entries[1].Status, "unset fields keep remote values")
	assert.Equal(t, 8.0, out.Entries[1].Score)

	// The input snapshot is untouched.
	assert.Equal(t, 5, current.Entries[1].Progress)
}

func TestOverlay_CreatesMissingEntriesWithDefaults(t *testing.T) {
	d := desiredOverrides(Override{MediaID: 9, Progress: intptr(2)})

	out := d.Overlay(store.NewSnapshot())
	require.Contains(t, out.Entries, 9)
	assert.Equal(t, defaultCreateStatus, out.Entries[9].Status)
	assert.Equal(t, 2, out.Entries[9].Progress)
}

func TestOverlay_RemovalsDropEntries(t *testing.T) {
	current := snapshot(entity(5, 55, "CURRENT", 1, 0, 100))
	d := Desired{
		Overrides: map[int]Override{},
		Removals:  map[int]bool{5: true},
	}

	out := d.Overlay(current)
	assert.NotContains(t, out.Entries, 5)
	assert.Contains(t, current.Entries, 5)
}
