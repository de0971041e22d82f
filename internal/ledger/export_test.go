package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-lab/yggdrasil/internal/domain"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestDB(t)

	require.NoError(t, src.Create(domain.Task{
		ID: "t1", Title: "one", Priority: 0, Type: "reasoning",
		Labels: []string{"gpu"},
	}))
	require.NoError(t, src.Create(domain.Task{
		ID: "t2", Title: "two", Priority: 2, Dependencies: []string{"t1"},
	}))
	require.NoError(t, src.Update("t1", domain.StatusInProgress, UpdateOpts{Attempt: 1}))
	require.NoError(t, src.Update("t1", domain.StatusClosed, UpdateOpts{Result: strPtr("done")}))

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	n, err := src.ExportJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := newTestDB(t)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	imported, err := dst.ImportJSONL(f)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	// Same task set, same terminal statuses.
	t1, err := dst.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, t1.Status)
	assert.Equal(t, "done", t1.Result)
	assert.Equal(t, 1, t1.AttemptCount)
	assert.Equal(t, []string{"gpu"}, t1.Labels)

	t2, err := dst.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, t2.Status)
	assert.Equal(t, []string{"t1"}, t2.Dependencies)
}

func TestImportSkipsGarbageAndDuplicates(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(domain.Task{ID: "existing"}))

	input := strings.Join([]string{
		`{"id":"fresh","title":"new task","status":"open","priority":1}`,
		`this is not json`,
		`{"id":"existing","title":"dupe","status":"open"}`,
		`{"title":"no id","status":"open"}`,
		``,
		`{"id":"bad-status","status":"exploded"}`,
	}, "\n")

	imported, err := db.ImportJSONL(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	got, err := db.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, "new task", got.Title)
}

func TestExportIsAtomic(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(domain.Task{ID: "t1"}))

	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	_, err := db.ExportJSONL(path)
	require.NoError(t, err)

	// No temp file left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.jsonl", entries[0].Name())
}
