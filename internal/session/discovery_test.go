package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, path, id string) {
	t.Helper()
	require.NoError(t, writeDocument(path, Document{ID: id, Created: time.Now()}))
}

func TestListSessions(t *testing.T) {
	out := t.TempDir()

	first := NewLayout(out, "s1")
	require.NoError(t, first.Create())
	writeDoc(t, first.SearchedPath("p1"), "p1")
	writeDoc(t, first.SearchedPath("p2"), "p2")
	writeDoc(t, first.ScoredPath("p1"), "p1")

	second := NewLayout(out, "s2")
	require.NoError(t, second.Create())

	// Not a session directory.
	require.NoError(t, os.MkdirAll(filepath.Join(out, "stray"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "notes.txt"), []byte("x"), 0644))

	sessions, err := ListSessions(out)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := map[string]*Info{}
	for _, s := range sessions {
		byID[s.ID] = s
	}
	require.Contains(t, byID, "s1")
	assert.Equal(t, 2, byID["s1"].Searched)
	assert.Equal(t, 1, byID["s1"].Scored)
	assert.Zero(t, byID["s1"].Ranked)
	assert.Equal(t, first.Root, byID["s1"].Dir)

	assert.True(t, SessionExists(out, "s2"))
	assert.False(t, SessionExists(out, "stray"))
}

func TestListSessions_MissingDir(t *testing.T) {
	sessions, err := ListSessions(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAtomicWriteFile_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "p.rank")
	require.NoError(t, atomicWriteFile(path, []byte("1"), 0644))
	require.NoError(t, atomicWriteFile(path, []byte("0.5"), 0644))

	rank, err := ReadRank(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, rank)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
