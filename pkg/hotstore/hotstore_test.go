package hotstore

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

// memKV is an in-memory KV for tests.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (s *memKV) Write(key, value []byte) error {
	s.data[string(key)] = append([]byte{}, value...)
	return nil
}

func (s *memKV) Read(key []byte) ([]byte, error) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

func (s *memKV) Delete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

func (s *memKV) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keys []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, [][]byte{[]byte(k), s.data[k]})
	}
	return out, nil
}

func testDoc(id string, createdAt time.Time) batch.Document {
	return batch.Document{
		ID:          id,
		Filename:    id + ".md",
		Content:     "meeting notes about project " + id,
		CreatedAt:   createdAt,
		LastVisited: createdAt,
	}
}

func TestAddAndSearch(t *testing.T) {
	s := New(newMemKV())
	now := time.Now().UTC()

	require.NoError(t, s.AddDocument(testDoc("alpha", now)))
	require.NoError(t, s.AddDocument(testDoc("beta", now)))

	results, err := s.Search("project alpha", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].ID)

	results, err = s.Search("meeting", 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Search("meeting", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1, "limit caps the result set")
}

func TestAddDocument_FillsTimestamps(t *testing.T) {
	s := New(newMemKV())
	require.NoError(t, s.AddDocument(batch.Document{
		ID: "bare", Filename: "bare.txt", Content: "just enough content here",
	}))

	docs, err := s.Search("just enough", 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.False(t, docs[0].CreatedAt.IsZero())
	assert.Equal(t, docs[0].CreatedAt, docs[0].LastVisited)
}

func TestAddDocument_RejectsEmptyID(t *testing.T) {
	s := New(newMemKV())
	err := s.AddDocument(batch.Document{Filename: "x.txt", Content: "some content"})
	require.ErrorIs(t, err, batch.ErrEmptyID)
}

func TestRemoveDocument(t *testing.T) {
	s := New(newMemKV())
	require.NoError(t, s.AddDocument(testDoc("gone", time.Now())))
	require.NoError(t, s.RemoveDocument("gone"))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DocumentCount)
}

func TestOldestAndInactiveDocuments(t *testing.T) {
	s := New(newMemKV())
	now := time.Now().UTC()

	old := testDoc("old", now.Add(-100*24*time.Hour))
	recent := testDoc("recent", now.Add(-time.Hour))
	stale := testDoc("stale", now.Add(-10*24*time.Hour))
	stale.LastVisited = now.Add(-40 * 24 * time.Hour)

	for _, d := range []batch.Document{recent, old, stale} {
		require.NoError(t, s.AddDocument(d))
	}

	oldest, err := s.OldestDocuments(now.Add(-90 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, "old", oldest[0].ID)

	inactive, err := s.InactiveDocuments(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, inactive, 2, "both the old and the stale document qualify")
	// Sorted oldest-created first.
	assert.Equal(t, "old", inactive[0].ID)
	assert.Equal(t, "stale", inactive[1].ID)
}
