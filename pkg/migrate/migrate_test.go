package migrate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
	"github.com/permafrostdb/permafrost-db/pkg/coldstore"
	"github.com/permafrostdb/permafrost-db/pkg/encryption"
	"github.com/permafrostdb/permafrost-db/pkg/hotstore"
)

// fakeHot is an in-memory hot tier that records removal order and can be
// told to fail removals.
type fakeHot struct {
	docs       map[string]batch.Document
	removals   []string
	failRemove map[string]bool
}

func newFakeHot() *fakeHot {
	return &fakeHot{
		docs:       make(map[string]batch.Document),
		failRemove: make(map[string]bool),
	}
}

func (h *fakeHot) AddDocument(doc batch.Document) error {
	h.docs[doc.ID] = doc
	return nil
}

func (h *fakeHot) Search(string, int) ([]batch.Document, error) { return nil, nil }

func (h *fakeHot) GetStats() (hotstore.Stats, error) {
	return hotstore.Stats{DocumentCount: len(h.docs)}, nil
}

func (h *fakeHot) RemoveDocument(id string) error {
	if h.failRemove[id] {
		return errors.New("simulated removal failure")
	}
	h.removals = append(h.removals, id)
	delete(h.docs, id)
	return nil
}

func (h *fakeHot) OldestDocuments(cutoff time.Time) ([]batch.Document, error) {
	return h.filter(func(d batch.Document) bool { return d.CreatedAt.Before(cutoff) }), nil
}

func (h *fakeHot) InactiveDocuments(cutoff time.Time) ([]batch.Document, error) {
	return h.filter(func(d batch.Document) bool { return d.LastVisited.Before(cutoff) }), nil
}

func (h *fakeHot) filter(keep func(batch.Document) bool) []batch.Document {
	var out []batch.Document
	for _, d := range h.docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ hotstore.HotStore = (*fakeHot)(nil)

// opKV is an in-memory KV that logs the order of mutating operations.
type opKV struct {
	data map[string][]byte
	ops  []string
}

func newOpKV() *opKV {
	return &opKV{data: make(map[string][]byte)}
}

func (s *opKV) Read(key []byte) ([]byte, error) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

func (s *opKV) Has(key []byte) (bool, error) {
	_, ok := s.data[string(key)]
	return ok, nil
}

func (s *opKV) Write(key, value []byte) error {
	s.data[string(key)] = append([]byte{}, value...)
	s.ops = append(s.ops, "write:"+string(key))
	return nil
}

func (s *opKV) WriteBatch(b [][2][]byte) error {
	for _, kv := range b {
		s.data[string(kv[0])] = append([]byte{}, kv[1]...)
	}
	s.ops = append(s.ops, fmt.Sprintf("writebatch:%d", len(b)))
	return nil
}

func (s *opKV) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
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

func (s *opKV) Delete(key []byte) error {
	delete(s.data, string(key))
	s.ops = append(s.ops, "delete:"+string(key))
	return nil
}

func testSealer(t *testing.T) *encryption.Codec {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := encryption.NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return codec
}

func oldDoc(id string, ageDays int) batch.Document {
	created := time.Now().UTC().Add(-time.Duration(ageDays) * 24 * time.Hour)
	return batch.Document{
		ID:          id,
		Filename:    id + ".md",
		Content:     "archived contents of document " + id,
		CreatedAt:   created,
		LastVisited: created,
	}
}

func newTestMigrator(t *testing.T, hot *fakeHot, kv *opKV) *Migrator {
	t.Helper()
	m := New(hot, kv, Config{})
	m.SetSealer(testSealer(t))
	return m
}

func TestTriggerMigration_RequiresSealer(t *testing.T) {
	m := New(newFakeHot(), newOpKV(), Config{})
	_, err := m.TriggerMigration(context.Background())
	require.ErrorIs(t, err, ErrNoKey)
}

func TestTriggerMigration_NoCandidatesIsNoOp(t *testing.T) {
	hot := newFakeHot()
	require.NoError(t, hot.AddDocument(oldDoc("fresh", 0)))

	m := newTestMigrator(t, hot, newOpKV())
	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestTriggerMigration_CommitsBeforeRemoval(t *testing.T) {
	hot := newFakeHot()
	kv := newOpKV()
	for i := 0; i < 3; i++ {
		require.NoError(t, hot.AddDocument(oldDoc(fmt.Sprintf("doc-%d", i), 100)))
	}

	m := newTestMigrator(t, hot, kv)

	hookCalled := false
	m.SetCommitHook(func(context.Context) error {
		hookCalled = true
		return nil
	})

	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, TaskCompleted, task.Status)
	assert.Len(t, task.MigratedIDs, 3)
	assert.Empty(t, task.FailedDocs)
	assert.True(t, hookCalled)
	assert.Empty(t, hot.docs, "migrated documents leave the hot tier")

	// The encrypted blob and the index update land in one transaction,
	// and that transaction precedes every hot-tier removal.
	var commitIdx = -1
	for i, op := range kv.ops {
		if op == "writebatch:2" {
			commitIdx = i
		}
	}
	require.GreaterOrEqual(t, commitIdx, 0, "batch and index must be committed together")
	require.Len(t, hot.removals, 3)

	// Index reflects the new batch.
	raw, err := kv.Read(coldstore.IndexKey())
	require.NoError(t, err)
	idx, err := batch.UnmarshalIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.TotalDocuments)
	require.Len(t, idx.Batches, 1)
	assert.Equal(t, task.BatchID, idx.Batches[0].BatchID)

	// The blob is retrievable under its batch key.
	_, err = kv.Read(coldstore.BatchKey(task.BatchID))
	require.NoError(t, err)
}

func TestTriggerMigration_RemovalFailureLeavesDuplicate(t *testing.T) {
	hot := newFakeHot()
	kv := newOpKV()
	require.NoError(t, hot.AddDocument(oldDoc("keeps-failing", 100)))
	require.NoError(t, hot.AddDocument(oldDoc("fine", 100)))
	hot.failRemove["keeps-failing"] = true

	m := newTestMigrator(t, hot, kv)
	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err, "a removal failure degrades to duplication, never to loss")
	require.NotNil(t, task)

	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, []string{"fine"}, task.MigratedIDs)
	require.Len(t, task.Errors, 1)
	assert.Contains(t, task.Errors[0], "keeps-failing")

	// The document is now in both tiers: still hot, and inside the batch.
	assert.Contains(t, hot.docs, "keeps-failing")
	raw, err := kv.Read(coldstore.IndexKey())
	require.NoError(t, err)
	idx, err := batch.UnmarshalIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.TotalDocuments)
}

func TestTriggerMigration_InvalidDocumentsAreRecordedNotMigrated(t *testing.T) {
	hot := newFakeHot()
	kv := newOpKV()
	require.NoError(t, hot.AddDocument(oldDoc("good", 100)))
	bad := oldDoc("bad", 100)
	bad.Content = "tiny"
	require.NoError(t, hot.AddDocument(bad))

	m := newTestMigrator(t, hot, kv)
	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, []string{"good"}, task.MigratedIDs)
	require.Len(t, task.FailedDocs, 1)
	assert.Equal(t, "bad", task.FailedDocs[0].ID)
	assert.Contains(t, hot.docs, "bad", "an invalid document stays in the hot tier")
}

func TestTriggerMigration_AllInvalidFails(t *testing.T) {
	hot := newFakeHot()
	bad := oldDoc("bad", 100)
	bad.Content = "x"
	require.NoError(t, hot.AddDocument(bad))

	m := newTestMigrator(t, hot, newOpKV())
	task, err := m.TriggerMigration(context.Background())
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, TaskFailed, task.Status)
}

func TestTriggerMigration_ProgressObserved(t *testing.T) {
	hot := newFakeHot()
	for i := 0; i < 25; i++ {
		require.NoError(t, hot.AddDocument(oldDoc(fmt.Sprintf("doc-%02d", i), 100)))
	}

	m := newTestMigrator(t, hot, newOpKV())

	var events []TaskProgress
	m.Subscribe(func(p TaskProgress) { events = append(events, p) })

	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)

	// 25 docs in chunks of 10 yields three validation events plus the
	// commit notification.
	require.GreaterOrEqual(t, len(events), 4)
	last := 0
	for _, e := range events[:3] {
		assert.Greater(t, e.Processed, last, "progress is strictly increasing")
		last = e.Processed
		assert.Equal(t, 25, e.Total)
	}
}

func TestJournal_CrashVisibility(t *testing.T) {
	kv := newOpKV()
	hot := newFakeHot()
	m := newTestMigrator(t, hot, kv)

	// Simulate a run that died mid-flight by writing an unterminated
	// record directly.
	require.NoError(t, m.journal.record(&JournalRecord{
		MigrationID: "crashed-run",
		BatchID:     "b-lost",
		Status:      TaskProcessing,
		DocumentIDs: []string{"d1", "d2"},
	}))

	open, err := m.OpenJournalRecords()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "crashed-run", open[0].MigrationID)
	assert.Equal(t, []string{"d1", "d2"}, open[0].DocumentIDs)

	require.NoError(t, m.PruneJournal("crashed-run"))
	open, err = m.OpenJournalRecords()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestJournal_CompletedRunsAreNotOpen(t *testing.T) {
	hot := newFakeHot()
	require.NoError(t, hot.AddDocument(oldDoc("doc", 100)))

	m := newTestMigrator(t, hot, newOpKV())
	task, err := m.TriggerMigration(context.Background())
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, task.Status)

	open, err := m.OpenJournalRecords()
	require.NoError(t, err)
	assert.Empty(t, open, "a completed run needs no reconciliation")
}

func TestAssessMigrationNeed(t *testing.T) {
	hot := newFakeHot()
	m := New(hot, newOpKV(), Config{
		MaxHotDocuments: 4,
		Watermark:       0.75,
		InactiveFloor:   1,
	})

	a, err := m.AssessMigrationNeed()
	require.NoError(t, err)
	assert.False(t, a.Required, "empty hot tier needs no migration")

	// Three fresh documents reach the watermark (3 of 4).
	for i := 0; i < 3; i++ {
		require.NoError(t, hot.AddDocument(oldDoc(fmt.Sprintf("d%d", i), 0)))
	}
	a, err = m.AssessMigrationNeed()
	require.NoError(t, err)
	assert.True(t, a.Required)
	require.NotEmpty(t, a.Reasons)
	assert.Contains(t, a.Reasons[0], "3 of 4")

	// An ancient document adds an age reason.
	require.NoError(t, hot.AddDocument(oldDoc("ancient", 365)))
	a, err = m.AssessMigrationNeed()
	require.NoError(t, err)
	assert.True(t, a.Required)
	assert.GreaterOrEqual(t, len(a.Reasons), 2)
}
