// Package migrate moves aging and inactive documents from the hot tier
// into encrypted cold-storage batches. The ordering rule that everything
// else bends around: a batch is durably committed before any hot-tier
// document is removed. A crash in between leaves documents duplicated in
// both tiers, never lost.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
	"github.com/permafrostdb/permafrost-db/pkg/coldstore"
	"github.com/permafrostdb/permafrost-db/pkg/hotstore"
)

// Defaults for migration policy.
const (
	DefaultMaxHotDocuments = 5000
	DefaultWatermark       = 0.9
	DefaultAgeThreshold    = 90 * 24 * time.Hour
	DefaultInactivity      = 30 * 24 * time.Hour
	DefaultInactiveFloor   = 50
	DefaultBatchSize       = 100
	DefaultChunkSize       = 10
)

var ErrNoKey = errors.New("migrate: no encryption codec, authenticate first")

// State is the migrator lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateAssessing
	StateMigrating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssessing:
		return "assessing"
	case StateMigrating:
		return "migrating"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TaskStatus tracks one migration run. Completed and Failed are terminal;
// a task leaves the active set on reaching either.
type TaskStatus uint8

const (
	TaskPending TaskStatus = iota
	TaskProcessing
	TaskCompleted
	TaskFailed
)

func (t TaskStatus) String() string {
	switch t {
	case TaskPending:
		return "pending"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// FailedDocument records a document excluded from a batch and why.
// Nothing is silently dropped.
type FailedDocument struct {
	ID     string
	Reason string
}

// TaskProgress is reported to observers during a run.
type TaskProgress struct {
	MigrationID string
	Processed   int
	Total       int
	Message     string
}

// Task is the bookkeeping of one migration run.
type Task struct {
	MigrationID string
	BatchID     string
	Status      TaskStatus
	Processed   int
	Total       int
	MigratedIDs []string
	FailedDocs  []FailedDocument
	Errors      []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Assessment is the outcome of a migration-need check.
type Assessment struct {
	Required bool
	Reasons  []string
}

// Sealer encrypts one batch. Satisfied by *encryption.Codec.
type Sealer interface {
	EncryptBatch(data *batch.Data) (*batch.Encrypted, error)
}

// KV is the write surface for committing batches and the index.
type KV interface {
	Read(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Write(key []byte, value []byte) error
	WriteBatch(b [][2][]byte) error
	GetItemsWithPrefix(prefix []byte) ([][][]byte, error)
	Delete(key []byte) error
}

// Config tunes the migration policy. Zero values fall back to defaults.
type Config struct {
	MaxHotDocuments int
	Watermark       float64
	AgeThreshold    time.Duration
	Inactivity      time.Duration
	InactiveFloor   int
	BatchSize       int
	ChunkSize       int
	Logger          *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxHotDocuments <= 0 {
		c.MaxHotDocuments = DefaultMaxHotDocuments
	}
	if c.Watermark <= 0 {
		c.Watermark = DefaultWatermark
	}
	if c.AgeThreshold <= 0 {
		c.AgeThreshold = DefaultAgeThreshold
	}
	if c.Inactivity <= 0 {
		c.Inactivity = DefaultInactivity
	}
	if c.InactiveFloor <= 0 {
		c.InactiveFloor = DefaultInactiveFloor
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ProgressFunc observes migration progress. Observers are copied before
// notification and panic-isolated, one faulty subscriber cannot break
// the others.
type ProgressFunc func(TaskProgress)

// Migrator packages hot-tier candidates into encrypted batches.
type Migrator struct {
	config  Config
	log     *slog.Logger
	hot     hotstore.HotStore
	kv      KV
	journal *journal

	mu        sync.Mutex
	state     State
	sealer    Sealer
	active    map[string]*Task
	observers []ProgressFunc

	// onCommit is called after a batch is durably committed, so the cold
	// store can refresh its index view.
	onCommit func(ctx context.Context) error

	now func() time.Time
}

func New(hot hotstore.HotStore, kv KV, config Config) *Migrator {
	config.applyDefaults()
	return &Migrator{
		config:  config,
		log:     config.Logger,
		hot:     hot,
		kv:      kv,
		journal: newJournal(kv),
		active:  make(map[string]*Task),
		now:     time.Now,
	}
}

// SetSealer installs the codec after authentication. Migration cannot
// run without it; cold storage is encrypted-only.
func (m *Migrator) SetSealer(s Sealer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealer = s
}

// SetCommitHook registers the post-commit notification.
func (m *Migrator) SetCommitHook(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = fn
}

// Subscribe registers a progress observer.
func (m *Migrator) Subscribe(fn ProgressFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current migrator state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OpenJournalRecords exposes unterminated runs from earlier processes,
// for duplicate-awareness at startup.
func (m *Migrator) OpenJournalRecords() ([]JournalRecord, error) {
	return m.journal.openRecords()
}

// PruneJournal deletes the record of a terminal migration run once the
// operator has reconciled any cross-tier duplicates it describes.
func (m *Migrator) PruneJournal(migrationID string) error {
	return m.journal.remove(migrationID)
}

// AssessMigrationNeed decides whether a migration is due: hot-tier count
// at the ceiling or its watermark, any document over the age threshold,
// or more than the floor of inactive documents.
func (m *Migrator) AssessMigrationNeed() (Assessment, error) {
	stats, err := m.hot.GetStats()
	if err != nil {
		return Assessment{}, fmt.Errorf("hot tier stats: %w", err)
	}

	var reasons []string

	watermark := int(float64(m.config.MaxHotDocuments) * m.config.Watermark)
	if stats.DocumentCount >= m.config.MaxHotDocuments {
		reasons = append(reasons, fmt.Sprintf("hot tier at ceiling (%d documents)", stats.DocumentCount))
	} else if stats.DocumentCount >= watermark {
		reasons = append(reasons, fmt.Sprintf("hot tier at %d of %d documents", stats.DocumentCount, m.config.MaxHotDocuments))
	}

	old, err := m.hot.OldestDocuments(m.now().Add(-m.config.AgeThreshold))
	if err != nil {
		return Assessment{}, fmt.Errorf("old documents: %w", err)
	}
	if len(old) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d documents older than %s", len(old), m.config.AgeThreshold))
	}

	inactive, err := m.hot.InactiveDocuments(m.now().Add(-m.config.Inactivity))
	if err != nil {
		return Assessment{}, fmt.Errorf("inactive documents: %w", err)
	}
	if len(inactive) > m.config.InactiveFloor {
		reasons = append(reasons, fmt.Sprintf("%d documents inactive for %s", len(inactive), m.config.Inactivity))
	}

	return Assessment{Required: len(reasons) > 0, Reasons: reasons}, nil
}

// TriggerMigration runs one migration. A trigger while another run is in
// flight is a no-op and returns (nil, nil); it is neither queued nor an
// error. One encrypted batch is produced per run.
func (m *Migrator) TriggerMigration(ctx context.Context) (*Task, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, nil
	}
	if m.sealer == nil {
		m.mu.Unlock()
		return nil, ErrNoKey
	}
	m.state = StateAssessing
	sealer := m.sealer
	m.mu.Unlock()

	defer m.setState(StateIdle)

	candidates, err := m.selectCandidates()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		m.log.Debug("no migration candidates")
		return nil, nil
	}

	m.setState(StateMigrating)

	task := &Task{
		MigrationID: uuid.NewString(),
		BatchID:     uuid.NewString(),
		Status:      TaskProcessing,
		Total:       len(candidates),
		StartedAt:   m.now(),
	}
	m.trackTask(task)
	defer m.untrackTask(task)

	if err := m.journal.record(&JournalRecord{
		MigrationID: task.MigrationID,
		BatchID:     task.BatchID,
		Status:      TaskProcessing,
		DocumentIDs: documentIDs(candidates),
	}); err != nil {
		task.Status = TaskFailed
		return task, err
	}

	accepted := m.validateChunked(ctx, task, candidates)
	if len(accepted) == 0 {
		task.Status = TaskFailed
		task.Errors = append(task.Errors, "no valid documents in selection")
		m.finishJournal(task)
		return task, fmt.Errorf("migrate: all %d candidates failed validation", len(candidates))
	}

	data := &batch.Data{
		BatchID:   task.BatchID,
		Documents: accepted,
		CreatedAt: m.now().UTC(),
	}
	enc, err := sealer.EncryptBatch(data)
	if err != nil {
		task.Status = TaskFailed
		task.Errors = append(task.Errors, err.Error())
		m.finishJournal(task)
		return task, fmt.Errorf("encrypt batch: %w", err)
	}

	if err := m.commitBatch(enc); err != nil {
		task.Status = TaskFailed
		task.Errors = append(task.Errors, err.Error())
		m.finishJournal(task)
		return task, err
	}
	m.notify(TaskProgress{
		MigrationID: task.MigrationID,
		Processed:   task.Processed,
		Total:       task.Total,
		Message:     fmt.Sprintf("batch %s committed (%d documents)", task.BatchID, len(accepted)),
	})

	// Only now, with the batch durable, is hot-tier cleanup allowed. A
	// failure here leaves the document in both tiers; that duplication is
	// acceptable, deletion before commit is not.
	for _, doc := range accepted {
		if err := m.hot.RemoveDocument(doc.ID); err != nil {
			task.Errors = append(task.Errors, fmt.Sprintf("remove %s from hot tier: %v", doc.ID, err))
			m.log.Warn("hot tier removal failed, document duplicated across tiers",
				"documentId", doc.ID, "error", err)
			continue
		}
		task.MigratedIDs = append(task.MigratedIDs, doc.ID)
	}

	task.Status = TaskCompleted
	task.FinishedAt = m.now()
	m.finishJournal(task)

	if m.commitHook() != nil {
		if err := m.commitHook()(ctx); err != nil {
			m.log.Warn("post-commit index refresh failed", "error", err)
		}
	}

	m.log.Info("migration completed",
		"migrationId", task.MigrationID,
		"batchId", task.BatchID,
		"migrated", len(task.MigratedIDs),
		"failed", len(task.FailedDocs))
	return task, nil
}

// selectCandidates picks up to BatchSize documents, old-by-age first,
// merely-inactive second.
func (m *Migrator) selectCandidates() ([]batch.Document, error) {
	old, err := m.hot.OldestDocuments(m.now().Add(-m.config.AgeThreshold))
	if err != nil {
		return nil, fmt.Errorf("old documents: %w", err)
	}
	inactive, err := m.hot.InactiveDocuments(m.now().Add(-m.config.Inactivity))
	if err != nil {
		return nil, fmt.Errorf("inactive documents: %w", err)
	}

	seen := make(map[string]struct{}, len(old))
	candidates := make([]batch.Document, 0, m.config.BatchSize)
	for _, d := range old {
		if len(candidates) >= m.config.BatchSize {
			return candidates, nil
		}
		seen[d.ID] = struct{}{}
		candidates = append(candidates, d)
	}
	for _, d := range inactive {
		if len(candidates) >= m.config.BatchSize {
			break
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		candidates = append(candidates, d)
	}
	return candidates, nil
}

// validateChunked validates candidates in chunks, reporting progress
// after each chunk. Invalid documents are recorded and excluded; one bad
// document must not block the rest.
func (m *Migrator) validateChunked(ctx context.Context, task *Task, candidates []batch.Document) []batch.Document {
	accepted := make([]batch.Document, 0, len(candidates))
	for start := 0; start < len(candidates); start += m.config.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		end := start + m.config.ChunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, doc := range candidates[start:end] {
			if err := doc.Validate(); err != nil {
				task.FailedDocs = append(task.FailedDocs, FailedDocument{ID: doc.ID, Reason: err.Error()})
				task.Processed++
				continue
			}
			accepted = append(accepted, doc)
			task.Processed++
		}
		m.notify(TaskProgress{
			MigrationID: task.MigrationID,
			Processed:   task.Processed,
			Total:       task.Total,
			Message:     fmt.Sprintf("validated %d of %d documents", task.Processed, task.Total),
		})
	}
	return accepted
}

// commitBatch writes the encrypted blob and the updated index in a
// single transaction.
func (m *Migrator) commitBatch(enc *batch.Encrypted) error {
	idx, err := m.loadIndex()
	if err != nil {
		return err
	}

	idx.Batches = append(idx.Batches, batch.DescriptorOf(enc))
	idx.TotalDocuments += enc.Metadata.DocumentCount

	blob, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("encode encrypted batch: %w", err)
	}
	idxRaw, err := batch.MarshalIndex(idx)
	if err != nil {
		return fmt.Errorf("encode storage index: %w", err)
	}

	err = m.kv.WriteBatch([][2][]byte{
		{coldstore.BatchKey(enc.Metadata.BatchID), blob},
		{coldstore.IndexKey(), idxRaw},
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (m *Migrator) loadIndex() (*batch.StorageIndex, error) {
	ok, err := m.kv.Has(coldstore.IndexKey())
	if err != nil {
		return nil, fmt.Errorf("probe storage index: %w", err)
	}
	if !ok {
		return &batch.StorageIndex{}, nil
	}
	raw, err := m.kv.Read(coldstore.IndexKey())
	if err != nil {
		return nil, fmt.Errorf("load storage index: %w", err)
	}
	return batch.UnmarshalIndex(raw)
}

func (m *Migrator) finishJournal(task *Task) {
	err := m.journal.record(&JournalRecord{
		MigrationID: task.MigrationID,
		BatchID:     task.BatchID,
		Status:      task.Status,
		RemovedIDs:  task.MigratedIDs,
	})
	if err != nil {
		m.log.Warn("journal update failed", "migrationId", task.MigrationID, "error", err)
	}
}

func (m *Migrator) trackTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[task.MigrationID] = task
}

func (m *Migrator) untrackTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, task.MigrationID)
}

// ActiveTasks returns a snapshot of the in-flight task set.
func (m *Migrator) ActiveTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	return out
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Migrator) commitHook() func(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onCommit
}

func (m *Migrator) notify(p TaskProgress) {
	m.mu.Lock()
	observers := make([]ProgressFunc, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				_ = recover()
			}()
			fn(p)
		}()
	}
}

func documentIDs(docs []batch.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
