package migrate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

const journalPrefix = "migrate:task:"

// JournalRecord is the durable trace of one migration run. It exists so
// a crash between batch commit and hot-tier cleanup is visible on the
// next start: affected documents are then present in both tiers, which
// is the intended safe failure mode.
type JournalRecord struct {
	MigrationID string
	BatchID     string
	Status      TaskStatus
	DocumentIDs []string
	RemovedIDs  []string
	UpdatedAt   time.Time
}

// journalKV is the slice of the key-value store the journal writes to.
type journalKV interface {
	Write(key []byte, value []byte) error
	GetItemsWithPrefix(prefix []byte) ([][][]byte, error)
	Delete(key []byte) error
}

// journal persists migration task records under the migrate: prefix.
type journal struct {
	kv journalKV
}

func newJournal(kv journalKV) *journal {
	return &journal{kv: kv}
}

func journalKey(migrationID string) []byte {
	return []byte(journalPrefix + migrationID)
}

func (j *journal) record(rec *JournalRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := serialize(rec)
	if err != nil {
		return fmt.Errorf("serialize journal record: %w", err)
	}
	if err := j.kv.Write(journalKey(rec.MigrationID), data); err != nil {
		return fmt.Errorf("persist journal record: %w", err)
	}
	return nil
}

func (j *journal) remove(migrationID string) error {
	return j.kv.Delete(journalKey(migrationID))
}

// openRecords returns records of runs that never reached a terminal
// state, typically because the process died mid-migration.
func (j *journal) openRecords() ([]JournalRecord, error) {
	items, err := j.kv.GetItemsWithPrefix([]byte(journalPrefix))
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	var open []JournalRecord
	for _, kv := range items {
		rec, err := deserialize(kv[1])
		if err != nil {
			return nil, fmt.Errorf("decode journal record %s: %w", string(kv[0]), err)
		}
		if rec.Status != TaskCompleted && rec.Status != TaskFailed {
			open = append(open, *rec)
		}
	}
	return open, nil
}

func serialize(rec *JournalRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserialize(data []byte) (*JournalRecord, error) {
	var rec JournalRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
