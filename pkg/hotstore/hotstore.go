// Package hotstore is the fast, unencrypted-at-rest tier for recently
// used documents. The archive consumes it as an opaque collaborator; the
// badger-backed implementation here is the reference one, a dedicated
// keyword index can be swapped in behind the same interface.
package hotstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

// Stats summarizes the hot tier for migration assessment.
type Stats struct {
	DocumentCount int
}

// HotStore is the surface the archive and the migrator depend on.
type HotStore interface {
	AddDocument(doc batch.Document) error
	Search(query string, limit int) ([]batch.Document, error)
	GetStats() (Stats, error)
	RemoveDocument(id string) error

	// OldestDocuments returns documents created before cutoff.
	OldestDocuments(cutoff time.Time) ([]batch.Document, error)
	// InactiveDocuments returns documents not visited since cutoff.
	InactiveDocuments(cutoff time.Time) ([]batch.Document, error)
}

var docPrefix = []byte("hot:doc:")

// KV is the slice of the key-value store the hot tier uses.
type KV interface {
	Write(key []byte, value []byte) error
	Read(key []byte) ([]byte, error)
	Delete(key []byte) error
	GetItemsWithPrefix(prefix []byte) ([][][]byte, error)
}

// Store is the badger-backed reference implementation.
type Store struct {
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

func docKey(id string) []byte {
	return append(append([]byte{}, docPrefix...), []byte(id)...)
}

func (s *Store) AddDocument(doc batch.Document) error {
	if doc.ID == "" {
		return batch.ErrEmptyID
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.LastVisited.IsZero() {
		doc.LastVisited = doc.CreatedAt
	}
	raw, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return s.kv.Write(docKey(doc.ID), raw)
}

// Search is a naive full scan with substring matching. Good enough for a
// small hot tier; the interface allows an indexed implementation.
func (s *Store) Search(query string, limit int) ([]batch.Document, error) {
	docs, err := s.all()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var results []batch.Document
	for _, d := range docs {
		if strings.Contains(strings.ToLower(d.Content), needle) ||
			strings.Contains(strings.ToLower(d.Filename), needle) {
			results = append(results, d)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (s *Store) GetStats() (Stats, error) {
	docs, err := s.all()
	if err != nil {
		return Stats{}, err
	}
	return Stats{DocumentCount: len(docs)}, nil
}

func (s *Store) RemoveDocument(id string) error {
	return s.kv.Delete(docKey(id))
}

func (s *Store) OldestDocuments(cutoff time.Time) ([]batch.Document, error) {
	docs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []batch.Document
	for _, d := range docs {
		if d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) InactiveDocuments(cutoff time.Time) ([]batch.Document, error) {
	docs, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []batch.Document
	for _, d := range docs {
		if d.LastVisited.Before(cutoff) {
			out = append(out, d)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) all() ([]batch.Document, error) {
	items, err := s.kv.GetItemsWithPrefix(docPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan hot documents: %w", err)
	}
	docs := make([]batch.Document, 0, len(items))
	for _, kv := range items {
		var d batch.Document
		if err := json.Unmarshal(kv[1], &d); err != nil {
			return nil, fmt.Errorf("decode hot document %s: %w", string(kv[0]), err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func sortByCreated(docs []batch.Document) {
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
}

var _ HotStore = (*Store)(nil)
