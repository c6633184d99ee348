// Package batch defines the data model shared by the cold-storage
// subsystems: plaintext documents, batch payloads, encrypted batch
// envelopes and the storage index that describes them.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnvelopeVersion is the current EncryptedBatch wire version.
const EnvelopeVersion = 1

// AlgorithmAESGCM is the only cipher the codec produces.
const AlgorithmAESGCM = "AES-GCM"

// MinContentLength is the smallest document body the migrator accepts.
// Anything shorter is considered a stub and is rejected during selection.
const MinContentLength = 10

var (
	ErrEmptyID       = errors.New("batch: document has empty id")
	ErrEmptyFilename = errors.New("batch: document has empty filename")
	ErrShortContent  = errors.New("batch: document content below minimum length")
)

// Document is a single archived document. In the hot tier documents are
// stored individually; in the cold tier they only exist inside a batch.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Content     string    `json:"content"`
	Keywords    []string  `json:"keywords,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastVisited time.Time `json:"lastVisited"`
}

// Validate reports whether the document may be included in a batch.
func (d *Document) Validate() error {
	if d.ID == "" {
		return ErrEmptyID
	}
	if d.Filename == "" {
		return ErrEmptyFilename
	}
	if len(d.Content) < MinContentLength {
		return fmt.Errorf("%w: %d bytes", ErrShortContent, len(d.Content))
	}
	return nil
}

// Data is the plaintext payload of one batch, the unit of encryption.
type Data struct {
	BatchID   string     `json:"batchId"`
	Documents []Document `json:"documents"`
	CreatedAt time.Time  `json:"createdAt"`
}

// DateRange spans the creation times of the documents in a batch.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Metadata describes an encrypted batch without revealing its contents.
// Keywords are the only searchable surface available before decryption.
type Metadata struct {
	BatchID        string    `json:"batchId"`
	DocumentCount  int       `json:"documentCount"`
	Keywords       []string  `json:"keywords"`
	DateRange      DateRange `json:"dateRange"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize"`
	EncryptedSize  int64     `json:"encryptedSize"`
	// Compressed records whether the plaintext was lzma-compressed before
	// encryption. An explicit flag, so decryption never has to sniff.
	Compressed bool `json:"compressed"`
}

// Encrypted is the immutable envelope persisted for one batch.
// Checksum is SHA-256 over Ciphertext and must be verified before any
// decryption attempt; a mismatch means corruption, not a wrong key.
type Encrypted struct {
	Version    int      `json:"version"`
	Algorithm  string   `json:"algorithm"`
	IV         []byte   `json:"iv"`
	Ciphertext []byte   `json:"ciphertext"`
	Checksum   []byte   `json:"checksum"`
	Metadata   Metadata `json:"metadata"`
}

// Descriptor is the index entry for one batch.
type Descriptor struct {
	BatchID       string    `json:"batchId"`
	DocumentCount int       `json:"documentCount"`
	Size          int64     `json:"size"`
	DateRange     DateRange `json:"dateRange"`
	Keywords      []string  `json:"keywords"`
}

// StorageIndex lists every committed batch. It is loaded once at startup,
// read-only on the search path, and only appended to by the migrator.
type StorageIndex struct {
	TotalDocuments int          `json:"totalDocuments"`
	Batches        []Descriptor `json:"batches"`
}

// DescriptorOf derives the index entry for an encrypted batch.
func DescriptorOf(enc *Encrypted) Descriptor {
	return Descriptor{
		BatchID:       enc.Metadata.BatchID,
		DocumentCount: enc.Metadata.DocumentCount,
		Size:          enc.Metadata.EncryptedSize,
		DateRange:     enc.Metadata.DateRange,
		Keywords:      enc.Metadata.Keywords,
	}
}

// MarshalIndex and UnmarshalIndex keep the index wire format in one place.
func MarshalIndex(idx *StorageIndex) ([]byte, error) {
	return json.Marshal(idx)
}

func UnmarshalIndex(raw []byte) (*StorageIndex, error) {
	var idx StorageIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decode storage index: %w", err)
	}
	return &idx, nil
}
