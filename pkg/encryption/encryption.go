// Package encryption implements the batch codec: JSON serialization,
// best-effort lzma compression, AES-GCM encryption and ciphertext
// checksumming. It manages the batch.Data <-> batch.Encrypted
// transformation.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ulikunitz/xz/lzma"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

var (
	// ErrIntegrity means the ciphertext checksum did not match: bit-level
	// corruption, distinct from a wrong key.
	ErrIntegrity = errors.New("encryption: ciphertext checksum mismatch")

	// ErrCrypto means an underlying primitive failed, including GCM
	// authentication failure under a wrong key.
	ErrCrypto = errors.New("encryption: decryption failed")

	// ErrFormat means the envelope is structurally invalid for this codec.
	ErrFormat = errors.New("encryption: unsupported envelope format")
)

// Codec encrypts and decrypts batch payloads under a fixed key. A Codec
// is cheap to construct; one is created per worker session from the
// exported key material.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from 32 raw key bytes.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &Codec{aead: aead}, nil
}

// EncryptBatch seals a plaintext batch into an immutable envelope. The IV
// is freshly generated per call; reusing an IV under the same key breaks
// GCM and must never happen. The checksum is computed over the ciphertext
// so corruption is detectable without attempting decryption.
func (c *Codec) EncryptBatch(data *batch.Data) (*batch.Encrypted, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}

	payload, compressed := compress(plain)

	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrCrypto, err)
	}
	ciphertext := c.aead.Seal(nil, iv, payload, nil)
	checksum := sha256.Sum256(ciphertext)

	meta := batch.Metadata{
		BatchID:        data.BatchID,
		DocumentCount:  len(data.Documents),
		Keywords:       collectKeywords(data.Documents),
		DateRange:      dateRangeOf(data.Documents),
		OriginalSize:   int64(len(plain)),
		CompressedSize: int64(len(payload)),
		EncryptedSize:  int64(len(ciphertext)),
		Compressed:     compressed,
	}

	return &batch.Encrypted{
		Version:    batch.EnvelopeVersion,
		Algorithm:  batch.AlgorithmAESGCM,
		IV:         iv,
		Ciphertext: ciphertext,
		Checksum:   checksum[:],
		Metadata:   meta,
	}, nil
}

// DecryptBatch validates the envelope, verifies the checksum, then
// decrypts, decompresses and parses. Validation order matters: format
// errors fail fast, a checksum mismatch is reported as corruption before
// any key is exercised, and only then can a failure mean a wrong key.
func (c *Codec) DecryptBatch(enc *batch.Encrypted) (*batch.Data, error) {
	if err := validateEnvelope(enc); err != nil {
		return nil, err
	}

	checksum := sha256.Sum256(enc.Ciphertext)
	if subtle.ConstantTimeCompare(checksum[:], enc.Checksum) != 1 {
		return nil, ErrIntegrity
	}

	payload, err := c.aead.Open(nil, enc.IV, enc.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	plain := payload
	if enc.Metadata.Compressed {
		plain, err = decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress batch: %w", err)
		}
	}

	var data batch.Data
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	return &data, nil
}

func validateEnvelope(enc *batch.Encrypted) error {
	if enc == nil {
		return fmt.Errorf("%w: nil envelope", ErrFormat)
	}
	if enc.Version != batch.EnvelopeVersion {
		return fmt.Errorf("%w: version %d", ErrFormat, enc.Version)
	}
	if enc.Algorithm != batch.AlgorithmAESGCM {
		return fmt.Errorf("%w: algorithm %q", ErrFormat, enc.Algorithm)
	}
	if len(enc.IV) == 0 || len(enc.Ciphertext) == 0 || len(enc.Checksum) != sha256.Size {
		return fmt.Errorf("%w: missing fields", ErrFormat)
	}
	return nil
}

// compress is best-effort: if lzma fails or does not shrink the payload,
// the raw bytes are used and the metadata flag records that, so the
// decrypt path never has to sniff.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return data, false
	}
	if _, err = w.Write(data); err != nil {
		return data, false
	}
	if err = w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func collectKeywords(docs []batch.Document) []string {
	seen := make(map[string]struct{})
	keywords := make([]string, 0)
	for _, d := range docs {
		for _, kw := range d.Keywords {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

func dateRangeOf(docs []batch.Document) batch.DateRange {
	var dr batch.DateRange
	for _, d := range docs {
		if dr.From.IsZero() || d.CreatedAt.Before(dr.From) {
			dr.From = d.CreatedAt
		}
		if dr.To.IsZero() || d.CreatedAt.After(dr.To) {
			dr.To = d.CreatedAt
		}
	}
	return dr
}
