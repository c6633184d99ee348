package encryption

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return codec
}

func testBatch() *batch.Data {
	return &batch.Data{
		BatchID: "batch-001",
		Documents: []batch.Document{
			{
				ID:        "doc-1",
				Filename:  "q3-planning.md",
				Content:   "quarterly planning notes for the infrastructure team",
				Keywords:  []string{"planning", "infrastructure"},
				CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			},
			{
				ID:        "doc-2",
				Filename:  "retro.md",
				Content:   "sprint retrospective, action items and follow-ups",
				Keywords:  []string{"retro"},
				CreatedAt: time.Date(2024, 5, 20, 9, 30, 0, 0, time.UTC),
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestEncryptDecryptBatch_RoundTrip(t *testing.T) {
	codec := testCodec(t)
	data := testBatch()

	enc, err := codec.EncryptBatch(data)
	require.NoError(t, err)

	assert.Equal(t, batch.EnvelopeVersion, enc.Version)
	assert.Equal(t, batch.AlgorithmAESGCM, enc.Algorithm)
	assert.NotEmpty(t, enc.IV)
	assert.NotEmpty(t, enc.Ciphertext)
	assert.Len(t, enc.Checksum, 32)
	assert.Equal(t, "batch-001", enc.Metadata.BatchID)
	assert.Equal(t, 2, enc.Metadata.DocumentCount)
	assert.ElementsMatch(t, []string{"planning", "infrastructure", "retro"}, enc.Metadata.Keywords)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), enc.Metadata.DateRange.From)
	assert.Equal(t, time.Date(2024, 5, 20, 9, 30, 0, 0, time.UTC), enc.Metadata.DateRange.To)

	got, err := codec.DecryptBatch(enc)
	require.NoError(t, err)
	assert.Equal(t, data.BatchID, got.BatchID)
	require.Len(t, got.Documents, 2)
	assert.Equal(t, data.Documents[0].Content, got.Documents[0].Content)
	assert.Equal(t, data.Documents[1].Filename, got.Documents[1].Filename)
}

func TestDecryptBatch_TamperedCiphertextIsIntegrityError(t *testing.T) {
	codec := testCodec(t)

	enc, err := codec.EncryptBatch(testBatch())
	require.NoError(t, err)

	// Flip a single bit; the checksum must catch this before any
	// decryption is attempted.
	enc.Ciphertext[len(enc.Ciphertext)/2] ^= 0x01

	_, err = codec.DecryptBatch(enc)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecryptBatch_WrongKeyIsCryptoError(t *testing.T) {
	enc, err := testCodec(t).EncryptBatch(testBatch())
	require.NoError(t, err)

	other := testCodec(t)
	_, err = other.DecryptBatch(enc)
	require.ErrorIs(t, err, ErrCrypto)
	require.NotErrorIs(t, err, ErrIntegrity)
}

func TestDecryptBatch_EnvelopeValidation(t *testing.T) {
	codec := testCodec(t)
	valid, err := codec.EncryptBatch(testBatch())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(e *batch.Encrypted)
	}{
		{"unknown version", func(e *batch.Encrypted) { e.Version = 99 }},
		{"unknown algorithm", func(e *batch.Encrypted) { e.Algorithm = "ROT13" }},
		{"missing iv", func(e *batch.Encrypted) { e.IV = nil }},
		{"missing ciphertext", func(e *batch.Encrypted) { e.Ciphertext = nil }},
		{"truncated checksum", func(e *batch.Encrypted) { e.Checksum = e.Checksum[:8] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := *valid
			tt.mutate(&enc)
			_, err := codec.DecryptBatch(&enc)
			require.ErrorIs(t, err, ErrFormat)
		})
	}

	t.Run("nil envelope", func(t *testing.T) {
		_, err := codec.DecryptBatch(nil)
		require.ErrorIs(t, err, ErrFormat)
	})
}

func TestEncryptBatch_FreshIVPerCall(t *testing.T) {
	codec := testCodec(t)
	data := testBatch()

	first, err := codec.EncryptBatch(data)
	require.NoError(t, err)
	second, err := codec.EncryptBatch(data)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first.IV, second.IV), "IV must be fresh per encryption")
	assert.False(t, bytes.Equal(first.Ciphertext, second.Ciphertext))
}

func TestEncryptBatch_CompressibleContentIsCompressed(t *testing.T) {
	codec := testCodec(t)
	data := &batch.Data{
		BatchID: "batch-compressible",
		Documents: []batch.Document{{
			ID:       "doc-rep",
			Filename: "repeated.txt",
			Content:  strings.Repeat("the same sentence over and over again. ", 2000),
		}},
	}

	enc, err := codec.EncryptBatch(data)
	require.NoError(t, err)
	assert.True(t, enc.Metadata.Compressed)
	assert.Less(t, enc.Metadata.CompressedSize, enc.Metadata.OriginalSize)

	got, err := codec.DecryptBatch(enc)
	require.NoError(t, err)
	assert.Equal(t, data.Documents[0].Content, got.Documents[0].Content)
}

func TestNewCodec_RejectsBadKeyLength(t *testing.T) {
	_, err := NewCodec(make([]byte, 15))
	require.Error(t, err)
}
