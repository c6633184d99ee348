package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentValidate(t *testing.T) {
	valid := Document{ID: "d1", Filename: "notes.md", Content: "long enough content"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(d *Document)
		wantErr error
	}{
		{"empty id", func(d *Document) { d.ID = "" }, ErrEmptyID},
		{"empty filename", func(d *Document) { d.Filename = "" }, ErrEmptyFilename},
		{"short content", func(d *Document) { d.Content = "tiny" }, ErrShortContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			require.ErrorIs(t, d.Validate(), tt.wantErr)
		})
	}
}

func TestDescriptorOf(t *testing.T) {
	enc := &Encrypted{
		Version:   EnvelopeVersion,
		Algorithm: AlgorithmAESGCM,
		Metadata: Metadata{
			BatchID:       "b1",
			DocumentCount: 7,
			Keywords:      []string{"alpha"},
			EncryptedSize: 4096,
			DateRange: DateRange{
				From: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
				To:   time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	d := DescriptorOf(enc)
	assert.Equal(t, "b1", d.BatchID)
	assert.Equal(t, 7, d.DocumentCount)
	assert.Equal(t, int64(4096), d.Size)
	assert.Equal(t, enc.Metadata.DateRange, d.DateRange)
	assert.Equal(t, []string{"alpha"}, d.Keywords)
}

func TestStorageIndexRoundTrip(t *testing.T) {
	idx := &StorageIndex{
		TotalDocuments: 12,
		Batches: []Descriptor{
			{BatchID: "b1", DocumentCount: 5, Size: 1024},
			{BatchID: "b2", DocumentCount: 7, Size: 2048, Keywords: []string{"x"}},
		},
	}

	raw, err := MarshalIndex(idx)
	require.NoError(t, err)

	got, err := UnmarshalIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, idx, got)

	_, err = UnmarshalIndex([]byte("{broken"))
	require.Error(t, err)
}
