package coldstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/permafrostdb/permafrost-db/internal/memzero"
	"github.com/permafrostdb/permafrost-db/pkg/batch"
	"github.com/permafrostdb/permafrost-db/pkg/batchcache"
	"github.com/permafrostdb/permafrost-db/pkg/encryption"
)

var (
	indexKey       = []byte("cold:index")
	batchKeyPrefix = []byte("cold:batch:")
)

// IndexKey returns the storage key of the serialized StorageIndex.
func IndexKey() []byte {
	return append([]byte{}, indexKey...)
}

// BatchKey returns the storage key of one encrypted batch blob.
func BatchKey(batchID string) []byte {
	return append(append([]byte{}, batchKeyPrefix...), []byte(batchID)...)
}

// ColdPrefix is the key prefix under which all cold-tier state lives.
// Password reset drops everything below it.
func ColdPrefix() []byte {
	return []byte("cold:")
}

// KV is the read surface the worker needs.
type KV interface {
	Read(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
}

// MemoryAdvisor lets the worker cooperate with the memory governor
// before scanning large batches. Cleanup is requested, never forced.
type MemoryAdvisor interface {
	AboveWarning() bool
	RequestLightCleanup()
}

// worker is the isolated execution context. It is the only place where
// the session key and decrypted ciphertext meet; the main context never
// decrypts.
type worker struct {
	kv      KV
	cache   *batchcache.Cache
	advisor MemoryAdvisor
	log     *slog.Logger

	inbox  chan Message
	outbox chan Message

	key   []byte
	codec *encryption.Codec

	index    *batch.StorageIndex
	indexErr error

	beforeHandle func(Message) // runs before each message, override in tests
}

func newWorker(kv KV, cache *batchcache.Cache, advisor MemoryAdvisor, log *slog.Logger) *worker {
	return &worker{
		kv:      kv,
		cache:   cache,
		advisor: advisor,
		log:     log,
		inbox:   make(chan Message, 16),
		outbox:  make(chan Message, 64),
	}
}

// run is the worker loop. A panic anywhere inside is converted into a
// worker-fatal-error notification and the worker is gone for good; the
// store must be explicitly re-initialized.
func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("cold storage worker crashed", "panic", r)
			w.outbox <- Message{
				Type:    MessageTypeWorkerFatalError,
				Payload: ErrorPayload{Message: fmt.Sprintf("worker panic: %v", r)},
			}
		}
		w.wipeKey()
		close(w.outbox)
	}()

	w.outbox <- Message{Type: MessageTypeWorkerReady}

	for msg := range w.inbox {
		if w.beforeHandle != nil {
			w.beforeHandle(msg)
		}
		switch msg.Type {
		case MessageTypeInit:
			w.handleInit(msg)
		case MessageTypeAuthenticate:
			w.handleAuthenticate(msg)
		case MessageTypeSearch:
			w.handleSearch(msg)
		case MessageTypeStorageInfo:
			w.handleStorageInfo(msg)
		case MessageTypeShutdown:
			return
		default:
			w.log.Warn("worker received unknown message type", "type", msg.Type.String())
		}
	}
}

func (w *worker) handleInit(msg Message) {
	w.index, w.indexErr = w.loadIndex()
	if w.indexErr != nil {
		// Degrade to an empty index but keep the error; searches surface
		// it instead of pretending the archive is empty.
		w.index = &batch.StorageIndex{}
		w.outbox <- Message{
			ID:      msg.ID,
			Type:    MessageTypeInitError,
			Payload: ErrorPayload{Message: w.indexErr.Error()},
		}
		return
	}

	w.outbox <- Message{Type: MessageTypeStorageIndexLoaded}
	w.outbox <- Message{ID: msg.ID, Type: MessageTypeInitResponse}
}

func (w *worker) loadIndex() (*batch.StorageIndex, error) {
	ok, err := w.kv.Has(indexKey)
	if err != nil {
		return nil, fmt.Errorf("probe storage index: %w", err)
	}
	if !ok {
		// A fresh archive: genuinely empty, not an error.
		return &batch.StorageIndex{}, nil
	}
	raw, err := w.kv.Read(indexKey)
	if err != nil {
		return nil, fmt.Errorf("load storage index: %w", err)
	}
	return batch.UnmarshalIndex(raw)
}

func (w *worker) handleAuthenticate(msg Message) {
	payload, ok := msg.Payload.(AuthenticatePayload)
	if !ok || len(payload.Key) == 0 {
		w.outbox <- Message{
			ID:      msg.ID,
			Type:    MessageTypeAuthError,
			Payload: ErrorPayload{Message: "missing key material"},
		}
		return
	}

	codec, err := encryption.NewCodec(payload.Key)
	if err != nil {
		w.outbox <- Message{
			ID:      msg.ID,
			Type:    MessageTypeAuthError,
			Payload: ErrorPayload{Message: err.Error()},
		}
		return
	}

	w.wipeKey()
	w.key = payload.Key
	w.codec = codec

	w.outbox <- Message{Type: MessageTypeAuthComplete}
	w.outbox <- Message{ID: msg.ID, Type: MessageTypeAuthResponse}
}

func (w *worker) handleStorageInfo(msg Message) {
	info := StorageInfo{}
	if w.index != nil {
		info.TotalDocuments = w.index.TotalDocuments
		info.TotalBatches = len(w.index.Batches)
		for _, d := range w.index.Batches {
			info.TotalSize += d.Size
		}
	}
	if w.indexErr != nil {
		info.Err = w.indexErr.Error()
	}
	w.outbox <- Message{ID: msg.ID, Type: MessageTypeStorageInfoResponse, Payload: info}
}

func (w *worker) handleSearch(msg Message) {
	req, ok := msg.Payload.(SearchRequestPayload)
	if !ok {
		w.searchError(msg.ID, "malformed search request")
		return
	}
	if w.codec == nil {
		w.searchError(msg.ID, "not authenticated")
		return
	}
	if w.indexErr != nil {
		w.searchError(msg.ID, fmt.Sprintf("storage index unavailable: %v", w.indexErr))
		return
	}
	if w.index == nil || len(w.index.Batches) == 0 {
		w.outbox <- Message{
			ID:   msg.ID,
			Type: MessageTypeSearchResponse,
			Payload: SearchResponse{
				Results: []SearchResult{},
				Message: "archive contains no batches",
			},
		}
		return
	}

	if w.advisor != nil && w.advisor.AboveWarning() {
		w.advisor.RequestLightCleanup()
	}

	terms := queryTerms(req.Query)
	if len(terms) == 0 {
		// Nothing can match an empty query; do not fetch or decrypt
		// anything on its behalf.
		w.outbox <- Message{
			ID:   msg.ID,
			Type: MessageTypeSearchResponse,
			Payload: SearchResponse{
				Results: []SearchResult{},
				Message: "empty query",
			},
		}
		return
	}
	total := len(w.index.Batches)
	var results []SearchResult
	searched := 0
	limited := false

	// Batches are processed in index order; progress is emitted after
	// every batch with strictly increasing CompletedBatches.
	for i, desc := range w.index.Batches {
		completed := i + 1

		if !keywordsOverlap(desc.Keywords, terms) {
			w.progress(msg.ID, fmt.Sprintf("skipped batch %s", desc.BatchID), total, completed, nil)
			continue
		}

		pin, err := w.openBatch(desc.BatchID)
		if err != nil {
			// Corruption and key failures abort the search; partial
			// results were already delivered through the progress stream.
			w.searchError(msg.ID, fmt.Sprintf("batch %s: %v", desc.BatchID, err))
			return
		}
		searched++

		var found []SearchResult
		for _, doc := range pin.Data().Documents {
			if documentMatches(&doc, terms) {
				found = append(found, SearchResult{Document: doc, BatchID: desc.BatchID})
			}
		}
		// The pin kept the entry intact across a concurrent eviction;
		// results above are copies, so the batch can be let go now.
		pin.Release()

		if req.Options.MaxResults > 0 && len(results)+len(found) > req.Options.MaxResults {
			found = found[:req.Options.MaxResults-len(results)]
			limited = true
		}
		results = append(results, found...)

		w.progress(msg.ID,
			fmt.Sprintf("searched batch %s", desc.BatchID),
			total, completed, found)

		if limited {
			break
		}
	}

	w.outbox <- Message{
		ID:   msg.ID,
		Type: MessageTypeSearchResponse,
		Payload: SearchResponse{
			Results:         results,
			Total:           len(results),
			BatchesSearched: searched,
			Limited:         limited,
		},
	}
}

// openBatch returns a pin on decrypted batch contents, from cache when
// possible. Freshly decrypted batches are handed to the cache, which owns
// them from then on; the pin keeps them readable until released even if
// the governor evicts the entry mid-search.
func (w *worker) openBatch(batchID string) (*batchcache.Pin, error) {
	if pin, ok := w.cache.Access(batchID); ok {
		return pin, nil
	}

	raw, err := w.kv.Read(BatchKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("fetch encrypted batch: %w", err)
	}
	var enc batch.Encrypted
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("decode encrypted batch: %w", err)
	}

	data, err := w.codec.DecryptBatch(&enc)
	if err != nil {
		return nil, err
	}

	sizeMB := float64(enc.Metadata.OriginalSize) / (1024 * 1024)
	return w.cache.Track(batchID, data, sizeMB), nil
}

func (w *worker) progress(id, text string, total, completed int, partial []SearchResult) {
	w.outbox <- Message{
		ID:   id,
		Type: MessageTypeSearchProgress,
		Payload: Progress{
			Message:          text,
			TotalBatches:     total,
			CompletedBatches: completed,
			PartialResults:   partial,
		},
	}
}

func (w *worker) searchError(id, text string) {
	w.outbox <- Message{
		ID:      id,
		Type:    MessageTypeSearchError,
		Payload: ErrorPayload{Message: text},
	}
}

func (w *worker) wipeKey() {
	if w.key != nil {
		memzero.Zero(w.key)
		w.key = nil
	}
	w.codec = nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// keywordsOverlap is the relevance pre-filter. Batches without keyword
// metadata cannot be ruled out and are always searched.
func keywordsOverlap(keywords, terms []string) bool {
	if len(keywords) == 0 || len(terms) == 0 {
		return true
	}
	for _, kw := range keywords {
		lower := strings.ToLower(kw)
		for _, t := range terms {
			if strings.Contains(lower, t) || strings.Contains(t, lower) {
				return true
			}
		}
	}
	return false
}

func documentMatches(doc *batch.Document, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	content := strings.ToLower(doc.Content)
	filename := strings.ToLower(doc.Filename)
	for _, t := range terms {
		if !strings.Contains(content, t) && !strings.Contains(filename, t) {
			return false
		}
	}
	return true
}
