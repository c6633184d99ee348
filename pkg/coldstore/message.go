// Package coldstore implements the encrypted-archive search path: a
// storage index of batch metadata plus an isolated worker that fetches,
// decrypts and searches individual encrypted batches.
//
// Main context and worker communicate exclusively by message passing.
// Every request carries a unique correlation id and is answered by a
// response with the same id; types suffixed -error signal failure.
// Unsolicited messages (worker-ready, auth-complete,
// storage-index-loaded, worker-fatal-error) update local state without a
// pending-request match. No memory is shared across the boundary except
// the raw key bytes transferred once at session start.
package coldstore

import (
	"fmt"

	"github.com/permafrostdb/permafrost-db/pkg/batch"
)

// MessageType identifies how a message payload is interpreted.
type MessageType uint8

const (
	// Requests, main -> worker.

	// MessageTypeInit asks the worker to load the storage index.
	MessageTypeInit MessageType = iota + 1
	// MessageTypeAuthenticate transfers raw key material to the worker.
	MessageTypeAuthenticate
	// MessageTypeSearch runs a progressive search over the index.
	MessageTypeSearch
	// MessageTypeStorageInfo reads the worker's view of the index.
	MessageTypeStorageInfo
	// MessageTypeShutdown asks the worker to exit cleanly.
	MessageTypeShutdown

	// Responses, worker -> main, matched by correlation id.

	// MessageTypeInitResponse confirms index loading finished.
	MessageTypeInitResponse
	// MessageTypeInitError reports an initialization failure.
	MessageTypeInitError
	// MessageTypeAuthResponse confirms the worker holds a session key.
	MessageTypeAuthResponse
	// MessageTypeAuthError reports a key handoff failure.
	MessageTypeAuthError
	// MessageTypeSearchProgress is emitted after each batch of a search.
	MessageTypeSearchProgress
	// MessageTypeSearchResponse is the terminal result of a search.
	MessageTypeSearchResponse
	// MessageTypeSearchError is the terminal failure of a search.
	MessageTypeSearchError
	// MessageTypeStorageInfoResponse carries the index summary.
	MessageTypeStorageInfoResponse
	// MessageTypeStorageInfoError reports an info read failure.
	MessageTypeStorageInfoError

	// Unsolicited, worker -> main.

	// MessageTypeWorkerReady announces the worker loop is running.
	MessageTypeWorkerReady
	// MessageTypeAuthComplete announces a completed key handoff.
	MessageTypeAuthComplete
	// MessageTypeStorageIndexLoaded announces index availability.
	MessageTypeStorageIndexLoaded
	// MessageTypeWorkerFatalError announces the worker crashed. The
	// worker is discarded; the store must be re-initialized explicitly.
	MessageTypeWorkerFatalError
)

var messageTypeNames = map[MessageType]string{
	MessageTypeInit:                "init",
	MessageTypeAuthenticate:        "authenticate",
	MessageTypeSearch:              "search",
	MessageTypeStorageInfo:         "storage-info",
	MessageTypeShutdown:            "shutdown",
	MessageTypeInitResponse:        "init-response",
	MessageTypeInitError:           "init-error",
	MessageTypeAuthResponse:        "auth-response",
	MessageTypeAuthError:           "auth-error",
	MessageTypeSearchProgress:      "search-progress",
	MessageTypeSearchResponse:      "search-response",
	MessageTypeSearchError:         "search-error",
	MessageTypeStorageInfoResponse: "storage-info-response",
	MessageTypeStorageInfoError:    "storage-info-error",
	MessageTypeWorkerReady:         "worker-ready",
	MessageTypeAuthComplete:        "auth-complete",
	MessageTypeStorageIndexLoaded:  "storage-index-loaded",
	MessageTypeWorkerFatalError:    "worker-fatal-error",
}

// String returns the wire name of a MessageType.
func (mt MessageType) String() string {
	if name, ok := messageTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", mt)
}

// IsTerminal reports whether the type concludes a pending request.
// Progress messages interleave before the terminal response.
func (mt MessageType) IsTerminal() bool {
	switch mt {
	case MessageTypeInitResponse, MessageTypeInitError,
		MessageTypeAuthResponse, MessageTypeAuthError,
		MessageTypeSearchResponse, MessageTypeSearchError,
		MessageTypeStorageInfoResponse, MessageTypeStorageInfoError:
		return true
	}
	return false
}

// Message is the unit of communication between store and worker.
type Message struct {
	// ID is the correlation id; empty for unsolicited messages.
	ID string

	// Type determines how Payload is interpreted.
	Type MessageType

	// Payload is one of the typed payload structs below, or nil.
	Payload any
}

// ErrorPayload carries the failure text of any *-error message.
type ErrorPayload struct {
	Message string
}

// AuthenticatePayload transfers raw key bytes to the worker. The worker
// takes ownership and wipes them at shutdown.
type AuthenticatePayload struct {
	Key []byte
}

// SearchOptions tune a single search.
type SearchOptions struct {
	// MaxResults caps the result set; 0 means unlimited.
	MaxResults int
}

// SearchRequestPayload starts a search.
type SearchRequestPayload struct {
	Query   string
	Options SearchOptions
}

// SearchResult is one matching document and the batch it came from.
type SearchResult struct {
	Document batch.Document
	BatchID  string
}

// Progress is emitted after each batch, with CompletedBatches strictly
// increasing within one search.
type Progress struct {
	Message          string
	TotalBatches     int
	CompletedBatches int
	PartialResults   []SearchResult
}

// SearchResponse is the terminal payload of a successful search.
type SearchResponse struct {
	Results         []SearchResult
	Total           int
	BatchesSearched int
	Limited         bool
	// Message explains empty result sets (for example an empty index).
	Message string
}

// StorageInfo summarizes the worker's index view. Err is set when the
// index failed to load: zero documents with a non-empty Err must never be
// confused with an empty archive.
type StorageInfo struct {
	TotalDocuments int
	TotalBatches   int
	TotalSize      int64
	Err            string
}
