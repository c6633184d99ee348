package coldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/permafrostdb/permafrost-db/pkg/batchcache"
)

// DefaultRequestTimeout bounds every cross-context request, searches
// included. Partial results delivered through the progress stream before
// a timeout are kept by the caller, not discarded.
const DefaultRequestTimeout = 60 * time.Second

var (
	ErrNotInitialized   = errors.New("coldstore: not initialized")
	ErrNotReady         = errors.New("coldstore: worker not ready")
	ErrNotAuthenticated = errors.New("coldstore: authentication required before search")
	ErrTimeout          = errors.New("coldstore: request timed out")
	ErrWorkerFatal      = errors.New("coldstore: worker terminated, re-initialize required")
)

// State is the lifecycle of one worker instance.
type State uint8

const (
	StateNotInitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not_initialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ProgressFunc receives progress events during a search. Callbacks run on
// the caller's goroutine and are panic-isolated.
type ProgressFunc func(Progress)

// Store is the main-context handle to the cold storage worker. Cold
// storage is encrypted-only: there is no degraded unauthenticated mode,
// and every search requires a prior successful authentication.
type Store struct {
	kv      KV
	cache   *batchcache.Cache
	advisor MemoryAdvisor
	log     *slog.Logger

	timeout    time.Duration // per-request bound, override in tests
	workerHook func(*worker) // applied before the worker starts, override in tests

	mu            sync.Mutex
	state         State
	authenticated bool
	indexErr      string
	worker        *worker
	pending       map[string]chan Message
	dispatchDone  chan struct{}
}

// NewStore wires a store; no worker exists until Initialize.
func NewStore(kv KV, cache *batchcache.Cache, advisor MemoryAdvisor, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		kv:      kv,
		cache:   cache,
		advisor: advisor,
		log:     log,
		timeout: DefaultRequestTimeout,
		state:   StateNotInitialized,
		pending: make(map[string]chan Message),
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAvailable reports whether the store is ready and its index loaded
// cleanly. A ready store with a failed index is reachable but must not be
// mistaken for an empty archive.
func (s *Store) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.indexErr == ""
}

// Initialize creates the worker context, wires message handling and loads
// the storage index. An index-load failure still yields a ready store;
// the error is surfaced on searches and GetStorageInfo instead of being
// masked as zero documents. Initialize is also how a store recovers after
// a fatal worker error, and how the index view is refreshed after a
// migration commit.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.mu.Unlock()
		return fmt.Errorf("coldstore: initialization already in progress")
	}
	if s.worker == nil {
		s.startWorkerLocked()
	}
	s.state = StateInitializing
	s.mu.Unlock()

	resp, err := s.request(ctx, Message{Type: MessageTypeInit}, nil, s.timeout)
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.Type == MessageTypeInitError {
		s.indexErr = errorText(resp)
		s.state = StateReady
		s.log.Warn("storage index unavailable", "error", s.indexErr)
		return nil
	}
	s.indexErr = ""
	s.state = StateReady
	return nil
}

// Authenticate transfers exported key material to the worker. The worker
// owns the bytes afterwards; callers must not reuse the slice.
func (s *Store) Authenticate(ctx context.Context, key []byte) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	resp, err := s.request(ctx, Message{
		Type:    MessageTypeAuthenticate,
		Payload: AuthenticatePayload{Key: key},
	}, nil, s.timeout)
	if err != nil {
		return err
	}
	if resp.Type == MessageTypeAuthError {
		return fmt.Errorf("coldstore: authenticate: %s", errorText(resp))
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	return nil
}

// SearchDocuments runs a progressive search. onProgress may be nil. The
// search requires prior authentication; violating that is a caller error
// and produces zero worker traffic.
func (s *Store) SearchDocuments(ctx context.Context, query string, opts SearchOptions, onProgress ProgressFunc) (*SearchResponse, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	authed := s.authenticated
	s.mu.Unlock()
	if !authed {
		return nil, ErrNotAuthenticated
	}

	resp, err := s.request(ctx, Message{
		Type:    MessageTypeSearch,
		Payload: SearchRequestPayload{Query: query, Options: opts},
	}, onProgress, s.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == MessageTypeSearchError {
		return nil, fmt.Errorf("coldstore: search: %s", errorText(resp))
	}

	result, ok := resp.Payload.(SearchResponse)
	if !ok {
		return nil, fmt.Errorf("coldstore: malformed search response")
	}
	return &result, nil
}

// GetStorageInfo reads the worker's index view, including a load error
// when one is held.
func (s *Store) GetStorageInfo(ctx context.Context) (*StorageInfo, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	resp, err := s.request(ctx, Message{Type: MessageTypeStorageInfo}, nil, s.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == MessageTypeStorageInfoError {
		return nil, fmt.Errorf("coldstore: storage info: %s", errorText(resp))
	}
	info, ok := resp.Payload.(StorageInfo)
	if !ok {
		return nil, fmt.Errorf("coldstore: malformed storage info response")
	}
	return &info, nil
}

// Close shuts the worker down cleanly. The store can be re-initialized
// afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	w := s.worker
	done := s.dispatchDone
	s.worker = nil
	s.state = StateNotInitialized
	s.authenticated = false
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	w.inbox <- Message{Type: MessageTypeShutdown}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return nil
	case StateNotInitialized, StateInitializing:
		return ErrNotInitialized
	case StateFailed:
		return ErrWorkerFatal
	}
	return ErrNotReady
}

func (s *Store) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// startWorkerLocked spawns the worker goroutine and the dispatch loop.
// Caller holds s.mu.
func (s *Store) startWorkerLocked() {
	w := newWorker(s.kv, s.cache, s.advisor, s.log)
	if s.workerHook != nil {
		s.workerHook(w)
	}
	s.worker = w
	s.dispatchDone = make(chan struct{})
	go w.run()
	go s.dispatch(w, s.dispatchDone)
}

// dispatch routes worker messages: correlated ones to their pending
// channel, unsolicited ones into store state. Late messages for a
// discarded correlation id are dropped, never treated as unsolicited.
func (s *Store) dispatch(w *worker, done chan struct{}) {
	defer close(done)

	for msg := range w.outbox {
		if msg.ID != "" {
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			if ok && msg.Type.IsTerminal() {
				delete(s.pending, msg.ID)
			}
			s.mu.Unlock()
			if ok {
				s.deliver(ch, msg)
			}
			continue
		}

		switch msg.Type {
		case MessageTypeWorkerReady:
			s.log.Debug("cold storage worker ready")
		case MessageTypeAuthComplete:
			s.log.Info("cold storage worker authenticated")
		case MessageTypeStorageIndexLoaded:
			s.mu.Lock()
			s.indexErr = ""
			s.mu.Unlock()
		case MessageTypeWorkerFatalError:
			s.handleFatal(errorText(msg))
		default:
			s.log.Warn("unexpected unsolicited message", "type", msg.Type.String())
		}
	}
}

// handleFatal discards the worker and fails every pending request. There
// is no automatic restart.
func (s *Store) handleFatal(text string) {
	s.log.Error("cold storage worker fatal error", "error", text)

	s.mu.Lock()
	s.state = StateFailed
	s.authenticated = false
	s.worker = nil
	pending := s.pending
	s.pending = make(map[string]chan Message)
	s.mu.Unlock()

	for id, ch := range pending {
		s.deliver(ch, Message{
			ID:      id,
			Type:    MessageTypeWorkerFatalError,
			Payload: ErrorPayload{Message: text},
		})
	}
}

// deliver hands a correlated message to its waiter. Progress is lossy and
// dropped when the buffer is nearly full; the last slot stays reserved so
// the single terminal message per request can always be sent without
// blocking dispatch on a slow or abandoned caller.
func (s *Store) deliver(ch chan Message, msg Message) {
	if msg.Type == MessageTypeSearchProgress {
		if len(ch) < cap(ch)-1 {
			ch <- msg
		}
		return
	}
	ch <- msg
}

// request sends one correlated message and waits for its terminal
// response, forwarding progress messages to onProgress along the way. On
// timeout the correlation id is discarded so late responses are ignored.
func (s *Store) request(ctx context.Context, msg Message, onProgress ProgressFunc, timeout time.Duration) (Message, error) {
	s.mu.Lock()
	w := s.worker
	if w == nil {
		s.mu.Unlock()
		return Message{}, ErrWorkerFatal
	}
	msg.ID = uuid.NewString()
	ch := make(chan Message, 64)
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	select {
	case w.inbox <- msg:
	case <-ctx.Done():
		s.discard(msg.ID)
		return Message{}, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-ch:
			if resp.Type == MessageTypeSearchProgress {
				if onProgress != nil {
					if p, ok := resp.Payload.(Progress); ok {
						safeProgress(onProgress, p)
					}
				}
				continue
			}
			if resp.Type == MessageTypeWorkerFatalError {
				return Message{}, fmt.Errorf("%w: %s", ErrWorkerFatal, errorText(resp))
			}
			return resp, nil
		case <-timer.C:
			s.discard(msg.ID)
			return Message{}, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Type.String(), timeout)
		case <-ctx.Done():
			s.discard(msg.ID)
			return Message{}, ctx.Err()
		}
	}
}

func (s *Store) discard(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func safeProgress(fn ProgressFunc, p Progress) {
	defer func() {
		_ = recover()
	}()
	fn(p)
}

func errorText(msg Message) string {
	if p, ok := msg.Payload.(ErrorPayload); ok {
		return p.Message
	}
	return "unknown error"
}
