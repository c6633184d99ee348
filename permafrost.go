// Package permafrost is a two-tier document archive: a small fast hot
// tier and a large encrypted cold tier organized as immutable batches,
// searchable across both. The archive is unlocked with a password that
// is never persisted; losing it makes the cold tier unrecoverable by
// design.
package permafrost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permafrostdb/permafrost-db/internal/keyValStore"
	"github.com/permafrostdb/permafrost-db/internal/memzero"
	"github.com/permafrostdb/permafrost-db/pkg/auth"
	"github.com/permafrostdb/permafrost-db/pkg/batch"
	"github.com/permafrostdb/permafrost-db/pkg/batchcache"
	"github.com/permafrostdb/permafrost-db/pkg/coldstore"
	"github.com/permafrostdb/permafrost-db/pkg/encryption"
	"github.com/permafrostdb/permafrost-db/pkg/hotstore"
	"github.com/permafrostdb/permafrost-db/pkg/memgovernor"
	"github.com/permafrostdb/permafrost-db/pkg/migrate"
)

var (
	ErrNotStarted = errors.New("permafrost: archive not started")
	ErrClosed     = errors.New("permafrost: archive closed")
)

// Config configures the archive instance. Only Paths[0] is used at the
// moment; future versions may use multiple paths for sharding.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for on-disk operations.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger

	// MemoryWarningMB and MemoryCriticalMB override the governor
	// thresholds; zero keeps the defaults.
	MemoryWarningMB  float64
	MemoryCriticalMB float64

	// MigrationInterval is how often the hot tier is assessed for
	// migration. Zero disables the periodic check.
	MigrationInterval time.Duration

	// Migration tunes selection policy; zero values keep defaults.
	Migration migrate.Config
}

// Archive is the main handle. It owns the key-value store, the
// authenticator, the cold-storage worker and the lifecycle of background
// components; everything is explicitly constructed here, there are no
// package-level singletons.
type Archive struct {
	log    *slog.Logger
	config Config

	kvMu sync.RWMutex
	kv   *keyValStore.KeyValStore

	auth     *auth.Authenticator
	cache    *batchcache.Cache
	governor *memgovernor.Governor
	cold     *coldstore.Store
	hot      hotstore.HotStore
	migrator *migrate.Migrator

	cancelBg context.CancelFunc
	bgDone   sync.WaitGroup

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON,
// different levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs an archive handle. New does not perform heavy I/O or
// start background goroutines. Call Start to initialize subsystems.
func New(conf Config) (*Archive, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Archive{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the store, wires all components and initializes the cold
// storage worker. Start is safe to call multiple times; only the first
// call has effect.
func (ar *Archive) Start(ctx context.Context) error {
	var startErr error
	ar.startOnce.Do(func() {
		dataRoot := ar.config.Paths[0]
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		kvPath := filepath.Join(dataRoot, "kv")
		if err := os.MkdirAll(kvPath, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", kvPath, err)
			return
		}

		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{kvPath},
			MinimumFreeSpace: int(ar.config.MinimumFreeGB),
			Logger:           logrus.New(),
		})
		if err != nil {
			startErr = fmt.Errorf("init key-value store: %w", err)
			return
		}

		ar.kvMu.Lock()
		ar.kv = kv
		ar.kvMu.Unlock()

		ar.auth = auth.New(kv, ar.log)
		ar.cache = batchcache.New()
		ar.governor = memgovernor.New(ar.cache, memgovernor.Config{
			WarningMB:  ar.config.MemoryWarningMB,
			CriticalMB: ar.config.MemoryCriticalMB,
			Logger:     ar.log,
		})
		ar.cold = coldstore.NewStore(kv, ar.cache, ar.governor, ar.log)
		ar.hot = hotstore.New(kv)

		migConf := ar.config.Migration
		migConf.Logger = ar.log
		ar.migrator = migrate.New(ar.hot, kv, migConf)
		ar.migrator.SetCommitHook(func(ctx context.Context) error {
			return ar.cold.Initialize(ctx)
		})

		if err := ar.cold.Initialize(ctx); err != nil {
			startErr = fmt.Errorf("init cold storage: %w", err)
			return
		}

		if open, err := ar.migrator.OpenJournalRecords(); err != nil {
			ar.log.Warn("migration journal unreadable", "error", err)
		} else if len(open) > 0 {
			ar.log.Warn("unfinished migrations found, documents may be duplicated across tiers",
				"count", len(open))
		}

		bgCtx, cancel := context.WithCancel(context.Background())
		ar.cancelBg = cancel

		ar.bgDone.Add(1)
		go func() {
			defer ar.bgDone.Done()
			ar.governor.Run(bgCtx)
		}()

		if ar.config.MigrationInterval > 0 {
			ar.bgDone.Add(1)
			go func() {
				defer ar.bgDone.Done()
				ar.migrationLoop(bgCtx)
			}()
		}

		ar.started.Store(true)
		ar.log.Info("permafrost archive started", "path", dataRoot)
	})
	return startErr
}

// Run starts the archive, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown. It is a convenience for services.
func (ar *Archive) Run(ctx context.Context) error {
	if err := ar.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ar.Close(shutdownCtx)
}

// Close terminates background components and releases resources. Close
// is idempotent and safe to call multiple times.
func (ar *Archive) Close(ctx context.Context) error {
	var closeErr error
	ar.closeOnce.Do(func() {
		ar.started.Store(false)

		if ar.cancelBg != nil {
			ar.cancelBg()
			ar.bgDone.Wait()
		}

		if ar.cold != nil {
			if err := ar.cold.Close(ctx); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close cold storage: %w", err))
			}
		}
		if ar.cache != nil {
			ar.cache.Clear()
		}
		if ar.auth != nil {
			ar.auth.EndSession()
		}

		ar.kvMu.Lock()
		kv := ar.kv
		ar.kv = nil
		ar.kvMu.Unlock()
		if kv != nil {
			if err := kv.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
			}
		}

		ar.log.Info("permafrost archive closed")
	})
	return closeErr
}

// SetupPassword establishes the archive password and unlocks the cold
// tier for this session.
func (ar *Archive) SetupPassword(ctx context.Context, password string) error {
	if !ar.started.Load() {
		return ErrNotStarted
	}
	if err := ar.auth.SetupPassword(password); err != nil {
		return err
	}
	return ar.handoffKey(ctx)
}

// VerifyPassword checks a password against the stored challenge. A wrong
// password returns (false, nil). On success the cold tier is unlocked
// for this session.
func (ar *Archive) VerifyPassword(ctx context.Context, password string) (bool, error) {
	if !ar.started.Load() {
		return false, ErrNotStarted
	}
	ok, err := ar.auth.VerifyPassword(password)
	if err != nil || !ok {
		return ok, err
	}
	return true, ar.handoffKey(ctx)
}

// handoffKey lends the derived key to the cold storage worker and the
// migrator. The authenticator stays the only component able to
// regenerate it.
func (ar *Archive) handoffKey(ctx context.Context) error {
	workerKey, err := ar.auth.ExportKeyMaterial()
	if err != nil {
		return err
	}
	if err := ar.cold.Authenticate(ctx, workerKey); err != nil {
		return err
	}

	sealerKey, err := ar.auth.ExportKeyMaterial()
	if err != nil {
		return err
	}
	codec, err := encryption.NewCodec(sealerKey)
	memzero.Zero(sealerKey)
	if err != nil {
		return err
	}
	ar.migrator.SetSealer(codec)
	return nil
}

// ResetPassword irreversibly deletes the salt, the challenge and every
// encrypted batch. This is deliberate: without the original password the
// cold tier is unrecoverable anyway.
func (ar *Archive) ResetPassword(ctx context.Context) error {
	if !ar.started.Load() {
		return ErrNotStarted
	}

	kv, err := ar.kvHandle()
	if err != nil {
		return err
	}

	if err := ar.auth.Reset(); err != nil {
		return err
	}
	ar.cache.Clear()
	ar.migrator.SetSealer(nil)

	if err := kv.DropPrefix(coldstore.ColdPrefix()); err != nil {
		return fmt.Errorf("drop cold storage: %w", err)
	}
	if err := kv.DropPrefix([]byte("migrate:")); err != nil {
		return fmt.Errorf("drop migration journal: %w", err)
	}

	// Restart the worker so its copy of the key is wiped, then reload
	// the now-empty index.
	if err := ar.cold.Close(ctx); err != nil {
		return fmt.Errorf("stop cold storage worker: %w", err)
	}
	return ar.cold.Initialize(ctx)
}

// SearchDocuments searches the encrypted cold tier. Authentication is
// required first; there is no degraded unauthenticated mode.
func (ar *Archive) SearchDocuments(ctx context.Context, query string, opts coldstore.SearchOptions, onProgress coldstore.ProgressFunc) (*coldstore.SearchResponse, error) {
	if !ar.started.Load() {
		return nil, ErrNotStarted
	}
	return ar.cold.SearchDocuments(ctx, query, opts, onProgress)
}

// SearchHot searches the fast tier only.
func (ar *Archive) SearchHot(query string, limit int) ([]batch.Document, error) {
	if !ar.started.Load() {
		return nil, ErrNotStarted
	}
	return ar.hot.Search(query, limit)
}

// AddDocument stores a document in the hot tier. Tier migration moves it
// to cold storage later based on age and activity.
func (ar *Archive) AddDocument(doc batch.Document) error {
	if !ar.started.Load() {
		return ErrNotStarted
	}
	return ar.hot.AddDocument(doc)
}

// RemoveDocument removes a document from the hot tier. Cold batches are
// immutable and unaffected.
func (ar *Archive) RemoveDocument(id string) error {
	if !ar.started.Load() {
		return ErrNotStarted
	}
	return ar.hot.RemoveDocument(id)
}

// GetStorageInfo reports the cold index view, including a load error
// when the index is unreachable; zero documents with an error set must
// not be read as an empty archive.
func (ar *Archive) GetStorageInfo(ctx context.Context) (*coldstore.StorageInfo, error) {
	if !ar.started.Load() {
		return nil, ErrNotStarted
	}
	return ar.cold.GetStorageInfo(ctx)
}

// GetCacheStats reports decrypted-batch cache statistics.
func (ar *Archive) GetCacheStats() batchcache.Stats {
	return ar.cache.Stats()
}

// IsAvailable reports whether cold storage is ready with a cleanly
// loaded index.
func (ar *Archive) IsAvailable() bool {
	return ar.started.Load() && ar.cold.IsAvailable()
}

// IsAuthenticated reports whether a session key is held.
func (ar *Archive) IsAuthenticated() bool {
	return ar.started.Load() && ar.auth.IsAuthenticated()
}

// TriggerMigration runs one migration now. A trigger while another run
// is active is a no-op.
func (ar *Archive) TriggerMigration(ctx context.Context) (*migrate.Task, error) {
	if !ar.started.Load() {
		return nil, ErrNotStarted
	}
	return ar.migrator.TriggerMigration(ctx)
}

// AssessMigrationNeed reports whether the hot tier is due for migration.
func (ar *Archive) AssessMigrationNeed() (migrate.Assessment, error) {
	if !ar.started.Load() {
		return migrate.Assessment{}, ErrNotStarted
	}
	return ar.migrator.AssessMigrationNeed()
}

// SubscribeMigrationProgress registers a migration progress observer.
func (ar *Archive) SubscribeMigrationProgress(fn migrate.ProgressFunc) {
	ar.migrator.Subscribe(fn)
}

// migrationLoop periodically assesses the hot tier and triggers a
// migration when one is due and a session key is available.
func (ar *Archive) migrationLoop(ctx context.Context) {
	ticker := time.NewTicker(ar.config.MigrationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ar.auth.IsAuthenticated() {
				continue
			}
			assessment, err := ar.AssessMigrationNeed()
			if err != nil {
				ar.log.Warn("migration assessment failed", "error", err)
				continue
			}
			if !assessment.Required {
				continue
			}
			ar.log.Info("migration due", "reasons", assessment.Reasons)
			if _, err := ar.TriggerMigration(ctx); err != nil {
				ar.log.Warn("periodic migration failed", "error", err)
			}
		}
	}
}

func (ar *Archive) kvHandle() (*keyValStore.KeyValStore, error) {
	if !ar.started.Load() {
		return nil, ErrNotStarted
	}
	ar.kvMu.RLock()
	kv := ar.kv
	ar.kvMu.RUnlock()
	if kv == nil {
		return nil, ErrClosed
	}
	return kv, nil
}
