// Package memgovernor watches approximate process memory and evicts
// cached decrypted batches and other tracked resources when thresholds
// are crossed. Cleanup is cooperative: it runs on the governor's own
// goroutine and is only ever *requested* from the search path.
package memgovernor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/permafrostdb/permafrost-db/pkg/batchcache"
)

// Defaults chosen for a single-user archive process.
const (
	DefaultCheckInterval = 5 * time.Second
	DefaultWarningMB     = 200.0
	DefaultCriticalMB    = 300.0
)

// PressureLevel classifies the last memory sample.
type PressureLevel uint8

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "Normal"
	case PressureWarning:
		return "Warning"
	case PressureCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

// PressureCallback is invoked after every sample that changes the
// pressure level. Callbacks run on the governor goroutine; panics are
// isolated so one faulty subscriber cannot break the others.
type PressureCallback func(level PressureLevel, usedMB float64)

type trackedResource struct {
	id        string
	sizeMB    float64
	createdAt time.Time
	release   func()
}

// Config tunes the governor. Zero values fall back to defaults.
type Config struct {
	CheckInterval time.Duration
	WarningMB     float64
	CriticalMB    float64
	Logger        *slog.Logger

	// SampleFunc overrides memory sampling, for tests. The default reads
	// the process RSS via gopsutil.
	SampleFunc func() (float64, error)
}

// Governor is the only actor permitted to unilaterally evict from the
// decrypted batch cache.
type Governor struct {
	config Config
	log    *slog.Logger
	cache  *batchcache.Cache

	mu        sync.Mutex
	resources map[string]*trackedResource
	callbacks []PressureCallback
	lastMB    float64
	lastLevel PressureLevel

	cleanupReq chan struct{}
	stopOnce   sync.Once
	stopped    chan struct{}
}

func New(cache *batchcache.Cache, config Config) *Governor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.WarningMB <= 0 {
		config.WarningMB = DefaultWarningMB
	}
	if config.CriticalMB <= 0 {
		config.CriticalMB = DefaultCriticalMB
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SampleFunc == nil {
		config.SampleFunc = processRSS
	}
	return &Governor{
		config:     config,
		log:        config.Logger,
		cache:      cache,
		resources:  make(map[string]*trackedResource),
		cleanupReq: make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

// Run samples memory on the configured interval until ctx is canceled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.CheckInterval)
	defer ticker.Stop()
	defer g.stopOnce.Do(func() { close(g.stopped) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check()
		case <-g.cleanupReq:
			g.performLightCleanup()
		}
	}
}

// Done is closed once Run has returned.
func (g *Governor) Done() <-chan struct{} { return g.stopped }

// TrackResource registers a generic resource the governor may release
// under pressure. release is called at most once.
func (g *Governor) TrackResource(id string, sizeMB float64, release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources[id] = &trackedResource{
		id:        id,
		sizeMB:    sizeMB,
		createdAt: time.Now(),
		release:   release,
	}
}

// UntrackResource removes a resource without releasing it.
func (g *Governor) UntrackResource(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.resources, id)
}

// RegisterPressureCallback subscribes to pressure level changes.
func (g *Governor) RegisterPressureCallback(cb PressureCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, cb)
}

// RequestLightCleanup schedules a light cleanup on the governor goroutine
// without blocking the caller. Used by the search path before scanning a
// large batch while already above the warning threshold.
func (g *Governor) RequestLightCleanup() {
	select {
	case g.cleanupReq <- struct{}{}:
	default:
	}
}

// AboveWarning reports whether the last sample exceeded the warning
// threshold.
func (g *Governor) AboveWarning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMB >= g.config.WarningMB
}

// UsedMB returns the last sampled process memory in MB.
func (g *Governor) UsedMB() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMB
}

func (g *Governor) check() {
	usedMB, err := g.config.SampleFunc()
	if err != nil {
		g.log.Warn("memory sample failed", "error", err)
		return
	}

	level := PressureNormal
	switch {
	case usedMB >= g.config.CriticalMB:
		level = PressureCritical
	case usedMB >= g.config.WarningMB:
		level = PressureWarning
	}

	g.mu.Lock()
	g.lastMB = usedMB
	changed := level != g.lastLevel
	g.lastLevel = level
	callbacks := make([]PressureCallback, len(g.callbacks))
	copy(callbacks, g.callbacks)
	g.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			notify(cb, level, usedMB)
		}
	}

	switch level {
	case PressureCritical:
		g.log.Warn("critical memory pressure", "usedMB", usedMB)
		g.performForceCleanup()
	case PressureWarning:
		g.log.Info("memory warning threshold crossed", "usedMB", usedMB)
		g.performLightCleanup()
	}
}

// performLightCleanup evicts the oldest 25% of tracked resources plus the
// single oldest decrypted batch if more than one is held.
func (g *Governor) performLightCleanup() {
	victims := g.takeOldestResources(0.25)
	for _, r := range victims {
		r.release()
	}

	if g.cache.Len() > 1 {
		if id, ok := g.cache.EvictOldest(); ok {
			g.log.Info("evicted decrypted batch under pressure", "batchId", id)
		}
	}

	if len(victims) > 0 {
		g.log.Info("light cleanup done", "resourcesReleased", len(victims))
	}
}

// performForceCleanup releases every tracked resource and all but the
// most-recently-accessed decrypted batch, then asks the runtime to return
// freed memory to the OS.
func (g *Governor) performForceCleanup() {
	victims := g.takeOldestResources(1.0)
	for _, r := range victims {
		r.release()
	}

	evicted := g.cache.EvictAllButMostRecent()

	g.log.Warn("force cleanup done",
		"resourcesReleased", len(victims),
		"batchesEvicted", evicted)

	debug.FreeOSMemory()
}

// takeOldestResources removes and returns the oldest fraction of tracked
// resources, at least one when any exist and fraction > 0.
func (g *Governor) takeOldestResources(fraction float64) []*trackedResource {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.resources) == 0 || fraction <= 0 {
		return nil
	}

	all := make([]*trackedResource, 0, len(g.resources))
	for _, r := range g.resources {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].createdAt.Before(all[j].createdAt)
	})

	n := int(float64(len(all)) * fraction)
	if n < 1 {
		n = 1
	}
	if n > len(all) {
		n = len(all)
	}

	victims := all[:n]
	for _, r := range victims {
		delete(g.resources, r.id)
	}
	return victims
}

func notify(cb PressureCallback, level PressureLevel, usedMB float64) {
	defer func() {
		_ = recover()
	}()
	cb(level, usedMB)
}

func processRSS() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(mi.RSS) / (1024 * 1024), nil
}
