package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/devrev/pairdb/flushengine/internal/flush"
	"github.com/devrev/pairdb/flushengine/internal/metrics"
	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/storage/memtable"
	"github.com/devrev/pairdb/flushengine/internal/validation"
	"go.uber.org/zap"
)

const (
	snapshotPrefix = "snap-"
	snapshotSuffix = ".zst"
)

var errFound = stderrors.New("found")

// DiskGuard refuses writes when the filesystem is close to full
type DiskGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	// MaxSize is the footprint at which the memtable asks for an urgent flush
	MaxSize     int64
	SnapshotDir string
	// Disk is optional
	Disk DiskGuard
}

type snapshotFile struct {
	path   string
	serial uint64
	bytes  int64
}

// MemTableTarget is a flushable in-memory table. Flushing writes the active
// table as a new compressed snapshot; the companion fusion target merges the
// accumulated snapshots into one.
type MemTableTarget struct {
	name    string
	config  *MemTableConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.RWMutex
	active        *memtable.SkipList
	flushing      *memtable.SkipList
	flushedSerial uint64
	lastFlush     time.Time
	lastFusion    time.Time
	snapshots     []snapshotFile // oldest first

	// serializes snapshot writes and fusion
	diskMu sync.Mutex
}

// NewMemTableTarget creates a memtable, loading any snapshots already in
// cfg.SnapshotDir. m may be nil.
func NewMemTableTarget(name string, cfg *MemTableConfig, logger *zap.Logger, m *metrics.Metrics) (*MemTableTarget, error) {
	if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
		return nil, errors.MemTableFailed("failed to create snapshot directory", err)
	}

	mt := &MemTableTarget{
		name:    name,
		config:  cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		active:  memtable.NewSkipList(),
	}
	if err := mt.loadSnapshots(); err != nil {
		return nil, err
	}
	return mt, nil
}

func (mt *MemTableTarget) loadSnapshots() error {
	stale, _ := filepath.Glob(filepath.Join(mt.config.SnapshotDir, "*.tmp"))
	for _, path := range stale {
		os.Remove(path)
	}

	paths, err := filepath.Glob(filepath.Join(mt.config.SnapshotDir, snapshotPrefix+"*"+snapshotSuffix))
	if err != nil {
		return errors.MemTableFailed("failed to list snapshots", err)
	}

	for _, path := range paths {
		serial, ok := parseSnapshotSerial(path)
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return errors.MemTableFailed("failed to stat snapshot", err)
		}
		mt.snapshots = append(mt.snapshots, snapshotFile{path: path, serial: serial, bytes: info.Size()})
		if serial >= mt.flushedSerial {
			mt.flushedSerial = serial
			mt.lastFlush = info.ModTime()
		}
	}
	sort.Slice(mt.snapshots, func(i, j int) bool {
		return mt.snapshots[i].serial < mt.snapshots[j].serial
	})
	return nil
}

func parseSnapshotSerial(path string) (uint64, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, snapshotPrefix) || !strings.HasSuffix(base, snapshotSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, snapshotPrefix), snapshotSuffix), 10, 64)
	return n, err == nil
}

func (mt *MemTableTarget) snapshotPath(serial uint64) string {
	return filepath.Join(mt.config.SnapshotDir, fmt.Sprintf("%s%020d%s", snapshotPrefix, serial, snapshotSuffix))
}

// Put inserts or updates an entry in the active table
func (mt *MemTableTarget) Put(entry *model.MemTableEntry) {
	mt.mu.Lock()
	mt.active.Put(entry)
	size := mt.active.Bytes()
	mt.mu.Unlock()

	if mt.metrics != nil {
		mt.metrics.UpdateMemTableSize(mt.name, size)
	}
}

// Get looks a key up in memory first, then in the snapshots newest first.
// Tombstones read as absent.
func (mt *MemTableTarget) Get(key string) (*model.MemTableEntry, bool, error) {
	return mt.get(key, true)
}

func (mt *MemTableTarget) get(key string, retry bool) (*model.MemTableEntry, bool, error) {
	mt.mu.RLock()
	entry, found := mt.active.Get(key)
	if !found && mt.flushing != nil {
		entry, found = mt.flushing.Get(key)
	}
	snapshots := append([]snapshotFile(nil), mt.snapshots...)
	mt.mu.RUnlock()

	if found {
		return visible(entry)
	}

	for i := len(snapshots) - 1; i >= 0; i-- {
		var hit *model.MemTableEntry
		err := memtable.ReadSnapshot(snapshots[i].path, func(e *model.MemTableEntry) error {
			if e.Key == key {
				hit = e
				return errFound
			}
			return nil
		})
		if err != nil && !stderrors.Is(err, errFound) {
			if retry && stderrors.Is(err, os.ErrNotExist) {
				// replaced by a concurrent fusion
				return mt.get(key, false)
			}
			return nil, false, errors.MemTableFailed("failed to read snapshot", err)
		}
		if hit != nil {
			return visible(hit)
		}
	}
	return nil, false, nil
}

func visible(e *model.MemTableEntry) (*model.MemTableEntry, bool, error) {
	if e.IsTombstone {
		return nil, false, nil
	}
	return e, true, nil
}

// Name returns the target name
func (mt *MemTableTarget) Name() string {
	return mt.name
}

// MemoryGain reports the active table's footprint as reclaimable
func (mt *MemTableTarget) MemoryGain() flush.Gain {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return flush.NewGain(uint64(mt.active.Bytes()), 0)
}

// DiskGain is zero; a memtable flush only adds disk usage
func (mt *MemTableTarget) DiskGain() flush.Gain {
	return flush.Gain{}
}

// FlushedSerial returns the highest serial persisted in a snapshot
func (mt *MemTableTarget) FlushedSerial() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.flushedSerial
}

// LastFlushTime returns the time of the last flush, zero if never flushed
func (mt *MemTableTarget) LastFlushTime() time.Time {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.lastFlush
}

// NeedUrgentFlush reports whether the active table reached its max size
func (mt *MemTableTarget) NeedUrgentFlush() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.config.MaxSize > 0 && mt.active.Bytes() >= mt.config.MaxSize
}

// Len returns the number of entries held in memory
func (mt *MemTableTarget) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	n := mt.active.Len()
	if mt.flushing != nil {
		n += mt.flushing.Len()
	}
	return n
}

// SnapshotCount returns the number of snapshots on disk
func (mt *MemTableTarget) SnapshotCount() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.snapshots)
}

// Flush persists the active table. Every entry routed to this table with a
// serial at or below currentSerial must already be inserted.
func (mt *MemTableTarget) Flush(ctx context.Context, currentSerial uint64) error {
	mt.diskMu.Lock()
	defer mt.diskMu.Unlock()

	mt.mu.Lock()
	if mt.active.Len() == 0 {
		mt.flushedSerial = max(mt.flushedSerial, currentSerial)
		mt.lastFlush = mt.now()
		mt.mu.Unlock()
		return nil
	}

	mt.flushing = mt.active
	mt.active = memtable.NewSkipList()
	immutable := mt.flushing
	serial := max(currentSerial, immutable.MaxSerial(), mt.flushedSerial)
	mt.mu.Unlock()

	mt.logger.Info("Starting memtable flush",
		zap.String("target", mt.name),
		zap.Int64("size", immutable.Bytes()),
		zap.Int("entries", immutable.Len()),
		zap.Uint64("serial", serial))

	path := mt.snapshotPath(serial)
	var (
		size int64
		err  = ctx.Err()
	)
	if err == nil && mt.config.Disk != nil {
		if err = mt.config.Disk.CheckBeforeWrite(validation.EstimateSnapshotBytes(immutable.Bytes())); err != nil {
			mt.restore(immutable)
			mt.logger.Warn("Memtable flush refused", zap.String("target", mt.name), zap.Error(err))
			return err
		}
	}
	if err == nil {
		size, err = memtable.WriteSnapshot(path, immutable)
	}
	if err != nil {
		mt.restore(immutable)
		mt.logger.Error("Failed to flush memtable", zap.String("target", mt.name), zap.Error(err))
		return errors.MemTableFailed("failed to write snapshot", err)
	}

	mt.mu.Lock()
	mt.flushing = nil
	mt.snapshots = append(mt.snapshots, snapshotFile{path: path, serial: serial, bytes: size})
	mt.flushedSerial = serial
	mt.lastFlush = mt.now()
	activeSize := mt.active.Bytes()
	mt.mu.Unlock()

	if mt.metrics != nil {
		mt.metrics.UpdateMemTableSize(mt.name, activeSize)
	}
	mt.logger.Info("Memtable flush completed",
		zap.String("target", mt.name),
		zap.String("snapshot", path),
		zap.Int64("snapshot_bytes", size))
	return nil
}

// restore puts a table that failed to flush back under the active one
func (mt *MemTableTarget) restore(immutable *memtable.SkipList) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	it := immutable.Iterator()
	for it.Next() {
		if _, newer := mt.active.Get(it.Entry().Key); !newer {
			mt.active.Put(it.Entry())
		}
	}
	mt.flushing = nil
}

// Fusion returns the target that merges this memtable's snapshots
func (mt *MemTableTarget) Fusion() *FusionTarget {
	return &FusionTarget{mt: mt}
}

// FusionTarget merges all snapshots of a memtable into one, dropping
// overwritten entries and tombstones.
type FusionTarget struct {
	mt *MemTableTarget
}

// Name returns the target name
func (f *FusionTarget) Name() string {
	return f.mt.name + ".fusion"
}

// MemoryGain is zero; fusion works on disk only
func (f *FusionTarget) MemoryGain() flush.Gain {
	return flush.Gain{}
}

// DiskGain estimates the merged size as the largest single snapshot
func (f *FusionTarget) DiskGain() flush.Gain {
	f.mt.mu.RLock()
	defer f.mt.mu.RUnlock()

	var total, largest uint64
	for _, snap := range f.mt.snapshots {
		total += uint64(snap.bytes)
		largest = max(largest, uint64(snap.bytes))
	}
	if len(f.mt.snapshots) < 2 {
		return flush.NewGain(total, total)
	}
	return flush.NewGain(total, largest)
}

// FlushedSerial follows the memtable; fusion never holds back the log
func (f *FusionTarget) FlushedSerial() uint64 {
	return f.mt.FlushedSerial()
}

// LastFlushTime returns the time of the last fusion
func (f *FusionTarget) LastFlushTime() time.Time {
	f.mt.mu.RLock()
	defer f.mt.mu.RUnlock()
	return f.mt.lastFusion
}

// NeedUrgentFlush is always false
func (f *FusionTarget) NeedUrgentFlush() bool {
	return false
}

// Flush merges the snapshots
func (f *FusionTarget) Flush(ctx context.Context, _ uint64) error {
	mt := f.mt
	mt.diskMu.Lock()
	defer mt.diskMu.Unlock()

	mt.mu.RLock()
	snapshots := append([]snapshotFile(nil), mt.snapshots...)
	mt.mu.RUnlock()

	if len(snapshots) < 2 {
		mt.mu.Lock()
		mt.lastFusion = mt.now()
		mt.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	paths := make([]string, len(snapshots))
	var before int64
	for i, snap := range snapshots {
		paths[i] = snap.path
		before += snap.bytes
	}

	merged, err := memtable.MergeSnapshots(paths)
	if err != nil {
		return errors.MemTableFailed("failed to merge snapshots", err)
	}

	var dead []string
	it := merged.Iterator()
	for it.Next() {
		if it.Entry().IsTombstone {
			dead = append(dead, it.Entry().Key)
		}
	}
	for _, key := range dead {
		merged.Delete(key)
	}

	if mt.config.Disk != nil {
		if err := mt.config.Disk.CheckBeforeWrite(uint64(snapshots[len(snapshots)-1].bytes)); err != nil {
			return err
		}
	}

	newest := snapshots[len(snapshots)-1]
	size, err := memtable.WriteSnapshot(newest.path, merged)
	if err != nil {
		return errors.MemTableFailed("failed to write fused snapshot", err)
	}

	mt.mu.Lock()
	mt.snapshots = []snapshotFile{{path: newest.path, serial: newest.serial, bytes: size}}
	mt.lastFusion = mt.now()
	mt.mu.Unlock()

	for _, snap := range snapshots[:len(snapshots)-1] {
		if err := os.Remove(snap.path); err != nil && !os.IsNotExist(err) {
			mt.logger.Warn("Failed to remove fused snapshot", zap.String("path", snap.path), zap.Error(err))
		}
	}

	mt.logger.Info("Snapshot fusion completed",
		zap.String("target", f.Name()),
		zap.Int("snapshots", len(snapshots)),
		zap.Int64("bytes_before", before),
		zap.Int64("bytes_after", size),
		zap.Int("tombstones_dropped", len(dead)))
	return nil
}
