package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/devrev/pairdb/flushengine/internal/metrics"
	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/validation"
	"go.uber.org/zap"
)

// DocumentStoreConfig holds document store configuration
type DocumentStoreConfig struct {
	Name            string
	Targets         int
	MemTableMaxSize int64
	SnapshotDir     string
	Disk            DiskGuard
	// Validator defaults to validation.NewValidator()
	Validator *validation.Validator
}

// DocumentStore is a key-value store backed by one commit log domain and a
// fixed set of memtables, keys sharded by hash. It is the flush handler for
// its memtables and their fusion targets.
type DocumentStore struct {
	name    string
	log     *CommitLogService
	tables    []*MemTableTarget
	targets   []FlushTarget
	validator *validation.Validator
	logger    *zap.Logger

	// orders log appends with memtable inserts so that every serial at or
	// below CurrentSerial is visible in its memtable
	mu sync.Mutex
}

// OpenDocumentStore creates the store's memtables, loads their snapshots and
// replays the retained commit log on top. m may be nil.
func OpenDocumentStore(ctx context.Context, cfg *DocumentStoreConfig, log *CommitLogService, logger *zap.Logger, m *metrics.Metrics) (*DocumentStore, error) {
	if cfg.Targets <= 0 {
		return nil, errors.InvalidArgument("document store needs at least one memtable", nil)
	}
	if err := log.EnsureDomain(cfg.Name); err != nil {
		return nil, err
	}

	s := &DocumentStore{
		name:      cfg.Name,
		log:       log,
		validator: cfg.Validator,
		logger:    logger.With(zap.String("store", cfg.Name)),
	}
	if s.validator == nil {
		s.validator = validation.NewValidator()
	}

	for i := 0; i < cfg.Targets; i++ {
		name := fmt.Sprintf("mem%d", i)
		mt, err := NewMemTableTarget(cfg.Name+"."+name, &MemTableConfig{
			MaxSize:     cfg.MemTableMaxSize,
			SnapshotDir: filepath.Join(cfg.SnapshotDir, cfg.Name, name),
			Disk:        cfg.Disk,
		}, s.logger, m)
		if err != nil {
			return nil, err
		}
		s.tables = append(s.tables, mt)
		s.targets = append(s.targets, mt, mt.Fusion())
	}

	// serials must never restart below data already in snapshots
	var newest uint64
	for _, mt := range s.tables {
		newest = max(newest, mt.FlushedSerial())
	}
	if err := log.AdvanceSerial(cfg.Name, newest); err != nil {
		return nil, err
	}

	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) recover(ctx context.Context) error {
	oldest := s.oldestFlushedSerial()
	n, err := s.log.Replay(ctx, s.name, oldest, func(e *model.LogEntry) error {
		mt := s.shard(e.Key)
		if e.Serial <= mt.FlushedSerial() {
			return nil
		}
		mt.Put(model.FromLogEntry(e))
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Document store recovered",
		zap.Int("replayed", n),
		zap.Uint64("from_serial", oldest),
		zap.Uint64("current_serial", s.log.CurrentSerial(s.name)))
	return nil
}

func (s *DocumentStore) shard(key string) *MemTableTarget {
	return s.tables[xxhash.Sum64String(key)%uint64(len(s.tables))]
}

func (s *DocumentStore) write(ctx context.Context, key string, value []byte, tombstone bool) (uint64, error) {
	if err := s.validator.ValidateWrite(key, value); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &model.LogEntry{
		Domain:      s.name,
		Key:         key,
		Value:       value,
		IsTombstone: tombstone,
	}
	serial, err := s.log.Append(ctx, entry)
	if err != nil {
		return 0, err
	}
	s.shard(key).Put(model.FromLogEntry(entry))
	return serial, nil
}

// Put stores value under key and returns the serial assigned to the write
func (s *DocumentStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(ctx, key, value, false)
}

// Delete removes key and returns the serial assigned to the write
func (s *DocumentStore) Delete(ctx context.Context, key string) (uint64, error) {
	return s.write(ctx, key, nil, true)
}

// Get returns the value stored under key
func (s *DocumentStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, found, err := s.shard(key).Get(key)
	if err != nil || !found {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// Name returns the store name, which is also its commit log domain
func (s *DocumentStore) Name() string {
	return s.name
}

// FlushTargets returns the memtables followed by their fusion targets
func (s *DocumentStore) FlushTargets() []FlushTarget {
	return s.targets
}

// CurrentSerial returns the last serial written to the store
func (s *DocumentStore) CurrentSerial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.CurrentSerial(s.name)
}

// FlushDone prunes the commit log up to oldestSerial
func (s *DocumentStore) FlushDone(ctx context.Context, oldestSerial uint64) error {
	removed, err := s.log.Prune(s.name, oldestSerial)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Debug("Flush done", zap.Uint64("oldest_serial", oldestSerial), zap.Int("segments_removed", removed))
	}
	return nil
}

func (s *DocumentStore) oldestFlushedSerial() uint64 {
	return OldestFlushedSerial(s)
}
