package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/devrev/pairdb/flushengine/internal/flush"
	"github.com/devrev/pairdb/flushengine/internal/metrics"
	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/util"
	"github.com/devrev/pairdb/flushengine/internal/validation"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	// holds the highest serial ever pruned, so serials stay monotonic
	// after every segment of a domain is gone
	watermarkFile = "watermark"
)

// CommitLogService is a write-ahead log split into independent domains,
// one per document store. Serial numbers start at 1 and increase by one
// per record within a domain.
type CommitLogService struct {
	config  *CommitLogConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	dataDir string

	mu      sync.Mutex
	domains map[string]*domainLog
	closed  bool
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SegmentSize int64
	SyncWrites  bool
}

type domainLog struct {
	name       string
	dir        string
	nextSerial uint64
	segments   []*segment // oldest first; the last one may be open
	current    *os.File
}

type segment struct {
	path        string
	firstSerial uint64
	lastSerial  uint64
	entries     int
	bytes       int64
}

func (s *segment) empty() bool {
	return s.entries == 0
}

// NewCommitLogService opens the commit log under dataDir, recovering every
// domain found there. m may be nil.
func NewCommitLogService(cfg *CommitLogConfig, dataDir string, logger *zap.Logger, m *metrics.Metrics) (*CommitLogService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.CommitLogFailed("failed to create commit log directory", err)
	}

	s := &CommitLogService{
		config:  cfg,
		logger:  logger,
		metrics: m,
		dataDir: dataDir,
		domains: make(map[string]*domainLog),
	}

	dirs, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, errors.CommitLogFailed("failed to list commit log directory", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dl, err := s.recoverDomain(d.Name())
		if err != nil {
			return nil, err
		}
		s.domains[dl.name] = dl
		s.publish(dl)
	}

	return s, nil
}

func validDomain(domain string) error {
	return validation.ValidateStoreName(domain)
}

// recoverDomain rebuilds segment bookkeeping from the files on disk. A
// corrupt tail in the newest segment is truncated away.
func (s *CommitLogService) recoverDomain(name string) (*domainLog, error) {
	dl := &domainLog{
		name:       name,
		dir:        filepath.Join(s.dataDir, name),
		nextSerial: 1,
	}

	paths, err := filepath.Glob(filepath.Join(dl.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, errors.CommitLogFailed("failed to list segments", err)
	}
	sort.Strings(paths)

	for i, path := range paths {
		seg := &segment{path: path}
		validBytes, err := scanSegment(path, func(e *model.LogEntry) error {
			if seg.entries == 0 {
				seg.firstSerial = e.Serial
			}
			seg.lastSerial = e.Serial
			seg.entries++
			return nil
		})
		if err != nil && err != util.ErrCorruptFrame {
			return nil, errors.CommitLogFailed("failed to recover segment "+path, err)
		}
		if err == util.ErrCorruptFrame {
			if i != len(paths)-1 {
				return nil, errors.CommitLogFailed("corrupt sealed segment "+path, err)
			}
			s.logger.Warn("Truncating corrupt commit log tail",
				zap.String("domain", name),
				zap.String("segment", path),
				zap.Int64("valid_bytes", validBytes))
			if err := os.Truncate(path, validBytes); err != nil {
				return nil, errors.CommitLogFailed("failed to truncate segment", err)
			}
		}
		seg.bytes = validBytes

		if seg.empty() {
			os.Remove(path)
			continue
		}
		dl.segments = append(dl.segments, seg)
		dl.nextSerial = seg.lastSerial + 1
	}

	mark, err := readWatermark(dl.dir)
	if err != nil {
		return nil, errors.CommitLogFailed("failed to read watermark of domain "+name, err)
	}
	dl.nextSerial = max(dl.nextSerial, mark+1)

	s.logger.Info("Recovered commit log domain",
		zap.String("domain", name),
		zap.Int("segments", len(dl.segments)),
		zap.Uint64("next_serial", dl.nextSerial))

	return dl, nil
}

type watermark struct {
	Serial uint64 `json:"serial"`
}

func readWatermark(dir string) (uint64, error) {
	file, err := os.Open(filepath.Join(dir, watermarkFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer file.Close()

	payload, err := util.ReadFrame(file)
	if err != nil {
		return 0, err
	}
	var mark watermark
	if err := json.Unmarshal(payload, &mark); err != nil {
		return 0, err
	}
	return mark.Serial, nil
}

// writeWatermark replaces the watermark through a temp file and rename
func writeWatermark(dir string, serial uint64) error {
	data, err := json.Marshal(watermark{Serial: serial})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, watermarkFile)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(util.EncodeFrame(data)); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// scanSegment reads every valid record of a segment and returns the byte
// offset just past the last valid one.
func scanSegment(path string, fn func(*model.LogEntry) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var offset int64
	for {
		payload, err := util.ReadFrame(file)
		if err == io.EOF {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}

		var entry model.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return offset, util.ErrCorruptFrame
		}
		if err := fn(&entry); err != nil {
			return offset, err
		}
		offset += int64(util.FrameSize(len(payload)))
	}
}

func (s *CommitLogService) domain(name string, create bool) (*domainLog, error) {
	if s.closed {
		return nil, errors.Stopped("commit log")
	}
	if dl, ok := s.domains[name]; ok {
		return dl, nil
	}
	if !create {
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown commit log domain %q", name), nil)
	}
	if err := validDomain(name); err != nil {
		return nil, err
	}
	dl := &domainLog{
		name:       name,
		dir:        filepath.Join(s.dataDir, name),
		nextSerial: 1,
	}
	if err := os.MkdirAll(dl.dir, 0755); err != nil {
		return nil, errors.CommitLogFailed("failed to create domain directory", err)
	}
	s.domains[name] = dl
	return dl, nil
}

// EnsureDomain creates the domain if it does not exist yet
func (s *CommitLogService) EnsureDomain(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.domain(domain, true)
	return err
}

// Append assigns the next serial of entry.Domain to the entry, stamps it
// and writes it to the log. It returns the assigned serial.
func (s *CommitLogService) Append(ctx context.Context, entry *model.LogEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dl, err := s.domain(entry.Domain, true)
	if err != nil {
		return 0, err
	}

	entry.Serial = dl.nextSerial
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, errors.CommitLogFailed("failed to marshal entry", err)
	}
	frame := util.EncodeFrame(data)

	if dl.current == nil {
		if err := s.openSegment(dl); err != nil {
			return 0, err
		}
	}

	if _, err := dl.current.Write(frame); err != nil {
		return 0, errors.CommitLogFailed("failed to write to commit log", err)
	}
	if s.config.SyncWrites {
		if err := dl.current.Sync(); err != nil {
			return 0, errors.CommitLogFailed("failed to sync commit log", err)
		}
	}

	seg := dl.segments[len(dl.segments)-1]
	if seg.empty() {
		seg.firstSerial = entry.Serial
	}
	seg.lastSerial = entry.Serial
	seg.entries++
	seg.bytes += int64(len(frame))
	dl.nextSerial++

	if seg.bytes >= s.config.SegmentSize {
		s.sealSegment(dl)
	}
	s.publish(dl)

	return entry.Serial, nil
}

func (s *CommitLogService) openSegment(dl *domainLog) error {
	path := filepath.Join(dl.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, dl.nextSerial, segmentSuffix))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.CommitLogFailed("failed to open commit log segment", err)
	}

	dl.current = file
	dl.segments = append(dl.segments, &segment{path: path})

	s.logger.Info("Opened new commit log segment",
		zap.String("domain", dl.name),
		zap.String("path", path))
	return nil
}

func (s *CommitLogService) sealSegment(dl *domainLog) {
	if dl.current == nil {
		return
	}
	if err := dl.current.Close(); err != nil {
		s.logger.Error("Failed to close commit log segment",
			zap.String("domain", dl.name),
			zap.Error(err))
	}
	dl.current = nil

	seg := dl.segments[len(dl.segments)-1]
	s.logger.Info("Sealed commit log segment",
		zap.String("domain", dl.name),
		zap.Int64("size", seg.bytes),
		zap.Uint64("first_serial", seg.firstSerial),
		zap.Uint64("last_serial", seg.lastSerial))
}

// CurrentSerial returns the last serial assigned in domain, 0 if none
func (s *CommitLogService) CurrentSerial(domain string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := s.domains[domain]; ok {
		return dl.nextSerial - 1
	}
	return 0
}

// Domains returns the known domain names in order
func (s *CommitLogService) Domains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogStats reports the retained log of every domain that holds records
func (s *CommitLogService) LogStats() flush.LogStatsTable {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := make(flush.LogStatsTable, len(s.domains))
	for name, dl := range s.domains {
		if stats, ok := dl.stats(); ok {
			table[name] = stats
		}
	}
	return table
}

func (dl *domainLog) stats() (flush.LogStats, bool) {
	var stats flush.LogStats
	found := false
	for _, seg := range dl.segments {
		if seg.empty() {
			continue
		}
		if !found {
			stats.FirstSerial = seg.firstSerial
			found = true
		}
		stats.LastSerial = seg.lastSerial
		stats.Bytes += uint64(seg.bytes)
	}
	return stats, found
}

// Prune removes every segment of domain whose records all have a serial at
// or below serial. It returns the number of segments removed.
func (s *CommitLogService) Prune(domain string, serial uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, err := s.domain(domain, false)
	if err != nil {
		return 0, err
	}

	covered := 0
	for _, seg := range dl.segments {
		if seg.empty() || seg.lastSerial > serial {
			break
		}
		covered++
	}
	if covered == 0 {
		return 0, nil
	}

	// the watermark goes first so a crash mid-prune never loses the serial
	if err := writeWatermark(dl.dir, dl.segments[covered-1].lastSerial); err != nil {
		return 0, errors.CommitLogFailed("failed to write watermark", err)
	}
	if covered == len(dl.segments) && dl.current != nil {
		s.sealSegment(dl)
	}

	removed := 0
	for removed < covered {
		if err := os.Remove(dl.segments[0].path); err != nil && !os.IsNotExist(err) {
			s.publish(dl)
			return removed, errors.CommitLogFailed("failed to remove segment", err)
		}
		dl.segments = dl.segments[1:]
		removed++
	}

	if removed > 0 {
		s.logger.Info("Pruned commit log",
			zap.String("domain", domain),
			zap.Uint64("serial", serial),
			zap.Int("segments_removed", removed))
		s.publish(dl)
	}
	return removed, nil
}

// AdvanceSerial makes the next serial of domain at least serial+1, e.g. to
// move past data already persisted elsewhere. The domain is created if
// needed.
func (s *CommitLogService) AdvanceSerial(domain string, serial uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, err := s.domain(domain, true)
	if err != nil {
		return err
	}
	if serial < dl.nextSerial {
		return nil
	}

	if err := writeWatermark(dl.dir, serial); err != nil {
		return errors.CommitLogFailed("failed to write watermark", err)
	}
	// a segment covers a contiguous serial range
	s.sealSegment(dl)
	s.logger.Warn("Advanced commit log serial",
		zap.String("domain", domain),
		zap.Uint64("from", dl.nextSerial),
		zap.Uint64("to", serial+1))
	dl.nextSerial = serial + 1
	return nil
}

// Replay calls fn for every retained record of domain with a serial above
// after, in serial order.
func (s *CommitLogService) Replay(ctx context.Context, domain string, after uint64, fn func(*model.LogEntry) error) (int, error) {
	s.mu.Lock()
	dl, err := s.domain(domain, false)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	segments := make([]segment, 0, len(dl.segments))
	for _, seg := range dl.segments {
		segments = append(segments, *seg)
	}
	s.mu.Unlock()

	replayed := 0
	for _, seg := range segments {
		if seg.empty() || seg.lastSerial <= after {
			continue
		}
		_, err := scanSegment(seg.path, func(e *model.LogEntry) error {
			if e.Serial > after {
				if err := ctx.Err(); err != nil {
					return err
				}
				replayed++
				if err := fn(e); err != nil {
					return err
				}
			}
			// records past the copied bookkeeping may still be in flight
			if e.Serial >= seg.lastSerial {
				return io.EOF
			}
			return nil
		})
		if err == io.EOF {
			continue
		}
		if err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

func (s *CommitLogService) publish(dl *domainLog) {
	if s.metrics == nil {
		return
	}
	stats, _ := dl.stats()
	s.metrics.UpdateCommitLogStats(dl.name, len(dl.segments), stats.Bytes)
}

// SegmentCount returns the number of retained segments of domain
func (s *CommitLogService) SegmentCount(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := s.domains[domain]; ok {
		return len(dl.segments)
	}
	return 0
}

// Close closes every open segment
func (s *CommitLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, dl := range s.domains {
		if dl.current == nil {
			continue
		}
		if err := dl.current.Close(); err != nil && firstErr == nil {
			firstErr = errors.CommitLogFailed("failed to close segment", err)
		}
		dl.current = nil
	}
	return firstErr
}
