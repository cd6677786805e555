package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/devrev/pairdb/flushengine/internal/flush"
	"github.com/devrev/pairdb/flushengine/internal/metrics"
	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/devrev/pairdb/flushengine/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlushTarget is a component whose in-memory state can be persisted. Names
// must be unique across all registered handlers.
type FlushTarget interface {
	Name() string
	MemoryGain() flush.Gain
	DiskGain() flush.Gain
	FlushedSerial() uint64
	LastFlushTime() time.Time
	NeedUrgentFlush() bool
	// Flush persists the target. currentSerial is the owner's serial as of
	// the round that selected it.
	Flush(ctx context.Context, currentSerial uint64) error
}

// FlushHandler owns a group of flush targets sharing one transaction log
type FlushHandler interface {
	Name() string
	FlushTargets() []FlushTarget
	CurrentSerial() uint64
	// FlushDone is called after a flush with the lowest serial still only
	// held in memory by any of the handler's targets
	FlushDone(ctx context.Context, oldestSerial uint64) error
}

// LogStatsProvider reports the retained transaction log per handler
type LogStatsProvider interface {
	LogStats() flush.LogStatsTable
}

// OldestFlushedSerial returns the lowest flushed serial over the handler's
// targets, or its current serial when it has none.
func OldestFlushedSerial(h FlushHandler) uint64 {
	targets := h.FlushTargets()
	if len(targets) == 0 {
		return h.CurrentSerial()
	}
	oldest := targets[0].FlushedSerial()
	for _, t := range targets[1:] {
		oldest = min(oldest, t.FlushedSerial())
	}
	return oldest
}

// FlushEngineConfig holds flush scheduler configuration
type FlushEngineConfig struct {
	NodeID        string
	Interval      time.Duration
	MaxConcurrent int
	QueueSize     int
	Strategy      flush.Config

	// Clock defaults to time.Now
	Clock func() time.Time
}

type flushJob struct {
	handler FlushHandler
	target  FlushTarget
	// serial is the handler's current serial when the round snapshotted it
	serial uint64
}

// FlushEngineService runs decision rounds over every registered handler and
// executes the selected flushes on a worker pool.
type FlushEngineService struct {
	config   *FlushEngineConfig
	strategy *flush.MemoryStrategy
	pool     *workerpool.WorkerPool
	logStats LogStatsProvider
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	handlers     map[string]FlushHandler
	lastDecision flush.Decision
	lastStatus   model.FlushStatus

	roundMu  sync.Mutex
	trigger  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFlushEngineService creates the scheduler. Never flushed targets age
// from the time it is created.
func NewFlushEngineService(cfg *FlushEngineConfig, logStats LogStatsProvider, logger *zap.Logger, m *metrics.Metrics) (*FlushEngineService, error) {
	if cfg.Interval <= 0 {
		return nil, errors.InvalidConfig("interval", "must be positive")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, errors.InvalidConfig("max_concurrent", "must be positive")
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	strategy, err := flush.NewMemoryStrategy(cfg.Strategy, now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FlushEngineService{
		config:   cfg,
		strategy: strategy,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "flush",
			MaxWorkers: cfg.MaxConcurrent,
			QueueSize:  max(cfg.QueueSize, cfg.MaxConcurrent),
			Logger:     logger,
		}),
		logStats: logStats,
		logger:   logger,
		metrics:  m,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]FlushHandler),
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}, nil
}

// Register adds a handler to subsequent rounds
func (s *FlushEngineService) Register(h FlushHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[h.Name()]; exists {
		return errors.InvalidArgument(fmt.Sprintf("flush handler %q already registered", h.Name()), nil)
	}
	s.handlers[h.Name()] = h

	s.logger.Info("Registered flush handler",
		zap.String("handler", h.Name()),
		zap.Int("targets", len(h.FlushTargets())))
	return nil
}

// Unregister removes a handler. Flushes already submitted still complete.
func (s *FlushEngineService) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[name]; !exists {
		return errors.UnknownHandler(name)
	}
	delete(s.handlers, name)
	s.logger.Info("Unregistered flush handler", zap.String("handler", name))
	return nil
}

func (s *FlushEngineService) sortedHandlers() []FlushHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handlers := make([]FlushHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].Name() < handlers[j].Name()
	})
	return handlers
}

// Strategy returns the selection strategy, e.g. to reconfigure it
func (s *FlushEngineService) Strategy() *flush.MemoryStrategy {
	return s.strategy
}

// RunRound snapshots every target without a flush in flight, decides what
// to flush and submits as many selected targets, in order, as there are
// free flush slots.
func (s *FlushEngineService) RunRound(ctx context.Context) (model.FlushStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.FlushStatus{}, err
	}

	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	roundID := uuid.NewString()
	now := s.now()
	logger := s.logger.With(zap.String("round_id", roundID))

	handlers := s.sortedHandlers()
	jobs := make(map[string]flushJob)
	var candidates []flush.Candidate
	for _, h := range handlers {
		current := h.CurrentSerial()
		for _, t := range h.FlushTargets() {
			name := t.Name()
			if s.pool.InFlight(name) {
				continue
			}
			flushed := t.FlushedSerial()
			jobs[name] = flushJob{handler: h, target: t, serial: current}
			// the log of h stays retained down to this target's flushed serial
			candidates = append(candidates, flush.Candidate{
				Name:          name,
				Group:         h.Name(),
				Memory:        t.MemoryGain(),
				Disk:          t.DiskGain(),
				FlushedSerial: flushed,
				TargetSerial:  flushed,
				LastFlushTime: t.LastFlushTime(),
				Urgent:        t.NeedUrgentFlush(),
			})
		}
	}

	status := model.FlushStatus{
		NodeID:    s.config.NodeID,
		RoundID:   roundID,
		Timestamp: now,
		Handlers:  handlerStates(handlers),
	}

	decision, err := s.strategy.Decide(candidates, s.logStats.LogStats(), now)
	if err != nil {
		s.metrics.RecordRoundError()
		logger.Error("Flush round rejected", zap.Error(err))
		status.Class = flush.ClassNone.String()
		status.Error = err.Error()
		status.ErrorCode = errors.GRPCCode(err).String()
		status.InFlight = s.pool.InFlightCount()
		s.record(decision, status)
		return status, err
	}

	s.metrics.RecordRound(decision.Class.String(), len(decision.Targets),
		decision.Totals.MemoryGain, decision.Totals.DiskRatio, decision.Totals.LogBytes)

	status.Class = decision.Class.String()
	status.Totals = model.FlushTotals{
		MemoryGain: decision.Totals.MemoryGain,
		DiskGain:   decision.Totals.DiskGain,
		DiskBefore: decision.Totals.DiskBefore,
		DiskRatio:  decision.Totals.DiskRatio,
		LogBytes:   decision.Totals.LogBytes,
	}
	for _, class := range decision.Triggers.Classes() {
		status.Triggers = append(status.Triggers, class.String())
	}

	slots := s.config.MaxConcurrent - s.pool.InFlightCount()
	for _, c := range decision.Targets {
		status.Targets = append(status.Targets, c.Name)
		if slots <= 0 {
			continue
		}
		if err := s.submit(logger, c.Name, jobs[c.Name]); err != nil {
			logger.Warn("Failed to submit flush", zap.String("target", c.Name), zap.Error(err))
			continue
		}
		status.Submitted = append(status.Submitted, c.Name)
		slots--
	}
	status.InFlight = s.pool.InFlightCount()
	s.metrics.SetFlushesInFlight(status.InFlight)

	if !decision.Empty() {
		logger.Info("Flush round decided",
			zap.String("class", status.Class),
			zap.Strings("triggers", status.Triggers),
			zap.Int("targets", len(decision.Targets)),
			zap.Strings("submitted", status.Submitted),
			zap.Uint64("memory_gain", decision.Totals.MemoryGain),
			zap.Float64("disk_ratio", decision.Totals.DiskRatio),
			zap.Uint64("log_bytes", decision.Totals.LogBytes))
	} else {
		logger.Debug("Flush round found no pressure", zap.Int("candidates", len(candidates)))
	}

	s.record(decision, status)
	return status, nil
}

func (s *FlushEngineService) submit(logger *zap.Logger, name string, job flushJob) error {
	serial := job.serial
	return s.pool.Submit(workerpool.Task{
		Key:     name,
		Context: s.ctx,
		Fn: func(ctx context.Context) error {
			start := time.Now()
			err := job.target.Flush(ctx, serial)
			duration := time.Since(start)

			if err != nil {
				s.metrics.RecordFlush("failed", duration.Seconds())
				logger.Warn("Flush failed",
					zap.String("target", name),
					zap.Stringer("code", errors.GRPCCode(err)),
					zap.Error(err))
				return errors.FlushFailed(name, err)
			}
			s.metrics.RecordFlush("success", duration.Seconds())

			oldest := OldestFlushedSerial(job.handler)
			if err := job.handler.FlushDone(ctx, oldest); err != nil {
				logger.Error("Flush done callback failed",
					zap.String("handler", job.handler.Name()),
					zap.Uint64("oldest_serial", oldest),
					zap.Error(err))
			}
			logger.Info("Flush completed",
				zap.String("target", name),
				zap.Uint64("serial", serial),
				zap.Uint64("oldest_serial", oldest),
				zap.Duration("duration", duration))
			return nil
		},
	})
}

func handlerStates(handlers []FlushHandler) []model.HandlerState {
	states := make([]model.HandlerState, 0, len(handlers))
	for _, h := range handlers {
		states = append(states, model.HandlerState{
			Name:          h.Name(),
			Targets:       len(h.FlushTargets()),
			CurrentSerial: h.CurrentSerial(),
			OldestSerial:  OldestFlushedSerial(h),
		})
	}
	return states
}

func (s *FlushEngineService) record(decision flush.Decision, status model.FlushStatus) {
	s.mu.Lock()
	s.lastDecision = decision
	s.lastStatus = status
	s.mu.Unlock()
}

// LastDecision returns the decision of the most recent round
func (s *FlushEngineService) LastDecision() flush.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDecision
}

// LastStatus returns the summary of the most recent round
func (s *FlushEngineService) LastStatus() model.FlushStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus
}

// InFlight returns the number of flushes queued or running
func (s *FlushEngineService) InFlight() int {
	return s.pool.InFlightCount()
}

// TriggerRound asks the run loop for a round without waiting for the next tick
func (s *FlushEngineService) TriggerRound() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes rounds every interval until ctx is done or Stop is called
func (s *FlushEngineService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Flush scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("max_concurrent", s.config.MaxConcurrent))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopChan:
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		// rejected rounds are already logged and counted
		_, _ = s.RunRound(ctx)
	}
}

// Stop ends the run loop and waits up to timeout for running flushes
func (s *FlushEngineService) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		err = s.pool.Stop(timeout)
		s.cancel()
		s.logger.Info("Flush scheduler stopped")
	})
	return err
}
