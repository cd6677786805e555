package flush

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
)

const gibi = uint64(1) << 30

// Config holds the thresholds of the memory flush strategy.
type Config struct {
	MaxGlobalMemoryGain      uint64
	MaxGlobalLogBytes        uint64
	GlobalDiskBloatFactor    float64
	MaxCandidateMemoryGain   uint64
	CandidateDiskBloatFactor float64
	MaxCandidateAge          time.Duration

	// Priority orders the non-urgent classes, highest first. Empty means
	// DefaultPriority.
	Priority []Class
}

// DefaultConfig returns production thresholds
func DefaultConfig() Config {
	return Config{
		MaxGlobalMemoryGain:      4 * gibi,
		MaxGlobalLogBytes:        20 * gibi,
		GlobalDiskBloatFactor:    0.2,
		MaxCandidateMemoryGain:   1 * gibi,
		CandidateDiskBloatFactor: 0.2,
		MaxCandidateAge:          24 * time.Hour,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := validateFactor("global_disk_bloat_factor", c.GlobalDiskBloatFactor); err != nil {
		return err
	}
	if err := validateFactor("candidate_disk_bloat_factor", c.CandidateDiskBloatFactor); err != nil {
		return err
	}
	if c.MaxCandidateAge < 0 {
		return errors.InvalidConfig("max_candidate_age", "must not be negative")
	}
	if len(c.Priority) == 0 {
		return nil
	}
	if len(c.Priority) != len(DefaultPriority) {
		return errors.InvalidConfig("priority", "must list memory, disk_bloat, log_retention and age exactly once")
	}
	seen := make(map[Class]bool, len(c.Priority))
	for _, class := range c.Priority {
		if !slices.Contains(DefaultPriority, class) || seen[class] {
			return errors.InvalidConfig("priority", "must list memory, disk_bloat, log_retention and age exactly once")
		}
		seen[class] = true
	}
	return nil
}

func validateFactor(field string, v float64) error {
	if math.IsNaN(v) || v < 0 {
		return errors.InvalidConfig(field, "must be a non-negative number")
	}
	return nil
}

func (c Config) priority() []Class {
	if len(c.Priority) == 0 {
		return DefaultPriority
	}
	return c.Priority
}

func (c Config) clone() Config {
	c.Priority = slices.Clone(c.Priority)
	return c
}

// Decision is the outcome of one round.
type Decision struct {
	// Class is the class every target was ranked by, ClassNone when no
	// flush is warranted.
	Class    Class
	Triggers Triggers
	Totals   Totals
	Targets  []Candidate
}

// Empty reports whether the round selected nothing
func (d Decision) Empty() bool {
	return len(d.Targets) == 0
}

// MemoryStrategy selects and orders flush targets from resource pressure.
// It keeps no state between rounds; only its configuration can change.
type MemoryStrategy struct {
	mu        sync.RWMutex
	config    Config
	startTime time.Time
}

// NewMemoryStrategy creates a strategy. startTime is the reference a never
// flushed candidate ages from and is used as given, the zero time included.
func NewMemoryStrategy(cfg Config, startTime time.Time) (*MemoryStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryStrategy{
		config:    cfg.clone(),
		startTime: startTime,
	}, nil
}

// StartTime returns the age reference for never flushed candidates
func (s *MemoryStrategy) StartTime() time.Time {
	return s.startTime
}

// Config returns a copy of the current configuration
func (s *MemoryStrategy) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.clone()
}

// SetConfig replaces the configuration for subsequent rounds
func (s *MemoryStrategy) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.config = cfg.clone()
	s.mu.Unlock()
	return nil
}

// Decide runs one round over a consistent snapshot. Either every candidate
// is returned in flush order, or none when no class is open. Invalid log
// statistics or duplicate candidate names fail the whole round.
func (s *MemoryStrategy) Decide(candidates []Candidate, stats LogStatsTable, now time.Time) (Decision, error) {
	if err := validateRound(candidates, stats); err != nil {
		return Decision{}, err
	}

	cfg := s.Config()
	totals := Aggregate(candidates, stats)
	triggers := Classify(candidates, totals, cfg, now, s.startTime)
	class := triggers.Highest(cfg.priority())

	decision := Decision{
		Class:    class,
		Triggers: triggers,
		Totals:   totals,
	}
	if class == ClassNone {
		return decision, nil
	}
	decision.Targets = Rank(candidates, class, stats, now, s.startTime)
	return decision, nil
}

// Select returns the ordered targets of one round
func (s *MemoryStrategy) Select(candidates []Candidate, stats LogStatsTable, now time.Time) ([]Candidate, error) {
	decision, err := s.Decide(candidates, stats, now)
	if err != nil {
		return nil, err
	}
	return decision.Targets, nil
}

func validateRound(candidates []Candidate, stats LogStatsTable) error {
	if err := stats.Validate(); err != nil {
		return err
	}
	names := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := names[c.Name]; dup {
			return errors.DuplicateTarget(c.Name)
		}
		names[c.Name] = struct{}{}
	}
	return nil
}
