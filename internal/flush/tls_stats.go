package flush

import (
	"sort"

	"github.com/devrev/pairdb/flushengine/internal/errors"
)

// LogStats describes the retained transaction log of one owner group.
// Bytes covers the inclusive serial span [FirstSerial, LastSerial].
type LogStats struct {
	Bytes       uint64
	FirstSerial uint64
	LastSerial  uint64
}

// Degenerate reports whether the span holds a single serial number.
func (s LogStats) Degenerate() bool {
	return s.FirstSerial == s.LastSerial
}

// LogStatsTable maps owner group name to its transaction log statistics.
type LogStatsTable map[string]LogStats

// Get returns the statistics for a group
func (t LogStatsTable) Get(group string) (LogStats, bool) {
	stats, ok := t[group]
	return stats, ok
}

// Validate rejects records whose first serial is past the last serial.
// Groups are checked in name order so the reported group is deterministic.
func (t LogStatsTable) Validate() error {
	groups := make([]string, 0, len(t))
	for group := range t {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	for _, group := range groups {
		stats := t[group]
		if stats.FirstSerial > stats.LastSerial {
			return errors.InvalidLogStats(group, stats.FirstSerial, stats.LastSerial)
		}
	}
	return nil
}
