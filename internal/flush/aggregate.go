package flush

import (
	"math"
	"time"
)

// DiskFloor is the minimum disk size used as bloat denominator, so small or
// empty components do not report inflated bloat ratios.
const DiskFloor uint64 = 100_000_000

// Totals holds the system-wide aggregates of one round.
type Totals struct {
	MemoryGain uint64
	DiskGain   uint64
	DiskBefore uint64
	DiskRatio  float64
	LogBytes   uint64
}

func subClamp(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func addSat(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}

func bloatRatio(gain, before uint64) float64 {
	return float64(gain) / float64(max(before, DiskFloor))
}

// CandidateDiskRatio returns the candidate's disk gain relative to its
// current (floored) disk size.
func CandidateDiskRatio(c Candidate) float64 {
	return bloatRatio(c.Disk.Gain(), c.Disk.Before)
}

// Aggregate computes the round totals. Log bytes are summed once per owner
// group referenced by the candidates; groups without statistics add nothing.
// Groups present in stats but referenced by no candidate are ignored.
func Aggregate(candidates []Candidate, stats LogStatsTable) Totals {
	var totals Totals
	seen := make(map[string]struct{}, len(candidates))

	for _, c := range candidates {
		totals.MemoryGain = addSat(totals.MemoryGain, c.Memory.Gain())
		totals.DiskGain = addSat(totals.DiskGain, c.Disk.Gain())
		totals.DiskBefore = addSat(totals.DiskBefore, c.Disk.Before)

		if _, ok := seen[c.Group]; ok {
			continue
		}
		seen[c.Group] = struct{}{}
		if group, ok := stats.Get(c.Group); ok {
			totals.LogBytes = addSat(totals.LogBytes, group.Bytes)
		}
	}

	totals.DiskRatio = bloatRatio(totals.DiskGain, totals.DiskBefore)
	return totals
}

// LogBlockBytes estimates the log bytes of the candidate's group that stay
// unprunable if only this candidate is flushed.
func LogBlockBytes(c Candidate, stats LogStatsTable) uint64 {
	group, ok := stats.Get(c.Group)
	if !ok || group.Bytes == 0 {
		return 0
	}
	if group.Degenerate() {
		return group.Bytes
	}

	span := max(uint64(1), group.LastSerial-group.FirstSerial)
	progress := subClamp(c.TargetSerial, group.FirstSerial)
	if progress >= span {
		return 0
	}

	// Differences are formed in uint64 first so values near 2^32 or 2^63
	// never go through a signed or wrapped intermediate.
	if progress == 0 {
		return group.Bytes
	}
	p := float64(progress) / float64(span)
	remaining := float64(group.Bytes) * (1 - p)
	if remaining >= float64(group.Bytes) {
		return group.Bytes
	}
	return uint64(remaining)
}

// Age returns the time since the candidate's last flush. A candidate that
// was never flushed ages from start, the time the engine began observing it.
func Age(c Candidate, now, start time.Time) time.Duration {
	since := c.LastFlushTime
	if c.NeverFlushed() {
		since = start
	}
	age := now.Sub(since)
	if age < 0 {
		return 0
	}
	return age
}
