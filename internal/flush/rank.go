package flush

import (
	"cmp"
	"slices"
	"time"
)

// rankKey is the sort key of one candidate under a class. Integer metrics
// use u and ratios use f, so uint64 values are never rounded through float64.
type rankKey struct {
	u uint64
	f float64
}

func keyFor(c Candidate, class Class, stats LogStatsTable, now, start time.Time) rankKey {
	switch class {
	case ClassUrgent:
		if c.Urgent {
			return rankKey{u: 1}
		}
		return rankKey{}
	case ClassMemory:
		return rankKey{u: c.Memory.Gain()}
	case ClassDiskBloat:
		return rankKey{f: CandidateDiskRatio(c)}
	case ClassLogRetention:
		return rankKey{u: LogBlockBytes(c, stats)}
	case ClassAge:
		return rankKey{u: uint64(Age(c, now, start))}
	default:
		return rankKey{}
	}
}

// Rank returns all candidates ordered by the class metric, descending.
// Equal metrics keep their input order. The input slice is not modified.
func Rank(candidates []Candidate, class Class, stats LogStatsTable, now, start time.Time) []Candidate {
	type ranked struct {
		c   Candidate
		key rankKey
	}

	entries := make([]ranked, len(candidates))
	for i, c := range candidates {
		entries[i] = ranked{c: c, key: keyFor(c, class, stats, now, start)}
	}

	slices.SortStableFunc(entries, func(a, b ranked) int {
		if r := cmp.Compare(b.key.u, a.key.u); r != 0 {
			return r
		}
		return cmp.Compare(b.key.f, a.key.f)
	})

	out := make([]Candidate, len(entries))
	for i, e := range entries {
		out[i] = e.c
	}
	return out
}
