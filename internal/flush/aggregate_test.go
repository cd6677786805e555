package flush

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGain(t *testing.T) {
	tests := []struct {
		name string
		gain Gain
		want uint64
	}{
		{"shrinks", NewGain(100, 40), 60},
		{"unchanged", NewGain(100, 100), 0},
		{"grows", NewGain(40, 100), 0},
		{"max values", NewGain(math.MaxUint64, 0), math.MaxUint64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.gain.Gain())
		})
	}
}

func TestAggregate(t *testing.T) {
	stats := LogStatsTable{
		"g1":     {Bytes: 1000, FirstSerial: 1, LastSerial: 10},
		"g2":     {Bytes: 500, FirstSerial: 1, LastSerial: 10},
		"unused": {Bytes: 1 << 40, FirstSerial: 1, LastSerial: 10},
	}
	candidates := []Candidate{
		{Name: "a", Group: "g1", Memory: NewGain(100, 10), Disk: NewGain(300*milli, 100*milli)},
		{Name: "b", Group: "g1", Memory: NewGain(50, 80), Disk: NewGain(100*milli, 100*milli)},
		{Name: "c", Group: "g2", Memory: NewGain(20, 0)},
		{Name: "d", Group: "g3"},
	}

	totals := Aggregate(candidates, stats)
	assert.Equal(t, uint64(110), totals.MemoryGain)
	assert.Equal(t, 200*milli, totals.DiskGain)
	assert.Equal(t, 400*milli, totals.DiskBefore)
	assert.InDelta(t, 0.5, totals.DiskRatio, 1e-12)
	// g1 counted once, g3 has no stats, unused has no candidates
	assert.Equal(t, uint64(1500), totals.LogBytes)
}

func TestAggregate_Saturates(t *testing.T) {
	candidates := []Candidate{
		{Name: "a", Memory: NewGain(math.MaxUint64, 0)},
		{Name: "b", Memory: NewGain(math.MaxUint64, 0)},
	}
	totals := Aggregate(candidates, nil)
	assert.Equal(t, uint64(math.MaxUint64), totals.MemoryGain)
}

func TestCandidateDiskRatio(t *testing.T) {
	assert.InDelta(t, 0.55, CandidateDiskRatio(Candidate{Disk: NewGain(100*milli, 45*milli)}), 1e-12)
	assert.InDelta(t, 0.25, CandidateDiskRatio(Candidate{Disk: NewGain(400*milli, 300*milli)}), 1e-12)
	assert.InDelta(t, 55.0/float64(DiskFloor), CandidateDiskRatio(Candidate{Disk: NewGain(100, 45)}), 1e-18)
	assert.Zero(t, CandidateDiskRatio(Candidate{}))
}

func TestLogBlockBytes(t *testing.T) {
	stats := LogStatsTable{
		"g":          {Bytes: 1000, FirstSerial: 100, LastSerial: 200},
		"degenerate": {Bytes: 700, FirstSerial: 50, LastSerial: 50},
		"empty":      {Bytes: 0, FirstSerial: 1, LastSerial: 9},
	}

	tests := []struct {
		name   string
		group  string
		target uint64
		want   uint64
	}{
		{"behind first serial", "g", 10, 1000},
		{"at first serial", "g", 100, 1000},
		{"half way", "g", 150, 500},
		{"at last serial", "g", 200, 0},
		{"past last serial", "g", 10_000, 0},
		{"degenerate span", "degenerate", 50, 700},
		{"degenerate span target ahead", "degenerate", 60, 700},
		{"no bytes", "empty", 5, 0},
		{"missing group", "nope", 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Candidate{Group: tt.group, TargetSerial: tt.target}
			assert.Equal(t, tt.want, LogBlockBytes(c, stats))
		})
	}
}

func TestLogBlockBytes_AcrossUint32Boundary(t *testing.T) {
	stats := LogStatsTable{"g": {Bytes: 1 << 40, FirstSerial: 10, LastSerial: uint32Max + 10}}

	nearLast := LogBlockBytes(Candidate{Group: "g", TargetSerial: uint32Max + 5}, stats)
	nearFirst := LogBlockBytes(Candidate{Group: "g", TargetSerial: 20}, stats)
	middle := LogBlockBytes(Candidate{Group: "g", TargetSerial: uint32Max / 2}, stats)

	assert.Less(t, nearLast, middle)
	assert.Less(t, middle, nearFirst)
}

func TestLogBlockBytes_HugeValues(t *testing.T) {
	stats := LogStatsTable{"g": {Bytes: math.MaxUint64, FirstSerial: 0, LastSerial: math.MaxUint64}}

	assert.Equal(t, uint64(math.MaxUint64), LogBlockBytes(Candidate{Group: "g"}, stats))
	assert.Equal(t, uint64(math.MaxUint64), LogBlockBytes(Candidate{Group: "g", TargetSerial: 1}, stats))
	assert.Zero(t, LogBlockBytes(Candidate{Group: "g", TargetSerial: math.MaxUint64}, stats))
}

func TestAge(t *testing.T) {
	start := refNow.Add(-time.Hour)

	assert.Equal(t, time.Hour, Age(Candidate{}, refNow, start))
	assert.Equal(t, 5*time.Minute, Age(Candidate{LastFlushTime: refNow.Add(-5 * time.Minute)}, refNow, start))
	assert.Zero(t, Age(Candidate{LastFlushTime: refNow.Add(time.Minute)}, refNow, start))
	assert.Zero(t, Age(Candidate{}, refNow, refNow.Add(time.Second)))
}

func TestLogStatsTable_Validate(t *testing.T) {
	assert.NoError(t, LogStatsTable(nil).Validate())
	assert.NoError(t, LogStatsTable{"a": {FirstSerial: 3, LastSerial: 3}}.Validate())

	err := LogStatsTable{
		"b": {FirstSerial: 9, LastSerial: 1},
		"a": {FirstSerial: 5, LastSerial: 4},
	}.Validate()
	assert.ErrorContains(t, err, "'a'")
}
