package flush

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClass(t *testing.T) {
	for c := ClassUrgent; c < numClasses; c++ {
		parsed, err := ParseClass(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	parsed, err := ParseClass(" TLS_SIZE ")
	require.NoError(t, err)
	assert.Equal(t, ClassLogRetention, parsed)

	_, err = ParseClass("bogus")
	assert.Error(t, err)
}

func TestTriggers_Highest(t *testing.T) {
	var tr Triggers
	assert.Equal(t, ClassNone, tr.Highest(DefaultPriority))
	assert.False(t, tr.Any())

	tr.set(ClassAge)
	tr.set(ClassLogRetention)
	tr.set(ClassDiskBloat)
	assert.Equal(t, ClassDiskBloat, tr.Highest(DefaultPriority))
	assert.Equal(t, ClassLogRetention, tr.Highest([]Class{ClassMemory, ClassLogRetention, ClassDiskBloat, ClassAge}))
	assert.Equal(t, []Class{ClassDiskBloat, ClassLogRetention, ClassAge}, tr.Classes())

	tr.set(ClassUrgent)
	assert.Equal(t, ClassUrgent, tr.Highest([]Class{ClassAge}))
	assert.False(t, tr.Open(ClassNone))
}

func TestClassify(t *testing.T) {
	cfg := quietConfig()
	start := refNow.Add(-30 * time.Minute)

	tests := []struct {
		name       string
		mutate     func(*Config)
		candidates []Candidate
		stats      LogStatsTable
		want       []Class
	}{
		{
			name:       "nothing open",
			candidates: []Candidate{memTarget("a", 10, 0)},
		},
		{
			name:       "urgent",
			candidates: []Candidate{urgentTarget("a", true)},
			want:       []Class{ClassUrgent},
		},
		{
			name:       "candidate memory",
			mutate:     func(c *Config) { c.MaxCandidateMemoryGain = 10 },
			candidates: []Candidate{memTarget("a", 10, 0)},
			want:       []Class{ClassMemory},
		},
		{
			name:       "global memory",
			mutate:     func(c *Config) { c.MaxGlobalMemoryGain = 15 },
			candidates: []Candidate{memTarget("a", 10, 0), memTarget("b", 5, 0)},
			want:       []Class{ClassMemory},
		},
		{
			name:       "candidate disk bloat",
			mutate:     func(c *Config) { c.CandidateDiskBloatFactor = 0.5 },
			candidates: []Candidate{diskTarget("a", 200*milli, 100*milli)},
			want:       []Class{ClassDiskBloat},
		},
		{
			name:       "global disk bloat",
			mutate:     func(c *Config) { c.GlobalDiskBloatFactor = 0.25 },
			candidates: []Candidate{diskTarget("a", 200*milli, 100*milli), diskTarget("b", 200*milli, 200*milli)},
			want:       []Class{ClassDiskBloat},
		},
		{
			name:       "log retention",
			mutate:     func(c *Config) { c.MaxGlobalLogBytes = 100 },
			candidates: []Candidate{serialTarget("a", "g", 1, refNow)},
			stats:      LogStatsTable{"g": {Bytes: 100, FirstSerial: 1, LastSerial: 5}},
			want:       []Class{ClassLogRetention},
		},
		{
			name:       "never flushed ages from start",
			mutate:     func(c *Config) { c.MaxCandidateAge = 30 * time.Minute },
			candidates: []Candidate{serialTarget("a", "g", 0, time.Time{})},
			want:       []Class{ClassAge},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			totals := Aggregate(tt.candidates, tt.stats)
			got := Classify(tt.candidates, totals, c, refNow, start)
			assert.Equal(t, tt.want, got.Classes())
		})
	}
}

func TestRank_FreeRidersSortLast(t *testing.T) {
	stats := LogStatsTable{"g": {Bytes: 100, FirstSerial: 0, LastSerial: 100}}
	candidates := []Candidate{
		{Name: "rider", Group: "other"},
		{Name: "half", Group: "g", TargetSerial: 50},
		{Name: "none", Group: "g", TargetSerial: 0},
	}

	ranked := Rank(candidates, ClassLogRetention, stats, refNow, refNow)
	assert.Equal(t, []string{"none", "half", "rider"}, names(ranked))
}
