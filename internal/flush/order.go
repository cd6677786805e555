package flush

import (
	"fmt"
	"strings"
	"time"
)

// Class is a flush trigger class. Every candidate of a triggered round is
// ranked by the metric of the round's highest open class.
type Class int

const (
	ClassNone Class = iota
	ClassUrgent
	ClassMemory
	ClassDiskBloat
	ClassLogRetention
	ClassAge

	numClasses
)

// DefaultPriority is the order of the non-urgent classes, highest first.
// Urgent always precedes them.
var DefaultPriority = []Class{ClassMemory, ClassDiskBloat, ClassLogRetention, ClassAge}

// String returns the class name as used in configuration and metric labels
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassUrgent:
		return "urgent"
	case ClassMemory:
		return "memory"
	case ClassDiskBloat:
		return "disk_bloat"
	case ClassLogRetention:
		return "log_retention"
	case ClassAge:
		return "age"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseClass parses a class name as produced by String
func ParseClass(name string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "urgent":
		return ClassUrgent, nil
	case "memory":
		return ClassMemory, nil
	case "disk_bloat", "diskbloat":
		return ClassDiskBloat, nil
	case "log_retention", "tls_size", "logretention":
		return ClassLogRetention, nil
	case "age", "max_age":
		return ClassAge, nil
	default:
		return ClassNone, fmt.Errorf("unknown flush class %q", name)
	}
}

// Triggers records which classes are open in a round.
type Triggers struct {
	open [numClasses]bool
}

// Open reports whether class c is open
func (t Triggers) Open(c Class) bool {
	if c <= ClassNone || c >= numClasses {
		return false
	}
	return t.open[c]
}

func (t *Triggers) set(c Class) {
	t.open[c] = true
}

// Any reports whether at least one class is open
func (t Triggers) Any() bool {
	for c := ClassUrgent; c < numClasses; c++ {
		if t.open[c] {
			return true
		}
	}
	return false
}

// Classes returns the open classes in declaration order
func (t Triggers) Classes() []Class {
	var classes []Class
	for c := ClassUrgent; c < numClasses; c++ {
		if t.open[c] {
			classes = append(classes, c)
		}
	}
	return classes
}

// Highest returns the first open class, urgent first and then following
// priority. It returns ClassNone when nothing is open.
func (t Triggers) Highest(priority []Class) Class {
	if t.open[ClassUrgent] {
		return ClassUrgent
	}
	for _, c := range priority {
		if t.Open(c) {
			return c
		}
	}
	return ClassNone
}

// Classify evaluates the five trigger predicates over the whole round.
func Classify(candidates []Candidate, totals Totals, cfg Config, now, start time.Time) Triggers {
	var t Triggers
	if len(candidates) == 0 {
		return t
	}

	if totals.MemoryGain >= cfg.MaxGlobalMemoryGain {
		t.set(ClassMemory)
	}
	if totals.DiskRatio >= cfg.GlobalDiskBloatFactor {
		t.set(ClassDiskBloat)
	}
	if totals.LogBytes >= cfg.MaxGlobalLogBytes {
		t.set(ClassLogRetention)
	}

	for _, c := range candidates {
		if c.Urgent {
			t.set(ClassUrgent)
		}
		if c.Memory.Gain() >= cfg.MaxCandidateMemoryGain {
			t.set(ClassMemory)
		}
		if CandidateDiskRatio(c) >= cfg.CandidateDiskBloatFactor {
			t.set(ClassDiskBloat)
		}
		if Age(c, now, start) >= cfg.MaxCandidateAge {
			t.set(ClassAge)
		}
	}
	return t
}
