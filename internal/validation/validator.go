package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/flushengine/internal/errors"
)

const (
	// Size limits
	MaxKeySize       = 1024             // 1 KB
	MaxValueSize     = 10 * 1024 * 1024 // 10 MB
	MaxStoreNameSize = 128
)

// Validator validates document store writes
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateWrite validates a put or delete
func (v *Validator) ValidateWrite(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidArgument(fmt.Sprintf("key size %d exceeds maximum of %d bytes", len(key), v.maxKeySize), nil)
	}

	// tab and newline are allowed
	for _, r := range key {
		if r == 0 || (unicode.IsControl(r) && r != '\t' && r != '\n') {
			return errors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateValue validates a value. Nil is valid for tombstones.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(fmt.Sprintf("value size %d exceeds maximum of %d bytes", len(value), v.maxValueSize), nil)
	}
	return nil
}

// ValidateStoreName validates a store name. Store names double as commit log
// domains and directory names.
func ValidateStoreName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.InvalidArgument(fmt.Sprintf("invalid store name %q", name), nil)
	}
	if len(name) > MaxStoreNameSize {
		return errors.InvalidArgument(fmt.Sprintf("store name exceeds maximum size of %d bytes", MaxStoreNameSize), nil)
	}
	if strings.ContainsAny(name, `/\`) {
		return errors.InvalidArgument(fmt.Sprintf("store name %q cannot contain path separators", name), nil)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("store name cannot contain control characters", nil)
		}
	}
	return nil
}

// EstimateSnapshotBytes estimates the disk space a snapshot of the given
// memtable footprint needs before compression
func EstimateSnapshotBytes(memBytes int64) uint64 {
	if memBytes <= 0 {
		return 0
	}
	// 20% margin for frame headers and encoder buffers
	total := uint64(memBytes)
	return total + total/5
}
