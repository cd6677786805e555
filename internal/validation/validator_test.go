package validation

import (
	"strings"
	"testing"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateWrite(t *testing.T) {
	v := NewValidatorWithLimits(8, 4)

	tests := []struct {
		name    string
		key     string
		value   []byte
		wantErr bool
	}{
		{"valid", "user:1", []byte("abc"), false},
		{"tombstone", "user:1", nil, false},
		{"tab in key", "a\tb", nil, false},
		{"empty key", "", nil, true},
		{"key too large", strings.Repeat("k", 9), nil, true},
		{"null byte", "a\x00b", nil, true},
		{"control character", "a\x07b", nil, true},
		{"value too large", "k", []byte("12345"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateWrite(tt.key, tt.value)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
		})
	}
}

func TestValidateStoreName(t *testing.T) {
	for _, name := range []string{"music", "books-2024", "a.b"} {
		assert.NoError(t, ValidateStoreName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a\nb", strings.Repeat("s", MaxStoreNameSize+1)} {
		assert.Error(t, ValidateStoreName(name), name)
	}
}

func TestEstimateSnapshotBytes(t *testing.T) {
	assert.Equal(t, uint64(0), EstimateSnapshotBytes(0))
	assert.Equal(t, uint64(120), EstimateSnapshotBytes(100))
}
