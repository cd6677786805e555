package util

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChecksum(t *testing.T) {
	data := []byte("hello world")
	sum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, sum))
	assert.False(t, ValidateChecksum([]byte("hello worle"), sum))
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame([]byte("first")))
	buf.Write(EncodeFrame(nil))
	buf.Write(EncodeFrame([]byte("third")))

	for _, want := range []string{"first", "", "third"} {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_Corrupt(t *testing.T) {
	frame := EncodeFrame([]byte("payload"))

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", frame[:2]},
		{"truncated body", frame[:len(frame)-1]},
		{"flipped payload bit", func() []byte {
			b := bytes.Clone(frame)
			b[5] ^= 0x01
			return b
		}()},
		{"oversized length", []byte{0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestFrameSize(t *testing.T) {
	assert.Equal(t, len(EncodeFrame([]byte("abc"))), FrameSize(3))
}
