package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Record frames are [length u32][payload][crc32 u32], little endian.
const (
	frameHeaderSize  = 4
	frameTrailerSize = 4

	// MaxFramePayload bounds a single record
	MaxFramePayload = 64 << 20
)

// ErrCorruptFrame is returned for truncated frames and checksum mismatches
var ErrCorruptFrame = errors.New("corrupt frame")

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FrameSize returns the encoded size of a payload of n bytes
func FrameSize(n int) int {
	return frameHeaderSize + n + frameTrailerSize
}

// EncodeFrame wraps payload with its length and checksum
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, FrameSize(len(payload)))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[frameHeaderSize+len(payload):], ComputeChecksum(payload))
	return buf
}

// ReadFrame reads one frame from r. It returns io.EOF when r ends cleanly
// on a frame boundary and ErrCorruptFrame for anything else that is not a
// complete, valid frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrCorruptFrame
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n > MaxFramePayload {
		return nil, ErrCorruptFrame
	}

	body := make([]byte, int(n)+frameTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrCorruptFrame
	}

	payload := body[:n]
	if !ValidateChecksum(payload, binary.LittleEndian.Uint32(body[n:])) {
		return nil, ErrCorruptFrame
	}
	return payload, nil
}
