// Package file implements the chunk.Log contract on top of a directory of
// chunk-<seq>.log files (spec §6 persisted layout).
package file

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Frame layout (spec §3 "Chunk file"): a 32-bit little-endian length
// prefix, the payload itself, then a 32-bit little-endian CRC32 computed
// over (length-prefix ∥ payload).
const (
	LengthFieldBytes = 4
	CRCFieldBytes    = 4
	FrameOverhead    = LengthFieldBytes + CRCFieldBytes
)

var (
	ErrFrameTooSmall = errors.New("file: frame smaller than minimum size")
	ErrFrameTooLarge = errors.New("file: frame length exceeds uint32 range")
	ErrCRCMismatch   = errors.New("file: frame CRC mismatch")
)

// EncodeFrame returns the on-disk bytes for one record: length prefix,
// payload, trailing CRC32.
func EncodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 0xFFFFFFFF-FrameOverhead {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, FrameOverhead+len(payload))
	binary.LittleEndian.PutUint32(buf[0:LengthFieldBytes], uint32(len(payload))) //nolint:gosec // G115: bounded by the check above
	copy(buf[LengthFieldBytes:], payload)

	crc := crc32.ChecksumIEEE(buf[:LengthFieldBytes+len(payload)])
	binary.LittleEndian.PutUint32(buf[LengthFieldBytes+len(payload):], crc)
	return buf, nil
}

// FrameSize returns the total on-disk size of a frame carrying a payload
// of payloadLen bytes.
func FrameSize(payloadLen int) int {
	return FrameOverhead + payloadLen
}

// DecodeFrame validates and strips framing from buf, which must be
// exactly one frame's worth of bytes (LengthFieldBytes + payload length
// encoded within it + CRCFieldBytes). Returns the payload.
func DecodeFrame(buf []byte) ([]byte, error) {
	if len(buf) < FrameOverhead {
		return nil, ErrFrameTooSmall
	}
	length := binary.LittleEndian.Uint32(buf[0:LengthFieldBytes])
	want := LengthFieldBytes + int(length) + CRCFieldBytes
	if want != len(buf) {
		return nil, ErrFrameTooSmall
	}

	payload := buf[LengthFieldBytes : LengthFieldBytes+int(length)]
	gotCRC := binary.LittleEndian.Uint32(buf[LengthFieldBytes+int(length):])
	wantCRC := crc32.ChecksumIEEE(buf[:LengthFieldBytes+int(length)])
	if gotCRC != wantCRC {
		return nil, ErrCRCMismatch
	}
	return payload, nil
}

// readFullAt reads exactly len(buf) bytes starting at offset, treating a
// short read followed by io.EOF as success only once buf is fully
// populated (mirrors io.ReadFull but for io.ReaderAt).
func readFullAt(r io.ReaderAt, buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := r.ReadAt(buf, offset)
		if n > 0 {
			buf = buf[n:]
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF && len(buf) == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}
