// Package chunk defines the append-only chunk log: the durable system of
// record for the event store (spec §4.2). A chunk log is a logical,
// gap-free, byte-addressable sequence of framed records spanning one or
// more fixed-maximum-size chunk files. Positions are logical offsets into
// that concatenation; a Log implementation owns translating a position
// into (chunk file, offset within file).
//
// Only the write path needs a single global writer (spec §5: "single
// global writer serialized by an ingestion mutex"); reads may run
// concurrently against sealed chunks and against the active chunk up to
// its last committed position.
package chunk

import "errors"

var (
	// ErrCorruption is returned when a frame fails its length or CRC
	// check. Corruption inside a sealed chunk is fatal (spec §4.2); a
	// torn write at the tail of the active chunk is instead recovered by
	// truncation during Log construction, never surfaced as this error.
	ErrCorruption = errors.New("chunk: corruption")

	// ErrClosed is returned by Append, Read and Flush after Close.
	ErrClosed = errors.New("chunk: log is closed")

	// ErrNotFound is returned when a position lies outside the written
	// log (e.g. at or past the end of the last written frame).
	ErrNotFound = errors.New("chunk: position not found")
)

// Log is the public contract of the chunk log (spec §4.2).
type Log interface {
	// Append writes one framed record and returns the position of its
	// frame: the logical offset of the frame's 4-byte length prefix, so
	// the payload itself begins 4 bytes later. The caller must not observe the attempted
	// position if Append returns an error (spec §4.2 failure semantics).
	Append(payload []byte) (position uint64, err error)

	// Read returns the payload of the record framed at position.
	// Returns ErrNotFound if position lies outside the written log, and
	// ErrCorruption if the length prefix or CRC does not match. A
	// position inside the log that is not a frame boundary usually fails
	// the CRC check and so yields ErrCorruption.
	Read(position uint64) (payload []byte, err error)

	// Flush fsyncs the active chunk. Must be called before acknowledging
	// any commit and before advancing the LSM index (spec §4.2, §4.7).
	Flush() error

	// Checkpoint returns the highest durably committed position: the end
	// of the most recent Append whose Flush has returned.
	Checkpoint() uint64

	// Close releases file handles. After Close the Log must not be used.
	Close() error
}
