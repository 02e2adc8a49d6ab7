package chunk

// FrameOverheadBytes is the fixed per-record framing cost: a 4-byte
// length prefix plus a 4-byte trailing CRC32 (spec §3 "Chunk file":
// "each framed with a 32-bit length prefix and a trailing 32-bit CRC32").
const FrameOverheadBytes = 8

// ActiveState is an immutable snapshot of the active chunk's state at
// append time — everything a RotationPolicy needs to decide whether to
// seal, without IO, locks, or a pointer back into the manager.
type ActiveState struct {
	Seq ID

	// StartPos is the logical position of the first record in this
	// chunk; BytesWritten is StartPos-relative.
	StartPos uint64

	// BytesWritten is the number of body bytes (frames, including their
	// overhead) written to the active chunk so far.
	BytesWritten uint64

	Records uint64
}

// Policy determines when the active chunk should be sealed before
// writing the next frame (spec §4.2: "Before writing a frame that would
// exceed S, the active chunk is sealed"). Policies are pure functions: no
// IO, no locks, no mutation, no global state.
type Policy interface {
	// ShouldRotate returns true if the chunk should be sealed before
	// appending a frame of nextPayloadLen bytes.
	ShouldRotate(state ActiveState, nextPayloadLen int) bool
}

// PolicyFunc adapts an ordinary function to Policy.
type PolicyFunc func(state ActiveState, nextPayloadLen int) bool

func (f PolicyFunc) ShouldRotate(state ActiveState, nextPayloadLen int) bool {
	return f(state, nextPayloadLen)
}

// CompositePolicy rotates if any sub-policy says to rotate.
type CompositePolicy struct {
	policies []Policy
}

func NewCompositePolicy(policies ...Policy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state ActiveState, nextPayloadLen int) bool {
	for _, p := range c.policies {
		if p.ShouldRotate(state, nextPayloadLen) {
			return true
		}
	}
	return false
}

// SizePolicy triggers rotation when appending the next frame would push
// the chunk's body past maxBytes (spec §4.2's "max size S", default
// 256 MiB).
type SizePolicy struct {
	maxBytes uint64
}

func NewSizePolicy(maxBytes uint64) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldRotate(state ActiveState, nextPayloadLen int) bool {
	if p.maxBytes == 0 {
		return false
	}
	projected := state.BytesWritten + uint64(nextPayloadLen) + FrameOverheadBytes
	return projected > p.maxBytes
}

// RecordCountPolicy triggers rotation once a chunk has accumulated
// maxRecords frames. Not required by spec.md but a natural companion to
// SizePolicy for workloads with many small events, in the same idiom as
// the size-based trigger.
type RecordCountPolicy struct {
	maxRecords uint64
}

func NewRecordCountPolicy(maxRecords uint64) *RecordCountPolicy {
	return &RecordCountPolicy{maxRecords: maxRecords}
}

func (p *RecordCountPolicy) ShouldRotate(state ActiveState, _ int) bool {
	if p.maxRecords == 0 {
		return false
	}
	return state.Records+1 > p.maxRecords
}

// NeverRotatePolicy never rotates. Useful in tests exercising multi-record
// appends inside a single chunk.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(ActiveState, int) bool { return false }

// AlwaysRotatePolicy rotates before every append. Useful for exercising
// chunk-boundary edge cases (spec §8 "Boundaries: chunk-boundary writes").
type AlwaysRotatePolicy struct{}

func (AlwaysRotatePolicy) ShouldRotate(ActiveState, int) bool { return true }
