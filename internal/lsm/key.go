// Package lsm implements the log-structured merge index over the chunk
// log: an in-memory memtable backed by immutable on-disk SSTables,
// organized into size-tiered levels and periodically compacted.
package lsm

// Key identifies one index entry: a stream's hash and the revision
// within that stream. Entries are ordered by StreamHash then Revision
// (spec §4.3), so the full key space sorts streams together and each
// stream's revisions in ascending order within that group.
type Key struct {
	StreamHash uint64
	Revision   uint64
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	if k.StreamHash != other.StreamHash {
		return k.StreamHash < other.StreamHash
	}
	return k.Revision < other.Revision
}

// Entry is one index record: a key mapped to the chunk-log position of
// the record it describes.
type Entry struct {
	Key      Key
	Position uint64
}

// entryLess orders Entry values by Key only; Position never
// participates in ordering, matching the fixed (hash, revision,
// position) tuple layout of an SSTable data block (spec §4.4).
func entryLess(a, b Entry) bool {
	return a.Key.Less(b.Key)
}
