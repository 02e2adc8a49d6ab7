package lsm

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"chronolog/internal/chunk"
	"chronolog/internal/format"
)

const (
	sstableVersion = 1

	// entryEncodedSize is the on-disk width of one (streamHash, revision,
	// position) tuple in the data block, before compression.
	entryEncodedSize = 24

	// sparseIndexInterval controls how densely the sparse index samples
	// the data block (spec §4.4). Kept for format completeness; the
	// in-memory reader below decompresses the whole data block on open
	// and binary-searches it directly rather than walking this index
	// (see DESIGN.md — SSTables are loaded wholesale into memory), so
	// a coarse interval only affects on-disk size, not lookup cost.
	sparseIndexInterval = 16

	// sstableFooterSize is the fixed trailer: a format.Header plus 12
	// little-endian uint64 fields (data/index/bloom offset+length pairs,
	// entry count, data CRC, min/max key bounds as two uint64s each) —
	// see footer encoding below for the exact field order.
	sstableFooterSize = format.HeaderSize + 12*8
)

// WriteSSTable serializes entries (must already be sorted ascending by
// Key) to a new SSTable file at path: a zstd-compressed data block,
// a sparse index, a Bloom filter over stream hashes, and a fixed
// footer (spec §4.4).
func WriteSSTable(path string, entries []Entry) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	hdr := format.Header{Type: format.TypeSSTable, Version: sstableVersion}
	hdrBuf := hdr.Encode()
	if _, err := f.Write(hdrBuf[:]); err != nil {
		return err
	}

	raw := make([]byte, 0, len(entries)*entryEncodedSize)
	idx := make([]indexEntry, 0, len(entries)/sparseIndexInterval+1)
	bloom := newBloomFilter(len(entries))
	for i, e := range entries {
		if i%sparseIndexInterval == 0 {
			idx = append(idx, indexEntry{key: e.Key, entryIndex: uint32(i)}) //nolint:gosec // G115: sstable entry counts fit uint32 well under real data sizes
		}
		raw = appendEntry(raw, e)
		bloom.add(e.Key.StreamHash)
	}
	dataCRC := crc32.ChecksumIEEE(raw)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	dataOffset := uint64(format.HeaderSize)
	if _, err := f.Write(compressed); err != nil {
		return err
	}

	indexBuf := encodeIndex(idx)
	indexOffset := dataOffset + uint64(len(compressed))
	if _, err := f.Write(indexBuf); err != nil {
		return err
	}

	bloomBuf := bloom.encode()
	bloomOffset := indexOffset + uint64(len(indexBuf))
	if _, err := f.Write(bloomBuf); err != nil {
		return err
	}

	var minKey, maxKey Key
	if len(entries) > 0 {
		minKey = entries[0].Key
		maxKey = entries[len(entries)-1].Key
	}

	footer := sstableFooter{
		dataOffset:  dataOffset,
		dataLen:     uint64(len(compressed)),
		indexOffset: indexOffset,
		indexLen:    uint64(len(indexBuf)),
		bloomOffset: bloomOffset,
		bloomLen:    uint64(len(bloomBuf)),
		entryCount:  uint64(len(entries)),
		dataCRC:     dataCRC,
		minKey:      minKey,
		maxKey:      maxKey,
	}
	if _, err := f.Write(footer.encode()); err != nil {
		return err
	}

	return f.Sync()
}

type indexEntry struct {
	key        Key
	entryIndex uint32
}

func encodeIndex(entries []indexEntry) []byte {
	buf := make([]byte, 4+len(entries)*20)
	putLeUint32(buf[0:4], uint32(len(entries))) //nolint:gosec // G115: bounded by sstable entry counts
	for i, e := range entries {
		off := 4 + i*20
		putLeUint64(buf[off:off+8], e.key.StreamHash)
		putLeUint64(buf[off+8:off+16], e.key.Revision)
		putLeUint32(buf[off+16:off+20], e.entryIndex)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4 {
		return nil, errShortIndex
	}
	n := leUint32(buf[0:4])
	body := buf[4:]
	if uint64(len(body)) < uint64(n)*20 {
		return nil, errShortIndex
	}
	out := make([]indexEntry, n)
	for i := range out {
		off := i * 20
		out[i] = indexEntry{
			key: Key{
				StreamHash: leUint64(body[off : off+8]),
				Revision:   leUint64(body[off+8 : off+16]),
			},
			entryIndex: leUint32(body[off+16 : off+20]),
		}
	}
	return out, nil
}

func appendEntry(buf []byte, e Entry) []byte {
	var tmp [entryEncodedSize]byte
	putLeUint64(tmp[0:8], e.Key.StreamHash)
	putLeUint64(tmp[8:16], e.Key.Revision)
	putLeUint64(tmp[16:24], e.Position)
	return append(buf, tmp[:]...)
}

func decodeEntries(raw []byte) ([]Entry, error) {
	if len(raw)%entryEncodedSize != 0 {
		return nil, fmt.Errorf("lsm: data block length %d is not a multiple of %d", len(raw), entryEncodedSize)
	}
	n := len(raw) / entryEncodedSize
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		off := i * entryEncodedSize
		out[i] = Entry{
			Key: Key{
				StreamHash: leUint64(raw[off : off+8]),
				Revision:   leUint64(raw[off+8 : off+16]),
			},
			Position: leUint64(raw[off+16 : off+24]),
		}
	}
	return out, nil
}

type sstableFooter struct {
	dataOffset, dataLen   uint64
	indexOffset, indexLen uint64
	bloomOffset, bloomLen uint64
	entryCount            uint64
	dataCRC               uint32
	minKey, maxKey        Key
}

func (ft sstableFooter) encode() []byte {
	buf := make([]byte, sstableFooterSize)
	h := format.Header{Type: format.TypeSSTable, Version: sstableVersion}
	h.EncodeInto(buf)
	off := format.HeaderSize
	fields := []uint64{
		ft.dataOffset, ft.dataLen,
		ft.indexOffset, ft.indexLen,
		ft.bloomOffset, ft.bloomLen,
		ft.entryCount,
		uint64(ft.dataCRC),
		ft.minKey.StreamHash, ft.minKey.Revision,
		ft.maxKey.StreamHash, ft.maxKey.Revision,
	}
	for _, v := range fields {
		putLeUint64(buf[off:off+8], v)
		off += 8
	}
	return buf
}

func decodeFooter(buf []byte) (sstableFooter, error) {
	if len(buf) < sstableFooterSize {
		return sstableFooter{}, errBadFooter
	}
	if _, err := format.DecodeAndValidate(buf[:format.HeaderSize], format.TypeSSTable, sstableVersion); err != nil {
		return sstableFooter{}, fmt.Errorf("%w: %v", errBadFooter, err)
	}
	off := format.HeaderSize
	read := func() uint64 {
		v := leUint64(buf[off : off+8])
		off += 8
		return v
	}
	ft := sstableFooter{
		dataOffset: read(), dataLen: read(),
		indexOffset: read(), indexLen: read(),
		bloomOffset: read(), bloomLen: read(),
		entryCount: read(),
	}
	ft.dataCRC = uint32(read()) //nolint:gosec // G115: CRC32 stored widened to uint64 on encode
	ft.minKey.StreamHash = read()
	ft.minKey.Revision = read()
	ft.maxKey.StreamHash = read()
	ft.maxKey.Revision = read()
	return ft, nil
}

// SSTable is an immutable, fully-loaded on-disk index segment.
type SSTable struct {
	path    string
	entries []Entry
	bloom   *bloomFilter
	footer  sstableFooter
}

// OpenSSTable reads and decompresses path's data block wholesale into
// memory, validating its footer and CRC.
func OpenSSTable(path string) (*SSTable, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(sstableFooterSize) {
		return nil, errBadFooter
	}

	footerBuf := make([]byte, sstableFooterSize)
	if _, err := f.ReadAt(footerBuf, info.Size()-int64(sstableFooterSize)); err != nil {
		return nil, err
	}
	footer, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	compressed := make([]byte, footer.dataLen)
	if _, err := f.ReadAt(compressed, int64(footer.dataOffset)); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chunk.ErrCorruption, err)
	}
	if crc32.ChecksumIEEE(raw) != footer.dataCRC {
		return nil, fmt.Errorf("%w: data block CRC mismatch", chunk.ErrCorruption)
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}

	indexBuf := make([]byte, footer.indexLen)
	if _, err := f.ReadAt(indexBuf, int64(footer.indexOffset)); err != nil {
		return nil, err
	}
	if _, err := decodeIndex(indexBuf); err != nil {
		return nil, err
	}

	bloomBuf := make([]byte, footer.bloomLen)
	if _, err := f.ReadAt(bloomBuf, int64(footer.bloomOffset)); err != nil {
		return nil, err
	}
	bloom, err := decodeBloomFilter(bloomBuf)
	if err != nil {
		return nil, err
	}

	return &SSTable{path: path, entries: entries, bloom: bloom, footer: footer}, nil
}

// Path returns the file path this table was opened from.
func (s *SSTable) Path() string { return s.path }

// EntryCount returns the number of entries in the table.
func (s *SSTable) EntryCount() int { return len(s.entries) }

// MinMax returns the smallest and largest keys in the table.
func (s *SSTable) MinMax() (Key, Key) { return s.footer.minKey, s.footer.maxKey }

// Get returns the position for key, if present. The Bloom filter is
// consulted first so an absent stream never pays for a binary search.
func (s *SSTable) Get(key Key) (uint64, bool) {
	if !s.bloom.mayContain(key.StreamHash) {
		return 0, false
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].Key.Less(key)
	})
	if i < len(s.entries) && s.entries[i].Key == key {
		return s.entries[i].Position, true
	}
	return 0, false
}

// Range invokes fn for every entry with from <= Key < to, ascending.
func (s *SSTable) Range(from, to Key, fn func(Entry) bool) {
	start := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].Key.Less(from)
	})
	for i := start; i < len(s.entries); i++ {
		if !s.entries[i].Key.Less(to) {
			break
		}
		if !fn(s.entries[i]) {
			return
		}
	}
}

// All invokes fn for every entry in ascending key order.
func (s *SSTable) All(fn func(Entry) bool) {
	for _, e := range s.entries {
		if !fn(e) {
			return
		}
	}
}
