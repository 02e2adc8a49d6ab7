package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chronolog/internal/chunk"
)

func TestManagerAppendRead(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var positions []uint64
	for _, p := range payloads {
		pos, err := m.Append(p)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		positions = append(positions, pos)
	}

	for i, pos := range positions {
		got, err := m.Read(pos)
		if err != nil {
			t.Fatalf("Read(%d): %v", pos, err)
		}
		if string(got) != string(payloads[i]) {
			t.Fatalf("Read(%d) = %q, want %q", pos, got, payloads[i])
		}
	}
}

func TestManagerPositionsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	var last uint64
	for i := 0; i < 10; i++ {
		pos, err := m.Append([]byte("x"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if i > 0 && pos <= last {
			t.Fatalf("position did not advance: %d <= %d", pos, last)
		}
		last = pos
	}
}

func TestManagerFlushAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	if m.Checkpoint() != 0 {
		t.Fatalf("checkpoint before any flush: got %d, want 0", m.Checkpoint())
	}
	pos, err := m.Append([]byte("payload"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cp := m.Checkpoint(); cp <= pos {
		t.Fatalf("checkpoint %d should be past appended position %d", cp, pos)
	}
}

func TestManagerRotatesAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{
		Dir:            dir,
		RotationPolicy: chunk.NewRecordCountPolicy(2),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	for i := 0; i < 5; i++ {
		if _, err := m.Append([]byte("record")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	metas := m.Metas()
	if len(metas) < 3 {
		t.Fatalf("expected at least 3 chunks after 5 records with a 2-record policy, got %d", len(metas))
	}
	var total int64
	for _, meta := range metas {
		total += meta.RecordCount
	}
	if total != 5 {
		t.Fatalf("total record count across chunks = %d, want 5", total)
	}
}

func TestManagerRecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{
		Dir:            dir,
		RotationPolicy: chunk.NewRecordCountPolicy(2),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var positions []uint64
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	for _, p := range payloads {
		pos, err := m.Append(p)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		positions = append(positions, pos)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewManager(Config{
		Dir:            dir,
		RotationPolicy: chunk.NewRecordCountPolicy(2),
	})
	if err != nil {
		t.Fatalf("reopen NewManager: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	for i, pos := range positions {
		got, err := reopened.Read(pos)
		if err != nil {
			t.Fatalf("Read(%d) after reopen: %v", pos, err)
		}
		if string(got) != string(payloads[i]) {
			t.Fatalf("Read(%d) after reopen = %q, want %q", pos, got, payloads[i])
		}
	}

	next, err := reopened.Append([]byte("e"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next <= positions[len(positions)-1] {
		t.Fatalf("position after reopen did not advance past prior tail: %d <= %d", next, positions[len(positions)-1])
	}
}

func TestManagerTruncatesTornTailOnReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	pos, err := m.Append([]byte("good record"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write: append a partial frame (length prefix
	// claiming more bytes than are actually present) to the sole chunk file.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var chunkPath string
	for _, e := range entries {
		if _, ok := parseChunkSeq(e.Name()); ok {
			chunkPath = filepath.Join(dir, e.Name())
		}
	}
	if chunkPath == "" {
		t.Fatal("no chunk file found")
	}
	f, err := os.OpenFile(chunkPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open chunk for corruption: %v", err)
	}
	// Length prefix claims a 100-byte payload but only 2 bytes follow.
	if _, err := f.Write([]byte{100, 0x00, 0x00, 0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close corrupted file: %v", err)
	}

	reopened, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Read(pos)
	if err != nil {
		t.Fatalf("Read surviving record after truncation: %v", err)
	}
	if string(got) != "good record" {
		t.Fatalf("Read after truncation = %q, want %q", got, "good record")
	}

	next, err := reopened.Append([]byte("appended after recovery"))
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if next <= pos {
		t.Fatalf("position after recovery did not advance: %d <= %d", next, pos)
	}
}

func TestManagerReadUnknownPositionNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	if _, err := m.Read(1 << 30); err != chunk.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerScanReplaysAllRecords(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{
		Dir:            dir,
		RotationPolicy: chunk.NewRecordCountPolicy(2),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	payloads := [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4"), []byte("5")}
	for _, p := range payloads {
		if _, err := m.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var seen []string
	err = m.Scan(func(position uint64, payload []byte) error {
		seen = append(seen, string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != len(payloads) {
		t.Fatalf("Scan visited %d records, want %d", len(seen), len(payloads))
	}
	for i, p := range payloads {
		if seen[i] != string(p) {
			t.Fatalf("Scan[%d] = %q, want %q", i, seen[i], p)
		}
	}
}

func TestManagerRejectsSecondLockHolder(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer func() { _ = m.Close() }()

	if _, err := NewManager(Config{Dir: dir}); !errors.Is(err, ErrDirectoryLocked) {
		t.Fatalf("expected ErrDirectoryLocked, got %v", err)
	}
}
