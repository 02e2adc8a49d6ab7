package lsm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chronolog/internal/format"
)

const (
	manifestVersion  = 1
	manifestFileName = "MANIFEST"
	manifestTempName = "MANIFEST.tmp"

	watermarkPrefix = "watermark"
)

// tableRef identifies one live SSTable file and the level it belongs
// to (spec §4.5: L0 may overlap, L1+ are non-overlapping size-tiered
// levels).
type tableRef struct {
	Level int
	File  string // file name relative to the LSM directory, not a full path
}

// Manifest records which SSTable files are currently live, at what
// level, and the highest chunk-log position those files cover (the
// watermark), so a restart can skip re-indexing already-flushed
// records. The manifest is never authoritative (spec §9): Engine.Open
// always replays the chunk log forward from the watermark to rebuild
// whatever the memtable held at the moment of the last flush, since
// memtable contents themselves are never persisted.
type Manifest struct {
	dir string
}

// NewManifest returns a handle bound to dir, the directory an Engine
// keeps its SSTable files and manifest in.
func NewManifest(dir string) *Manifest {
	return &Manifest{dir: dir}
}

// Load reads the current manifest ignoring its watermark; exposed for
// callers (tests) that only care about the live table set.
func (m *Manifest) Load() ([]tableRef, error) {
	refs, _, err := m.loadWithWatermark()
	return refs, err
}

// Save writes refs to the manifest with a zero watermark; exposed for
// callers (tests) that don't track a chunk-log position.
func (m *Manifest) Save(refs []tableRef) error {
	return m.saveWithWatermark(refs, 0)
}

// loadWithWatermark reads the current manifest, if any. A missing
// manifest file is not an error: it returns a nil slice and a zero
// watermark, signalling the caller should rebuild from the start of
// the chunk log.
func (m *Manifest) loadWithWatermark() ([]tableRef, uint64, error) {
	path := filepath.Join(m.dir, manifestFileName)
	f, err := os.Open(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var hdrBuf [format.HeaderSize]byte
	if _, err := f.Read(hdrBuf[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errBadManifest, err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf[:], format.TypeManifest, manifestVersion); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errBadManifest, err)
	}

	var refs []tableRef
	var watermark uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, 0, fmt.Errorf("%w: malformed line %q", errBadManifest, line)
		}
		if parts[0] == watermarkPrefix {
			watermark, err = strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: bad watermark in %q", errBadManifest, line)
			}
			continue
		}
		level, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad level in %q", errBadManifest, line)
		}
		refs = append(refs, tableRef{Level: level, File: parts[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return refs, watermark, nil
}

// saveWithWatermark writes refs and watermark to the manifest,
// replacing any prior version via a write-to-temp-then-rename so
// readers never observe a half-written manifest (the same atomicity
// pattern the chunk log's seal step relies on: write fully, fsync,
// then make the new state visible).
func (m *Manifest) saveWithWatermark(refs []tableRef, watermark uint64) error {
	tmpPath := filepath.Join(m.dir, manifestTempName)
	f, err := os.OpenFile(filepath.Clean(tmpPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	h := format.Header{Type: format.TypeManifest, Version: manifestVersion}
	hdr := h.Encode()
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return err
	}

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "%s\t%d\n", watermarkPrefix, watermark); err != nil {
		_ = f.Close()
		return err
	}
	for _, ref := range refs {
		if _, err := fmt.Fprintf(w, "%d\t%s\n", ref.Level, ref.File); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, filepath.Join(m.dir, manifestFileName))
}
