package lsm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chronolog/internal/callgroup"
	"chronolog/internal/logging"
	"chronolog/internal/record"
	"chronolog/internal/streamhash"
)

const (
	defaultL0CompactionThreshold = 4
	defaultLevelSizeMultiplier   = 10
	sstableFileSuffix            = ".sst"

	// compactionRateLimit throttles how often a level merge may start,
	// the same "don't let a background maintenance task starve the
	// write path" concern the teacher addresses with a rate.Limiter in
	// server/ratelimit.go, applied here to compaction instead of request
	// admission.
	compactionRateLimit = 2 // merges per second
	compactionBurst      = 2
)

// chunkScanner is the subset of chunk/file.Manager the engine needs to
// rebuild its index: replay every record, in order, from the start of
// the log (spec §9 recovery path).
type chunkScanner interface {
	Scan(fn func(position uint64, payload []byte) error) error
}

// Config configures an Engine.
type Config struct {
	Dir                   string
	MemtableCapacity      int
	L0CompactionThreshold int
	LevelSizeMultiplier   int
	Logger                *slog.Logger
}

// Engine is the LSM index over the chunk log: a writable memtable,
// immutable frozen memtables pending flush, and leveled SSTables on
// disk, merged newest-to-oldest for point lookups and range scans
// (spec §4.3–§4.5).
type Engine struct {
	mu sync.RWMutex

	dir      string
	cfg      Config
	logger   *slog.Logger
	manifest *Manifest

	active *Memtable
	frozen []*Memtable
	levels [][]*SSTable

	nextFileSeq uint64
	watermark   uint64

	compactGroup  callgroup.Group[int]
	limiter       *rate.Limiter
	compactionsWG sync.WaitGroup
}

// Open builds an Engine rooted at cfg.Dir. If a manifest is present its
// SSTables are reopened; the chunk log is always replayed forward from
// the manifest's watermark (or from the beginning, if there is no
// manifest) to rebuild the in-memory memtable, since memtable contents
// never survive a restart on their own (spec §9: "the manifest is an
// optimization, never authoritative").
func Open(cfg Config, log chunkScanner) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("lsm: dir is required")
	}
	cfg.MemtableCapacity = cmp.Or(cfg.MemtableCapacity, DefaultMemtableCapacity)
	cfg.L0CompactionThreshold = cmp.Or(cfg.L0CompactionThreshold, defaultL0CompactionThreshold)
	cfg.LevelSizeMultiplier = cmp.Or(cfg.LevelSizeMultiplier, defaultLevelSizeMultiplier)

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}

	logger := logging.Default(cfg.Logger).With("component", "lsm-engine")
	e := &Engine{
		dir:      cfg.Dir,
		cfg:      cfg,
		logger:   logger,
		manifest: NewManifest(cfg.Dir),
		active:   NewMemtable(cfg.MemtableCapacity),
		limiter:  rate.NewLimiter(rate.Limit(compactionRateLimit), compactionBurst),
	}

	if err := e.loadManifestOrFallback(); err != nil {
		return nil, err
	}
	e.nextFileSeq = e.scanMaxFileSeq() + 1

	if err := e.replayFrom(log, e.watermark); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) loadManifestOrFallback() error {
	refs, watermark, err := e.manifest.loadWithWatermark()
	if err != nil {
		e.logger.Warn("manifest unreadable, rebuilding from chunk log", "error", err)
		return nil
	}
	if refs == nil {
		return nil
	}

	levels := make(map[int][]*SSTable)
	for _, ref := range refs {
		sst, err := OpenSSTable(filepath.Join(e.dir, ref.File))
		if err != nil {
			e.logger.Warn("manifest referenced an unreadable sstable, rebuilding from chunk log", "file", ref.File, "error", err)
			return nil
		}
		levels[ref.Level] = append(levels[ref.Level], sst)
	}

	maxLevel := -1
	for lvl := range levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	e.levels = make([][]*SSTable, maxLevel+1)
	for lvl, tables := range levels {
		e.levels[lvl] = tables
	}
	e.watermark = watermark
	return nil
}

func (e *Engine) scanMaxFileSeq() uint64 {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0
	}
	var maxSeq uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, sstableFileSuffix) {
			continue
		}
		digits := strings.TrimSuffix(name, sstableFileSuffix)
		if n, err := strconv.ParseUint(digits, 10, 64); err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	return maxSeq
}

// replayFrom scans every record in log and indexes those at or past
// from into the active memtable. A nil log (used by tests that drive
// the memtable/SSTable layers directly) is a no-op.
func (e *Engine) replayFrom(log chunkScanner, from uint64) error {
	if log == nil {
		return nil
	}
	var replayed int
	err := log.Scan(func(position uint64, payload []byte) error {
		if position < from {
			return nil
		}
		key, ok, err := decodeIndexKey(payload)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		e.indexLocked(key, position)
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("lsm: replay chunk log: %w", err)
	}
	e.logger.Info("rebuilt lsm index from chunk log", "records_replayed", replayed, "from_position", from)
	return nil
}

// decodeIndexKey extracts the (stream-hash, revision) key carried by one
// chunk-log record payload. Both Event and StreamDeleted records carry
// a revision and are indexed, so a stream's tombstone position is
// discoverable the same way any other revision is.
func decodeIndexKey(payload []byte) (Key, bool, error) {
	variant, body, err := record.DecodeEnvelope(payload)
	if err != nil {
		return Key{}, false, fmt.Errorf("lsm: decode envelope: %w", err)
	}
	switch variant {
	case record.VariantEvent:
		ev, err := record.DecodeEvent(body)
		if err != nil {
			return Key{}, false, fmt.Errorf("lsm: decode event: %w", err)
		}
		return Key{StreamHash: streamhash.Hash(ev.StreamName), Revision: ev.Revision}, true, nil
	case record.VariantStreamDeleted:
		del, err := record.DecodeStreamDeleted(body)
		if err != nil {
			return Key{}, false, fmt.Errorf("lsm: decode stream-deleted: %w", err)
		}
		return Key{StreamHash: streamhash.Hash(del.StreamName), Revision: del.Revision}, true, nil
	default:
		return Key{}, false, nil
	}
}

// indexLocked applies one key/position pair to the active memtable,
// freezing and flushing it if this Put fills it. Callers holding no
// lock (e.g. replayFrom during Open) rely on Open never running
// concurrently with itself.
func (e *Engine) indexLocked(key Key, position uint64) {
	full := e.active.Put(key, position)
	if full {
		e.rotateMemtableLocked()
	}
}

// Put indexes one (stream-hash, revision) -> position mapping. Safe for
// concurrent use; the caller must still serialize writes to the same
// stream at a higher level (spec §4.7's per-stream write lock).
func (e *Engine) Put(key Key, position uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexLocked(key, position)
}

// rotateMemtableLocked freezes the active memtable, installs a fresh
// one, and flushes the frozen one to a new L0 SSTable. Must be called
// with e.mu held.
func (e *Engine) rotateMemtableLocked() {
	frozen := e.active
	frozen.Freeze()
	e.active = NewMemtable(e.cfg.MemtableCapacity)

	entries := frozen.Sorted()
	if len(entries) == 0 {
		return
	}

	if err := e.flushLocked(entries); err != nil {
		e.logger.Error("failed to flush memtable to sstable", "error", err)
		// The entries are not lost: they stay indexed in e.active's
		// predecessor only in memory, so keep the frozen table around
		// as an unflushed source for Get/Range. Nothing flushes a
		// frozen table again later; its entries stay in memory only.
		e.frozen = append(e.frozen, frozen)
		return
	}
}

// flushLocked writes entries to a new level-0 SSTable file, updates the
// in-memory level set and the on-disk manifest, and triggers a
// compaction check for level 0. Must be called with e.mu held.
func (e *Engine) flushLocked(entries []Entry) error {
	seq := e.nextFileSeq
	e.nextFileSeq++
	name := fmt.Sprintf("%06d%s", seq, sstableFileSuffix)
	path := filepath.Join(e.dir, name)

	if err := WriteSSTable(path, entries); err != nil {
		return err
	}
	sst, err := OpenSSTable(path)
	if err != nil {
		return err
	}

	if len(e.levels) == 0 {
		e.levels = make([][]*SSTable, 1)
	}
	e.levels[0] = append(e.levels[0], sst)

	var maxPos uint64
	for _, ent := range entries {
		if ent.Position > maxPos {
			maxPos = ent.Position
		}
	}
	if maxPos > e.watermark {
		e.watermark = maxPos
	}

	if err := e.saveManifestLocked(); err != nil {
		return err
	}

	e.logger.Info("flushed memtable", "file", name, "entries", len(entries))
	e.triggerCompaction(0)
	return nil
}

func (e *Engine) saveManifestLocked() error {
	var refs []tableRef
	for level, tables := range e.levels {
		for _, sst := range tables {
			refs = append(refs, tableRef{Level: level, File: filepath.Base(sst.Path())})
		}
	}
	return e.manifest.saveWithWatermark(refs, e.watermark)
}

// triggerCompaction asynchronously checks whether level needs
// compacting, deduplicating concurrent triggers for the same level via
// callGroup so a burst of flushes doesn't start redundant merges
// (mirrors the teacher's index.BuildHelper pattern of deduping
// concurrent work by key, applied here to compaction level instead of
// chunk ID).
func (e *Engine) triggerCompaction(level int) {
	ch := e.compactGroup.DoChan(level, func() error {
		return e.maybeCompact(level)
	})
	e.compactionsWG.Add(1)
	go func() {
		defer e.compactionsWG.Done()
		if err := <-ch; err != nil {
			e.logger.Error("compaction failed", "level", level, "error", err)
		}
	}()
}

func (e *Engine) levelThreshold(level int) int {
	if level == 0 {
		return e.cfg.L0CompactionThreshold
	}
	threshold := e.cfg.L0CompactionThreshold
	for i := 0; i < level; i++ {
		threshold *= e.cfg.LevelSizeMultiplier
	}
	return threshold
}

// maybeCompact merges level's tables into level+1 if level has reached
// its size threshold, then recursively checks level+1. Throttled by
// e.limiter so compaction work competes gracefully with ongoing writes
// rather than saturating disk IO in a burst.
func (e *Engine) maybeCompact(level int) error {
	e.mu.Lock()
	if level >= len(e.levels) || len(e.levels[level]) < e.levelThreshold(level) {
		e.mu.Unlock()
		return nil
	}
	sources := append([]*SSTable(nil), e.levels[level]...)
	var targets []*SSTable
	if level+1 < len(e.levels) {
		targets = append([]*SSTable(nil), e.levels[level+1]...)
	}
	e.mu.Unlock()

	if err := e.limiter.Wait(context.Background()); err != nil {
		return err
	}

	// sources is the level being compacted (newer data); targets is
	// level+1 (older, already-compacted data). mergeTables lets the
	// table later in its input win a duplicate key, so sources must
	// come last. Built into a fresh slice rather than appending one
	// onto the other so the backing array isn't shared with removed
	// below.
	combined := make([]*SSTable, 0, len(sources)+len(targets))
	combined = append(combined, targets...)
	combined = append(combined, sources...)

	merged, err := mergeTables(combined)
	if err != nil {
		return err
	}

	seq := e.nextSeqLocked()
	name := fmt.Sprintf("%06d%s", seq, sstableFileSuffix)
	path := filepath.Join(e.dir, name)
	if err := WriteSSTable(path, merged); err != nil {
		return err
	}
	newTable, err := OpenSSTable(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// Tables flushed into level while the merge ran were not part of
	// sources; keep them.
	e.levels[level] = append([]*SSTable(nil), e.levels[level][len(sources):]...)
	for len(e.levels) <= level+1 {
		e.levels = append(e.levels, nil)
	}
	e.levels[level+1] = []*SSTable{newTable}
	removed := make([]*SSTable, 0, len(sources)+len(targets))
	removed = append(removed, sources...)
	removed = append(removed, targets...)
	err = e.saveManifestLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sst := range removed {
		if err := os.Remove(sst.Path()); err != nil {
			e.logger.Warn("failed to remove compacted sstable", "file", sst.Path(), "error", err)
		}
	}

	e.logger.Info("compacted level", "level", level, "into_level", level+1,
		"sources", len(sources), "targets", len(targets), "entries", len(merged))

	return e.maybeCompact(level + 1)
}

func (e *Engine) nextSeqLocked() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextFileSeq
	e.nextFileSeq++
	return seq
}

// mergeTables reads every table's entries concurrently (grounded on the
// teacher's errgroup-based parallel chunk-index build in
// internal/index/build.go) and merges them into one ascending,
// duplicate-free slice. When the same key appears in more than one
// table, the table later in the input order wins, matching the
// newest-overrides-oldest rule leveled compaction depends on.
func mergeTables(tables []*SSTable) ([]Entry, error) {
	groups := make([][]Entry, len(tables))
	g := new(errgroup.Group)
	for i, sst := range tables {
		i, sst := i, sst
		g.Go(func() error {
			groups[i] = sst.entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byKey := make(map[Key]Entry)
	for _, group := range groups {
		for _, e := range group {
			byKey[e.Key] = e
		}
	}
	merged := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key.Less(merged[j].Key) })
	return merged, nil
}

// Get returns the position for key, checking the active memtable, then
// frozen memtables (newest first), then each level's tables (L0 newest
// file first, L1+ in the single non-overlapping table covering the
// key's range).
func (e *Engine) Get(key Key) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pos, ok := e.active.Get(key); ok {
		return pos, true
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		if pos, ok := e.frozen[i].Get(key); ok {
			return pos, true
		}
	}
	for level := 0; level < len(e.levels); level++ {
		tables := e.levels[level]
		for i := len(tables) - 1; i >= 0; i-- {
			if pos, ok := tables[i].Get(key); ok {
				return pos, true
			}
		}
	}
	return 0, false
}

// Range invokes fn for every entry with from <= Key < to across the
// memtable and every level, in ascending key order, stopping early if fn
// returns false. Layers are consulted newest generation first and a
// duplicate key keeps the first hit, just as Get does.
func (e *Engine) Range(from, to Key, fn func(Entry) bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[Key]struct{})
	var merged []Entry
	defer func() {
		sort.Slice(merged, func(i, j int) bool { return merged[i].Key.Less(merged[j].Key) })
		for _, ent := range merged {
			if !fn(ent) {
				return
			}
		}
	}()
	visit := func(entries []Entry) bool {
		for _, ent := range entries {
			if _, dup := seen[ent.Key]; dup {
				continue
			}
			seen[ent.Key] = struct{}{}
			merged = append(merged, ent)
		}
		return true
	}

	var active []Entry
	e.active.Range(from, to, func(ent Entry) bool {
		active = append(active, ent)
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i].Key.Less(active[j].Key) })
	if !visit(active) {
		return
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		var frozenEntries []Entry
		e.frozen[i].Range(from, to, func(ent Entry) bool {
			frozenEntries = append(frozenEntries, ent)
			return true
		})
		if !visit(frozenEntries) {
			return
		}
	}
	for level := 0; level < len(e.levels); level++ {
		tables := e.levels[level]
		for i := len(tables) - 1; i >= 0; i-- {
			var tableEntries []Entry
			tables[i].Range(from, to, func(ent Entry) bool {
				tableEntries = append(tableEntries, ent)
				return true
			})
			if !visit(tableEntries) {
				return
			}
		}
	}
}

// Flush forces the active memtable to roll over and flush immediately,
// regardless of capacity. Used at shutdown so no indexed entry is left
// only in memory.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Len() == 0 {
		return nil
	}
	e.rotateMemtableLocked()
	return nil
}

// Close flushes the active memtable and waits for any in-flight
// compaction to finish before returning.
func (e *Engine) Close() error {
	err := e.Flush()
	e.compactionsWG.Wait()
	return err
}
