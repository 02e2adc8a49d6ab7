// Package store implements the request processor: the append, delete,
// read, and subscribe protocols of spec §4.7, wiring the chunk log, the
// LSM index, and the stream catalog together.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronolog/internal/catalog"
	"chronolog/internal/chunk"
	"chronolog/internal/logging"
	"chronolog/internal/lsm"
	"chronolog/internal/record"
	"chronolog/internal/storeerr"
	"chronolog/internal/streamhash"
	"chronolog/internal/wire"
)

// subscriptionOutputBuffer bounds how far a Subscribe caller may lag
// behind message production before back-pressuring the sender
// goroutine (not the catalog's own per-stream fan-out buffer, which
// catalog.Subscribe manages separately).
const subscriptionOutputBuffer = 64

// streamLocks serializes the check-assign-append-advance sequence per
// stream (spec §5: "single-threaded writer per stream"), lazily
// creating one *sync.Mutex per stream name. Grounded on the teacher's
// per-IP rate limiter (internal/server/ratelimit.go's rateLimiter.getLimiter):
// a map of lazily-created per-key locks guarded by one coarse mutex.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newStreamLocks() *streamLocks {
	return &streamLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *streamLocks) get(stream string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stream] = l
	}
	return l
}

// Store is the request processor.
type Store struct {
	log     chunk.Log
	index   *lsm.Engine
	catalog *catalog.Catalog
	locks   *streamLocks
	logger  *slog.Logger
}

// New constructs a Store over an already-open chunk log, LSM engine,
// and stream catalog. Each must already have replayed its own recovery
// path (chunk.Log's torn-tail recovery, lsm.Engine's rebuild-from-log,
// catalog.Rebuild) before requests are served.
func New(log chunk.Log, index *lsm.Engine, cat *catalog.Catalog, logger *slog.Logger) *Store {
	logger = logging.Default(logger).With("component", "store")
	return &Store{
		log:     log,
		index:   index,
		catalog: cat,
		locks:   newStreamLocks(),
		logger:  logger,
	}
}

// Append runs the append protocol (spec §4.7 steps 1-9).
func (s *Store) Append(stream string, expected wire.ExpectedRevision, events []wire.ProposedEvent) (wire.AppendResult, error) {
	if len(events) == 0 {
		return wire.AppendResult{}, fmt.Errorf("store: append requires at least one event")
	}

	lock := s.locks.get(stream)
	lock.Lock()
	defer lock.Unlock()

	firstRevision, err := s.catalog.CheckExpected(stream, expected)
	if err != nil {
		return wire.AppendResult{}, err
	}

	hash := streamhash.Hash(stream)
	now := time.Now().UnixMilli()
	positions := make([]uint64, len(events))
	revision := firstRevision

	for i, ev := range events {
		id := ev.ID
		if id == ([16]byte{}) {
			id = [16]byte(uuid.New())
		}
		most, least := splitID(id)
		body := record.EncodeEvent(record.Event{
			IDMost:      most,
			IDLeast:     least,
			Revision:    revision,
			StreamName:  stream,
			Class:       ev.Class,
			ContentType: record.ContentType(ev.ContentType),
			Created:     now,
			Payload:     ev.Payload,
			Metadata:    ev.Metadata,
		})
		payload := record.EncodeEnvelope(record.VariantEvent, body)
		pos, err := s.log.Append(payload)
		if err != nil {
			return wire.AppendResult{}, fmt.Errorf("%w: append: %v", storeerr.ErrIo, err)
		}
		positions[i] = pos
		events[i].ID = id
		revision++
	}

	if err := s.log.Flush(); err != nil {
		return wire.AppendResult{}, fmt.Errorf("%w: flush: %v", storeerr.ErrIo, err)
	}

	for i := range events {
		s.index.Put(lsm.Key{StreamHash: hash, Revision: firstRevision + uint64(i)}, positions[i])
	}

	nextRevision := revision // R+n
	if err := s.catalog.Advance(stream, nextRevision-1); err != nil {
		return wire.AppendResult{}, fmt.Errorf("store: advance: %w", err)
	}

	recorded := make([]wire.RecordedEvent, len(events))
	for i, ev := range events {
		recorded[i] = wire.RecordedEvent{
			ID:          ev.ID,
			StreamName:  stream,
			Revision:    firstRevision + uint64(i),
			Position:    positions[i],
			Class:       ev.Class,
			ContentType: ev.ContentType,
			Created:     now,
			Payload:     ev.Payload,
			Metadata:    ev.Metadata,
		}
	}
	s.catalog.Notify(stream, recorded)

	return wire.AppendResult{Position: positions[len(positions)-1], NextRevision: nextRevision}, nil
}

// Delete runs the delete protocol: like append, but writes a single
// StreamDeleted record and sets the tombstone instead of advancing with
// ordinary events.
func (s *Store) Delete(stream string, expected wire.ExpectedRevision) (wire.AppendResult, error) {
	lock := s.locks.get(stream)
	lock.Lock()
	defer lock.Unlock()

	revision, err := s.catalog.CheckExpected(stream, expected)
	if err != nil {
		return wire.AppendResult{}, err
	}

	now := time.Now().UnixMilli()
	body := record.EncodeStreamDeleted(record.StreamDeleted{StreamName: stream, Revision: revision, Created: now})
	payload := record.EncodeEnvelope(record.VariantStreamDeleted, body)

	pos, err := s.log.Append(payload)
	if err != nil {
		return wire.AppendResult{}, fmt.Errorf("%w: append: %v", storeerr.ErrIo, err)
	}
	if err := s.log.Flush(); err != nil {
		return wire.AppendResult{}, fmt.Errorf("%w: flush: %v", storeerr.ErrIo, err)
	}

	hash := streamhash.Hash(stream)
	s.index.Put(lsm.Key{StreamHash: hash, Revision: revision}, pos)

	if err := s.catalog.Tombstone(stream, revision); err != nil {
		return wire.AppendResult{}, fmt.Errorf("store: tombstone: %w", err)
	}
	s.catalog.NotifyText(stream, fmt.Sprintf("stream deleted at revision %d", revision))

	return wire.AppendResult{Position: pos, NextRevision: revision + 1}, nil
}

// Read runs the read protocol (spec §4.7): resolve start to a revision
// range, query the LSM range, and read each record back from the chunk
// log, stopping at max_count, the end of the range, or a tombstone.
//
// Open Question resolution: spec §4.6 defines current_revision as the
// equality target for a Revision=R expected-revision check, which must
// hold immediately after an append of that revision — so current_revision
// is the last revision actually written, and StartEnd resolves to that
// revision (the last event), not one past it. Forwards scans ascending
// from the resolved start revision through current_revision inclusive;
// Backwards collects revisions 0 through the resolved start revision
// and reverses them, so delivery runs from the start revision down to 0.
func (s *Store) Read(stream string, direction wire.Direction, start wire.StartPosition, maxCount int) ([]wire.RecordedEvent, error) {
	current, hasCurrent := s.catalog.CurrentRevision(stream)
	if !hasCurrent {
		return nil, storeerr.ErrNotFound
	}

	var startRevision uint64
	switch start.Kind {
	case wire.StartBeginning:
		startRevision = 0
	case wire.StartEnd:
		startRevision = current
	case wire.StartRevision:
		startRevision = start.Revision
	default:
		return nil, fmt.Errorf("store: unknown start-position kind %d", start.Kind)
	}

	hash := streamhash.Hash(stream)
	var lo, hi lsm.Key
	if direction == wire.Forwards {
		lo = lsm.Key{StreamHash: hash, Revision: startRevision}
		hi = lsm.Key{StreamHash: hash, Revision: current + 1}
	} else {
		lo = lsm.Key{StreamHash: hash, Revision: 0}
		hi = lsm.Key{StreamHash: hash, Revision: startRevision + 1}
	}

	var entries []lsm.Entry
	s.index.Range(lo, hi, func(e lsm.Entry) bool {
		entries = append(entries, e)
		return true
	})
	if direction == wire.Backwards {
		reverseEntries(entries)
	}

	out := make([]wire.RecordedEvent, 0, len(entries))
	for _, e := range entries {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}

		payload, err := s.log.Read(e.Position)
		if err != nil {
			return out, fmt.Errorf("%w: read position %d: %v", storeerr.ErrIo, e.Position, err)
		}
		variant, body, err := record.DecodeEnvelope(payload)
		if err != nil {
			return out, fmt.Errorf("%w: decode envelope: %v", storeerr.ErrCorruption, err)
		}

		switch variant {
		case record.VariantEvent:
			ev, err := record.DecodeEvent(body)
			if err != nil {
				return out, fmt.Errorf("%w: decode event: %v", storeerr.ErrCorruption, err)
			}
			// The index key only carries the stream-name hash; a
			// collision can place another stream's record at the same
			// (hash, revision) key. Confirm the name before trusting it
			// (spec §3, §9 "Hash collisions on stream-hash").
			if ev.StreamName != stream {
				continue
			}
			out = append(out, wire.RecordedEvent{
				ID:          joinID(ev.IDMost, ev.IDLeast),
				StreamName:  ev.StreamName,
				Revision:    ev.Revision,
				Position:    e.Position,
				Class:       ev.Class,
				ContentType: wire.ContentType(ev.ContentType),
				Created:     ev.Created,
				Payload:     ev.Payload,
				Metadata:    ev.Metadata,
			})
		case record.VariantStreamDeleted:
			del, err := record.DecodeStreamDeleted(body)
			if err != nil {
				return out, fmt.Errorf("%w: decode stream-deleted: %v", storeerr.ErrCorruption, err)
			}
			if del.StreamName != stream {
				continue
			}
			return out, nil
		default:
			return out, fmt.Errorf("%w: unknown record variant %d", storeerr.ErrCorruption, variant)
		}
	}
	return out, nil
}

func reverseEntries(entries []lsm.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// Subscribe runs the subscribe protocol (spec §4.7): register in the
// catalog, deliver historical events via the read path, emit CaughtUp
// once the cursor reaches the commit tail, then fan out live events.
// The returned channel is closed when the subscription ends (caller
// cancellation, eviction, or an unrecoverable read error); call the
// returned cancel func to unsubscribe.
func (s *Store) Subscribe(stream string, start wire.StartPosition) (<-chan wire.SubscriptionMessage, func()) {
	sub := s.catalog.Subscribe(stream)
	out := make(chan wire.SubscriptionMessage, subscriptionOutputBuffer)

	go s.runSubscription(stream, start, sub, out)

	return out, sub.Close
}

func (s *Store) runSubscription(stream string, start wire.StartPosition, sub *catalog.Subscription, out chan<- wire.SubscriptionMessage) {
	defer close(out)

	out <- wire.SubscriptionMessage{Kind: wire.MsgConfirmation}

	historical, err := s.Read(stream, wire.Forwards, start, 0)
	if err != nil && !errors.Is(err, storeerr.ErrNotFound) {
		out <- wire.SubscriptionMessage{Kind: wire.MsgError, Err: err}
		sub.Close()
		return
	}

	var lastDelivered uint64
	var hasDelivered bool
	for _, ev := range historical {
		out <- wire.SubscriptionMessage{Kind: wire.MsgEventAppeared, Event: ev}
		lastDelivered = ev.Revision
		hasDelivered = true
	}
	out <- wire.SubscriptionMessage{Kind: wire.MsgCaughtUp}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Events and Notifications close together on eviction;
				// drain a pending eviction reason before exiting so it
				// isn't lost to select's random tie-break between two
				// simultaneously-closed channels.
				select {
				case reason, ok2 := <-sub.Notifications():
					if ok2 {
						out <- wire.SubscriptionMessage{Kind: wire.MsgNotification, NotificationText: reason}
					}
				default:
				}
				return
			}
			// Historical catch-up and live fan-out both run off
			// independent cursors; an event appended while catching up
			// can arrive on both paths. Skip anything already delivered.
			if hasDelivered && ev.Revision <= lastDelivered {
				continue
			}
			out <- wire.SubscriptionMessage{Kind: wire.MsgEventAppeared, Event: ev}
			lastDelivered = ev.Revision
			hasDelivered = true
		case reason, ok := <-sub.Notifications():
			if !ok {
				return
			}
			out <- wire.SubscriptionMessage{Kind: wire.MsgNotification, NotificationText: reason}
			sub.Close()
			return
		}
	}
}

func splitID(id [16]byte) (most, least uint64) {
	return binary.BigEndian.Uint64(id[:8]), binary.BigEndian.Uint64(id[8:])
}

func joinID(most, least uint64) [16]byte {
	var id [16]byte
	binary.BigEndian.PutUint64(id[:8], most)
	binary.BigEndian.PutUint64(id[8:], least)
	return id
}
