// Package catalog maintains per-stream state (current revision and
// deletion) and the live subscription registry (spec §4.6).
package catalog

import (
	"fmt"
	"log/slog"
	"sync"

	"chronolog/internal/logging"
	"chronolog/internal/record"
	"chronolog/internal/storeerr"
	"chronolog/internal/wire"
)

// subscriberBufferCapacity bounds how far a live subscriber may lag
// before it is evicted rather than allowed to block the fan-out path.
const subscriberBufferCapacity = 256

type chunkScanner interface {
	Scan(fn func(position uint64, payload []byte) error) error
}

type streamState struct {
	revision    uint64
	hasRevision bool
	deleted     bool
	deletedAt   uint64
}

// Catalog tracks current_revision/deleted per stream and fans live
// events out to subscribers.
type Catalog struct {
	mu      sync.RWMutex
	streams map[string]*streamState
	subs    map[string]map[uint64]*Subscription

	nextSubID uint64
	logger    *slog.Logger
}

// New constructs an empty Catalog. Call Rebuild to populate it from the
// chunk log before serving requests.
func New(logger *slog.Logger) *Catalog {
	logger = logging.Default(logger).With("component", "catalog")
	return &Catalog{
		streams: make(map[string]*streamState),
		subs:    make(map[string]map[uint64]*Subscription),
		logger:  logger,
	}
}

// Rebuild replays the chunk log and reconstructs every stream's current
// revision and deletion state. Scanning the log directly (rather than
// the LSM index) is required to recover the deleted flag, since a
// StreamDeleted record carries no separate index entry to distinguish
// it from an ordinary event at the LSM layer.
func (c *Catalog) Rebuild(log chunkScanner) error {
	if log == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.streams = make(map[string]*streamState)
	var replayed int
	err := log.Scan(func(position uint64, payload []byte) error {
		variant, body, err := record.DecodeEnvelope(payload)
		if err != nil {
			return fmt.Errorf("catalog: decode envelope: %w", err)
		}
		switch variant {
		case record.VariantEvent:
			ev, err := record.DecodeEvent(body)
			if err != nil {
				return fmt.Errorf("catalog: decode event: %w", err)
			}
			st := c.stateLocked(ev.StreamName)
			st.revision = ev.Revision
			st.hasRevision = true
			replayed++
		case record.VariantStreamDeleted:
			del, err := record.DecodeStreamDeleted(body)
			if err != nil {
				return fmt.Errorf("catalog: decode stream-deleted: %w", err)
			}
			st := c.stateLocked(del.StreamName)
			st.deleted = true
			st.deletedAt = del.Revision
			st.revision = del.Revision
			st.hasRevision = true
			replayed++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("catalog: rebuild: %w", err)
	}
	c.logger.Info("rebuilt stream catalog from chunk log", "records_replayed", replayed, "streams", len(c.streams))
	return nil
}

func (c *Catalog) stateLocked(stream string) *streamState {
	st, ok := c.streams[stream]
	if !ok {
		st = &streamState{}
		c.streams[stream] = st
	}
	return st
}

// CheckExpected validates expected against the stream's current state
// (spec §4.6) and, on success, returns the revision to assign to the
// next appended event.
func (c *Catalog) CheckExpected(stream string, expected wire.ExpectedRevision) (nextRevision uint64, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.streams[stream]
	if ok && st.deleted {
		return 0, &storeerr.StreamDeleted{Stream: stream, Revision: st.deletedAt}
	}

	switch expected.Kind {
	case wire.ExpectedAny:
		// Always passes unless deleted, already checked above.
	case wire.ExpectedNoStream:
		if ok && st.hasRevision {
			return 0, c.wrongRevisionLocked(stream, expected, st)
		}
	case wire.ExpectedStreamExists:
		if !ok || !st.hasRevision {
			return 0, c.wrongRevisionLocked(stream, expected, st)
		}
	case wire.ExpectedAtRevision:
		if !ok || !st.hasRevision || st.revision != expected.Revision {
			return 0, c.wrongRevisionLocked(stream, expected, st)
		}
	default:
		return 0, fmt.Errorf("catalog: unknown expected-revision kind %d", expected.Kind)
	}

	if !ok || !st.hasRevision {
		return 0, nil
	}
	return st.revision + 1, nil
}

func (c *Catalog) wrongRevisionLocked(stream string, expected wire.ExpectedRevision, st *streamState) error {
	err := &storeerr.WrongExpectedRevision{Stream: stream, Expected: expected.String()}
	if st != nil && st.hasRevision {
		err.Current = st.revision
		err.HasCurrent = true
	}
	return err
}

// Advance moves a stream's current_revision forward. newRevision must be
// strictly greater than the stream's prior revision (or the stream must
// be new), enforcing the append protocol's monotonicity invariant.
func (c *Catalog) Advance(stream string, newRevision uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(stream)
	if st.hasRevision && newRevision <= st.revision {
		return fmt.Errorf("catalog: non-monotonic advance for stream %q: current %d, new %d", stream, st.revision, newRevision)
	}
	st.revision = newRevision
	st.hasRevision = true
	return nil
}

// Tombstone marks a stream deleted at the given revision.
func (c *Catalog) Tombstone(stream string, revision uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(stream)
	st.deleted = true
	st.deletedAt = revision
	st.revision = revision
	st.hasRevision = true
	return nil
}

// CurrentRevision reports a stream's current revision, if any.
func (c *Catalog) CurrentRevision(stream string) (revision uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, exists := c.streams[stream]
	if !exists || !st.hasRevision {
		return 0, false
	}
	return st.revision, true
}

// IsDeleted reports whether a stream has been tombstoned.
func (c *Catalog) IsDeleted(stream string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.streams[stream]
	return ok && st.deleted
}

// Subscription is a registered live listener for one stream's events.
type Subscription struct {
	id         uint64
	streamName string
	events     chan wire.RecordedEvent
	notify     chan string
	catalog    *Catalog
	closeOnce  sync.Once
}

// Events yields live events as they are fanned out by Notify.
func (s *Subscription) Events() <-chan wire.RecordedEvent { return s.events }

// Notifications yields eviction/lifecycle notices (spec: Notification
// message kind), e.g. "unsubscribed: slow consumer".
func (s *Subscription) Notifications() <-chan string { return s.notify }

// Close unregisters the subscription. Safe to call more than once and
// from a goroutine other than the one consuming Events.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.catalog.removeSubscription(s)
		close(s.events)
		close(s.notify)
	})
}

// Subscribe registers a new live subscriber for stream. The caller is
// responsible for first delivering historical events via the read path
// and emitting CaughtUp before relying on this subscription's Events
// channel, per the subscribe protocol in spec §4.7.
func (c *Catalog) Subscribe(stream string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	sub := &Subscription{
		id:         c.nextSubID,
		streamName: stream,
		events:     make(chan wire.RecordedEvent, subscriberBufferCapacity),
		notify:     make(chan string, 1),
		catalog:    c,
	}
	byID, ok := c.subs[stream]
	if !ok {
		byID = make(map[uint64]*Subscription)
		c.subs[stream] = byID
	}
	byID[sub.id] = sub
	return sub
}

func (c *Catalog) removeSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.subs[sub.streamName]
	if !ok {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(c.subs, sub.streamName)
	}
}

// Notify fans newly-committed events out to every active subscriber of
// their stream (spec §4.7 step 8). A subscriber whose buffer is full is
// evicted rather than blocked or silently dropped, preserving the "no
// gaps" ordering guarantee for every subscriber that remains (spec §5).
func (c *Catalog) Notify(stream string, events []wire.RecordedEvent) {
	c.mu.RLock()
	byID := c.subs[stream]
	subs := make([]*Subscription, 0, len(byID))
	for _, sub := range byID {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		c.deliverOrEvict(stream, sub, events)
	}
}

// NotifyText delivers a Notification-kind message to every subscriber
// of stream (e.g. reporting a deletion), without affecting the event
// stream's revision-based deduplication.
func (c *Catalog) NotifyText(stream, text string) {
	c.mu.RLock()
	byID := c.subs[stream]
	subs := make([]*Subscription, 0, len(byID))
	for _, sub := range byID {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.notify <- text:
		default:
		}
	}
}

// deliverOrEvict sends each event to sub in order, stopping and evicting
// the subscriber the moment its buffer is full.
func (c *Catalog) deliverOrEvict(stream string, sub *Subscription, events []wire.RecordedEvent) {
	for _, ev := range events {
		select {
		case sub.events <- ev:
		default:
			c.logger.Warn("evicting slow subscriber", "stream", stream, "subscription_id", sub.id)
			select {
			case sub.notify <- "unsubscribed: slow consumer":
			default:
			}
			sub.Close()
			return
		}
	}
}
