package catalog

import (
	"errors"
	"testing"

	"chronolog/internal/record"
	"chronolog/internal/storeerr"
	"chronolog/internal/wire"
)

func TestCheckExpectedNoStreamOnEmptyCatalog(t *testing.T) {
	c := New(nil)
	next, err := c.CheckExpected("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedNoStream})
	if err != nil {
		t.Fatalf("CheckExpected: %v", err)
	}
	if next != 0 {
		t.Fatalf("next = %d, want 0", next)
	}
}

func TestCheckExpectedAnyAlwaysPasses(t *testing.T) {
	c := New(nil)
	if err := c.Advance("orders-1", 4); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	next, err := c.CheckExpected("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny})
	if err != nil {
		t.Fatalf("CheckExpected: %v", err)
	}
	if next != 5 {
		t.Fatalf("next = %d, want 5", next)
	}
}

func TestCheckExpectedStreamExistsFailsWhenAbsent(t *testing.T) {
	c := New(nil)
	_, err := c.CheckExpected("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedStreamExists})
	var wrong *storeerr.WrongExpectedRevision
	if !errors.As(err, &wrong) {
		t.Fatalf("err = %v, want *WrongExpectedRevision", err)
	}
	if wrong.HasCurrent {
		t.Fatalf("HasCurrent = true, want false")
	}
}

func TestCheckExpectedRevisionMismatch(t *testing.T) {
	c := New(nil)
	if err := c.Advance("orders-1", 2); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	_, err := c.CheckExpected("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAtRevision, Revision: 1})
	var wrong *storeerr.WrongExpectedRevision
	if !errors.As(err, &wrong) {
		t.Fatalf("err = %v, want *WrongExpectedRevision", err)
	}
	if !wrong.HasCurrent || wrong.Current != 2 {
		t.Fatalf("wrong = %+v, want HasCurrent=true Current=2", wrong)
	}
}

func TestCheckExpectedDeletedStream(t *testing.T) {
	c := New(nil)
	if err := c.Advance("orders-1", 1); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := c.Tombstone("orders-1", 2); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	_, err := c.CheckExpected("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny})
	var deleted *storeerr.StreamDeleted
	if !errors.As(err, &deleted) {
		t.Fatalf("err = %v, want *StreamDeleted", err)
	}
	if deleted.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", deleted.Revision)
	}
}

func TestAdvanceRejectsNonMonotonic(t *testing.T) {
	c := New(nil)
	if err := c.Advance("orders-1", 3); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := c.Advance("orders-1", 3); err == nil {
		t.Fatal("expected an error advancing to a non-increasing revision")
	}
	if err := c.Advance("orders-1", 2); err == nil {
		t.Fatal("expected an error advancing backwards")
	}
}

func TestSubscribeNotifyDelivers(t *testing.T) {
	c := New(nil)
	sub := c.Subscribe("orders-1")
	defer sub.Close()

	c.Notify("orders-1", []wire.RecordedEvent{{StreamName: "orders-1", Revision: 0}})
	select {
	case ev := <-sub.Events():
		if ev.Revision != 0 {
			t.Fatalf("Revision = %d, want 0", ev.Revision)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestNotifyEvictsSlowSubscriber(t *testing.T) {
	c := New(nil)
	sub := c.Subscribe("orders-1")

	// Flood past capacity without draining; the subscriber should be
	// evicted rather than block Notify or silently drop events.
	events := make([]wire.RecordedEvent, subscriberBufferCapacity+10)
	for i := range events {
		events[i] = wire.RecordedEvent{StreamName: "orders-1", Revision: uint64(i)}
	}
	c.Notify("orders-1", events)

	select {
	case reason, ok := <-sub.Notifications():
		if !ok {
			t.Fatal("notifications channel closed without a reason")
		}
		if reason == "" {
			t.Fatal("expected a non-empty eviction reason")
		}
	default:
		t.Fatal("expected an eviction notification")
	}

	c.mu.RLock()
	_, stillRegistered := c.subs["orders-1"][sub.id]
	c.mu.RUnlock()
	if stillRegistered {
		t.Fatal("evicted subscriber is still registered")
	}
}

type fakeScanner struct {
	records []scannedRecord
}

type scannedRecord struct {
	position uint64
	payload  []byte
}

func (s fakeScanner) Scan(fn func(position uint64, payload []byte) error) error {
	for _, r := range s.records {
		if err := fn(r.position, r.payload); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuildFromChunkLog(t *testing.T) {
	var scanner fakeScanner
	var pos uint64
	appendEvent := func(stream string, revision uint64) {
		body := record.EncodeEvent(record.Event{
			IDMost:     1,
			IDLeast:    revision,
			Revision:   revision,
			StreamName: stream,
			Class:      "OrderPlaced",
			Created:    1000,
			Payload:    []byte("{}"),
		})
		payload := record.EncodeEnvelope(record.VariantEvent, body)
		scanner.records = append(scanner.records, scannedRecord{position: pos, payload: payload})
		pos += uint64(len(payload)) + 8
	}
	appendDeleted := func(stream string, revision uint64) {
		body := record.EncodeStreamDeleted(record.StreamDeleted{StreamName: stream, Revision: revision, Created: 2000})
		payload := record.EncodeEnvelope(record.VariantStreamDeleted, body)
		scanner.records = append(scanner.records, scannedRecord{position: pos, payload: payload})
		pos += uint64(len(payload)) + 8
	}

	appendEvent("orders-1", 0)
	appendEvent("orders-1", 1)
	appendEvent("orders-2", 0)
	appendDeleted("orders-2", 1)

	c := New(nil)
	if err := c.Rebuild(scanner); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rev, ok := c.CurrentRevision("orders-1")
	if !ok || rev != 1 {
		t.Fatalf("orders-1 revision = %d, %v, want 1, true", rev, ok)
	}
	if c.IsDeleted("orders-1") {
		t.Fatal("orders-1 should not be deleted")
	}

	rev, ok = c.CurrentRevision("orders-2")
	if !ok || rev != 1 {
		t.Fatalf("orders-2 revision = %d, %v, want 1, true", rev, ok)
	}
	if !c.IsDeleted("orders-2") {
		t.Fatal("orders-2 should be deleted")
	}
}
