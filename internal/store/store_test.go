package store

import (
	"errors"
	"testing"
	"time"

	"chronolog/internal/catalog"
	"chronolog/internal/chunk/file"
	"chronolog/internal/lsm"
	"chronolog/internal/storeerr"
	"chronolog/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	log, err := file.NewManager(file.Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	index, err := lsm.Open(lsm.Config{Dir: dir}, log)
	if err != nil {
		t.Fatalf("lsm.Open: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })

	cat := catalog.New(nil)
	if err := cat.Rebuild(log); err != nil {
		t.Fatalf("catalog.Rebuild: %v", err)
	}

	return New(log, index, cat, nil)
}

func TestAppendToNewStreamAssignsRevisionZero(t *testing.T) {
	s := newTestStore(t)

	result, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedNoStream}, []wire.ProposedEvent{
		{Class: "OrderPlaced", Payload: []byte(`{"sku":"a"}`)},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if result.NextRevision != 1 {
		t.Fatalf("NextRevision = %d, want 1", result.NextRevision)
	}
}

func TestAppendAssignsConsecutiveRevisions(t *testing.T) {
	s := newTestStore(t)

	result, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{
		{Class: "A", Payload: []byte("1")},
		{Class: "B", Payload: []byte("2")},
		{Class: "C", Payload: []byte("3")},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if result.NextRevision != 3 {
		t.Fatalf("NextRevision = %d, want 3", result.NextRevision)
	}

	events, err := s.Read("orders-1", wire.Forwards, wire.StartPosition{Kind: wire.StartBeginning}, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Revision != uint64(i) {
			t.Fatalf("events[%d].Revision = %d, want %d", i, ev.Revision, i)
		}
	}
}

func TestAppendRejectsWrongExpectedRevision(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "A"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedNoStream}, []wire.ProposedEvent{{Class: "B"}})
	var wrong *storeerr.WrongExpectedRevision
	if !errors.As(err, &wrong) {
		t.Fatalf("err = %v, want *WrongExpectedRevision", err)
	}
}

func TestDeleteTombstonesStream(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "A"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Delete("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "B"}})
	var deleted *storeerr.StreamDeleted
	if !errors.As(err, &deleted) {
		t.Fatalf("err = %v, want *StreamDeleted", err)
	}
}

func TestReadBackwardsReversesOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "A"}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.Read("orders-1", wire.Backwards, wire.StartPosition{Kind: wire.StartEnd}, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for i, ev := range events {
		want := uint64(3 - i)
		if ev.Revision != want {
			t.Fatalf("events[%d].Revision = %d, want %d", i, ev.Revision, want)
		}
	}
}

func TestReadMaxCountLimitsResults(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "A"}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := s.Read("orders-1", wire.Forwards, wire.StartPosition{Kind: wire.StartBeginning}, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestReadNotFoundForUnknownStream(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("no-such-stream", wire.Forwards, wire.StartPosition{Kind: wire.StartBeginning}, 0)
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribeDeliversHistoricalThenCaughtUpThenLive(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "A"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, cancel := s.Subscribe("orders-1", wire.StartPosition{Kind: wire.StartBeginning})
	defer cancel()

	wantKind := func(k wire.SubscriptionMessageKind, name string) wire.SubscriptionMessage {
		select {
		case m := <-msgs:
			if m.Kind != k {
				t.Fatalf("got message kind %d, want %s (%d)", m.Kind, name, k)
			}
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", name)
			return wire.SubscriptionMessage{}
		}
	}

	confirmation := wantKind(wire.MsgConfirmation, "Confirmation")
	_ = confirmation
	historical := wantKind(wire.MsgEventAppeared, "EventAppeared(historical)")
	if historical.Event.Revision != 0 {
		t.Fatalf("historical revision = %d, want 0", historical.Event.Revision)
	}
	wantKind(wire.MsgCaughtUp, "CaughtUp")

	if _, err := s.Append("orders-1", wire.ExpectedRevision{Kind: wire.ExpectedAny}, []wire.ProposedEvent{{Class: "B"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	live := wantKind(wire.MsgEventAppeared, "EventAppeared(live)")
	if live.Event.Revision != 1 {
		t.Fatalf("live revision = %d, want 1", live.Event.Revision)
	}
}
