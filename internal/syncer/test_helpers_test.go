package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/projector"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type fakeTransport struct {
	pushCalls  [][]event.Event
	pushDevice string
	pushErr    error

	pullSince  []string
	pullResult PullResult
	pullErr    error
}

func (f *fakeTransport) Push(ctx context.Context, deviceID string, events []event.Event) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushDevice = deviceID
	f.pushCalls = append(f.pushCalls, append([]event.Event(nil), events...))
	return nil
}

func (f *fakeTransport) Pull(ctx context.Context, since string) (PullResult, error) {
	f.pullSince = append(f.pullSince, since)
	if f.pullErr != nil {
		return PullResult{}, f.pullErr
	}
	return f.pullResult, nil
}

type fakeStreamOpener struct {
	openErr error
	frames  []StreamMessage
	opened  int
}

func (f *fakeStreamOpener) OpenInitialSync(ctx context.Context, since string) (StreamSession, error) {
	f.opened++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStreamSession{frames: append([]StreamMessage(nil), f.frames...)}, nil
}

type fakeStreamSession struct {
	frames []StreamMessage
	closed bool
}

func (s *fakeStreamSession) Next() (StreamMessage, error) {
	if len(s.frames) == 0 {
		return StreamMessage{}, errors.New("stream closed unexpectedly")
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

func (s *fakeStreamSession) Close() error {
	s.closed = true
	return nil
}

type testHarness struct {
	coordinator *Coordinator
	events      *event.Service
	projections *projector.Service
	store       *StateStore
	db          *gorm.DB
}

func newTestHarness(t *testing.T, transport Transport, streams StreamOpener) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&event.Event{}, &projector.Entity{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.UnixMilli(1760000000000).UTC() }

	events, err := event.NewService(event.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{prefix: "evt"},
	})
	if err != nil {
		t.Fatalf("failed to build event service: %v", err)
	}

	projections, err := projector.NewService(projector.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build projector service: %v", err)
	}

	store, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("failed to build state store: %v", err)
	}

	coordinator, err := NewCoordinator(Config{
		Transport:   transport,
		Streams:     streams,
		Events:      events,
		Projections: projections,
		State:       store,
		IDProvider:  &sequenceIDGenerator{prefix: "dev"},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	return &testHarness{
		coordinator: coordinator,
		events:      events,
		projections: projections,
		store:       store,
		db:          db,
	}
}

func (h *testHarness) appendLocal(t *testing.T, entityID, payload string) event.Event {
	t.Helper()
	id, err := event.NewEntityID(entityID)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	appended, err := h.events.Append(context.Background(), event.AppendRequest{
		EventType: event.TypeEntityCreated,
		EntityID:  id,
		Payload:   map[string]any{"title": payload},
		Actor:     event.Actor{UserID: "user-1", DeviceID: "device-1", AppID: "app-1"},
	})
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return appended
}

func remoteEvent(id, entityID string, atMs int64, payloadVersion int, payload string) event.Event {
	return event.Event{
		EventID:        id,
		EventType:      event.TypeEntityCreated,
		EntityID:       entityID,
		PayloadJSON:    payload,
		PayloadVersion: payloadVersion,
		OccurredAtMs:   atMs,
		UserID:         "user-1",
		DeviceID:       "device-2",
		AppID:          "app-1",
	}
}
