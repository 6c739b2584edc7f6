package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/projector"
	"github.com/driftline/driftline/internal/syncer"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("evt-%03d", g.next), nil
}

// idleTransport satisfies the coordinator without a remote; the handler
// tests never start the sync loop.
type idleTransport struct{}

func (idleTransport) Push(ctx context.Context, deviceID string, events []event.Event) error {
	return nil
}

func (idleTransport) Pull(ctx context.Context, since string) (syncer.PullResult, error) {
	return syncer.PullResult{}, nil
}

type apiFixture struct {
	handler    http.Handler
	dispatcher *ChangeDispatcher
	events     *event.Service
	now        *time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&event.Event{}, &projector.Entity{}, &syncer.SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	events, err := event.NewService(event.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to build event service: %v", err)
	}

	dispatcher := NewChangeDispatcher(clock)
	projections, err := projector.NewService(projector.ServiceConfig{Database: db, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("failed to build projection service: %v", err)
	}
	histories, err := history.NewService(history.ServiceConfig{Events: events})
	if err != nil {
		t.Fatalf("failed to build history service: %v", err)
	}
	state, err := syncer.NewStateStore(db)
	if err != nil {
		t.Fatalf("failed to build state store: %v", err)
	}
	coordinator, err := syncer.NewCoordinator(syncer.Config{
		Transport:   idleTransport{},
		Events:      events,
		Projections: projections,
		State:       state,
		IDProvider:  &sequenceIDGenerator{},
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Events:      events,
		Projections: projections,
		History:     histories,
		Coordinator: coordinator,
		State:       state,
		Dispatcher:  dispatcher,
		Actor:       event.Actor{UserID: "user-1", DeviceID: "device-1", AppID: "app-1"},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &apiFixture{handler: handler, dispatcher: dispatcher, events: events, now: &now}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *apiFixture) appendEvent(t *testing.T, eventType, entityID string, payload map[string]any) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"events": []map[string]any{{
			"type":      eventType,
			"entity_id": entityID,
			"payload":   payload,
		}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("append returned %d: %s", recorder.Code, recorder.Body.String())
	}
	*f.now = f.now.Add(time.Second)

	var response struct {
		Events []struct {
			EventID string `json:"event_id"`
		} `json:"events"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode append response: %v", err)
	}
	if len(response.Events) != 1 {
		t.Fatalf("expected one appended event, got %d", len(response.Events))
	}
	return response.Events[0].EventID
}
