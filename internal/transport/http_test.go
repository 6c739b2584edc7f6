package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/syncer"
)

func sampleEvent() event.Event {
	return event.Event{
		EventID:        "evt-1",
		EventType:      event.TypeEntityCreated,
		EntityID:       "task-1",
		PayloadJSON:    `{"title":"A"}`,
		PayloadVersion: 2,
		OccurredAtMs:   1760000000123,
		UserID:         "user-1",
		DeviceID:       "device-1",
		AppID:          "app-1",
	}
}

func newTransport(t *testing.T, serverURL string) *HTTPTransport {
	t.Helper()
	transport, err := NewHTTPTransport(HTTPConfig{BaseURL: serverURL, AccessToken: "token-1"})
	if err != nil {
		t.Fatalf("failed to build transport: %v", err)
	}
	return transport
}

func TestPushSerializesMillisecondTimestamps(t *testing.T) {
	var received pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pushPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer server.Close()

	transport := newTransport(t, server.URL)
	if err := transport.Push(context.Background(), "device-1", []event.Event{sampleEvent()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.DeviceID != "device-1" || len(received.Events) != 1 {
		t.Fatalf("unexpected push request: %#v", received)
	}
	wire := received.Events[0]
	if wire.TS != "2025-10-09T08:53:20.123Z" {
		t.Fatalf("expected ISO-8601 millisecond timestamp, got %q", wire.TS)
	}
	if wire.Actor.DeviceID != "device-1" || wire.PayloadVersion != 2 {
		t.Fatalf("unexpected wire event: %#v", wire)
	}
}

func TestPullDecodesEventsAndCheckpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request pullRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("failed to decode pull body: %v", err)
		}
		if request.Since != "cp-1" {
			t.Errorf("unexpected since %q", request.Since)
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{"events":[{"id":"remote-1","type":"entity.updated","entityId":"task-1",` +
			`"payload":{"title":"B"},"ts":"2025-10-09T08:53:21.500Z",` +
			`"actor":{"userId":"user-1","deviceId":"device-2","appId":"app-1"},` +
			`"payloadVersion":2}],"nextCheckpoint":"cp-2"}`
		w.Write([]byte(body)) //nolint:errcheck
	}))
	defer server.Close()

	transport := newTransport(t, server.URL)
	result, err := transport.Pull(context.Background(), "cp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextCheckpoint != "cp-2" || len(result.Events) != 1 {
		t.Fatalf("unexpected pull result: %#v", result)
	}
	evt := result.Events[0]
	if evt.OccurredAtMs != 1760000001500 {
		t.Fatalf("expected parsed millisecond timestamp, got %d", evt.OccurredAtMs)
	}
	if evt.DeviceID != "device-2" || evt.EventType != event.TypeEntityUpdated {
		t.Fatalf("unexpected event: %#v", evt)
	}
}

func TestPullRejectsMalformedTimestamps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"events":[{"id":"remote-1","type":"entity.updated","ts":"yesterday","payload":{},"actor":{},"payloadVersion":2}],"nextCheckpoint":"cp-2"}`)) //nolint:errcheck
	}))
	defer server.Close()

	transport := newTransport(t, server.URL)
	if _, err := transport.Pull(context.Background(), ""); err == nil {
		t.Fatalf("expected malformed response error")
	}
}

func TestPushSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	transport := newTransport(t, server.URL)
	if err := transport.Push(context.Background(), "device-1", []event.Event{sampleEvent()}); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestOpenInitialSyncReadsNDJSONFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		frames := []string{
			`{"kind":"start","totalCount":1}`,
			`{"kind":"batch","batchIndex":0,"isLast":true,"events":[{"id":"remote-1","type":"entity.created","entityId":"task-1","payload":{"title":"A"},"ts":"2025-10-09T08:53:20.123Z","actor":{"userId":"user-1","deviceId":"device-2","appId":"app-1"},"payloadVersion":2}]}`,
			`{"kind":"complete","processedCount":1,"newCheckpoint":"cp-9"}`,
		}
		for _, frame := range frames {
			w.Write([]byte(frame + "\n")) //nolint:errcheck
		}
	}))
	defer server.Close()

	transport := newTransport(t, server.URL)
	session, err := transport.OpenInitialSync(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer session.Close() //nolint:errcheck

	start, err := session.Next()
	if err != nil || start.Kind != syncer.StreamKindStart || start.TotalCount != 1 {
		t.Fatalf("unexpected start frame: %#v err %v", start, err)
	}
	batch, err := session.Next()
	if err != nil || batch.Kind != syncer.StreamKindBatch || len(batch.Events) != 1 || !batch.IsLast {
		t.Fatalf("unexpected batch frame: %#v err %v", batch, err)
	}
	if batch.Events[0].OccurredAtMs != 1760000000123 {
		t.Fatalf("unexpected batch event time: %d", batch.Events[0].OccurredAtMs)
	}
	complete, err := session.Next()
	if err != nil || complete.Kind != syncer.StreamKindComplete || complete.NewCheckpoint != "cp-9" {
		t.Fatalf("unexpected complete frame: %#v err %v", complete, err)
	}
}
