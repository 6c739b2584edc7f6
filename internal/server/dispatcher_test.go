package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	dispatcher := NewChangeDispatcher(fixedClock(at))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, cancelFirst := dispatcher.Subscribe(ctx)
	defer cancelFirst()
	second, cancelSecond := dispatcher.Subscribe(ctx)
	defer cancelSecond()

	dispatcher.EntitiesChanged([]string{"task-1", "task-2"})

	for name, stream := range map[string]<-chan ChangeMessage{"first": first, "second": second} {
		select {
		case message := <-stream:
			if len(message.EntityIDs) != 2 || message.EntityIDs[0] != "task-1" {
				t.Fatalf("%s subscriber got unexpected message: %+v", name, message)
			}
			if !message.Timestamp.Equal(at.UTC()) {
				t.Fatalf("%s subscriber got unexpected timestamp: %v", name, message.Timestamp)
			}
		default:
			t.Fatalf("%s subscriber received nothing", name)
		}
	}
}

func TestDispatcherIgnoresEmptyChangeSets(t *testing.T) {
	dispatcher := NewChangeDispatcher(nil)
	stream, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	dispatcher.EntitiesChanged(nil)
	dispatcher.EntitiesChanged([]string{})

	select {
	case message := <-stream:
		t.Fatalf("expected no message, got %+v", message)
	default:
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewChangeDispatcher(nil)
	stream, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	// Publishing past the buffer must never block.
	for i := 0; i < 100; i++ {
		dispatcher.EntitiesChanged([]string{"task-1"})
	}

	delivered := 0
	for {
		select {
		case <-stream:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered == 0 || delivered > 16 {
		t.Fatalf("expected between 1 and buffer-size deliveries, got %d", delivered)
	}
}

func TestDispatcherCancelRemovesSubscriber(t *testing.T) {
	dispatcher := NewChangeDispatcher(nil)
	_, cancel := dispatcher.Subscribe(context.Background())
	cancel()

	dispatcher.mu.RLock()
	remaining := len(dispatcher.subscribers)
	dispatcher.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected no subscribers after cancel, got %d", remaining)
	}
}

// closeNotifyRecorder adds the http.CloseNotifier implementation that
// gin's Context.Stream requires and httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func TestChangeFeedStreamsEntityChanges(t *testing.T) {
	fix := newAPIFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	request := httptest.NewRequest(http.MethodGet, "/v1/changes", nil).WithContext(ctx)
	recorder := &closeNotifyRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		closed:           make(chan bool, 1),
	}

	done := make(chan struct{})
	go func() {
		fix.handler.ServeHTTP(recorder, request)
		close(done)
	}()

	// Wait for the handler goroutine to register its subscription.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fix.dispatcher.mu.RLock()
		subscribed := len(fix.dispatcher.subscribers) > 0
		fix.dispatcher.mu.RUnlock()
		if subscribed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fix.dispatcher.EntitiesChanged([]string{"task-1"})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("change feed handler did not terminate")
	}

	body := recorder.Body.String()
	if !strings.Contains(body, "entity-change") || !strings.Contains(body, "task-1") {
		t.Fatalf("expected an entity-change frame in the feed, got %q", body)
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
}
