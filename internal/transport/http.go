// Package transport implements the remote authority protocol over HTTP:
// batched push and pull as request/response, and an NDJSON stream for bulk
// initial sync.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/syncer"
	"go.uber.org/zap"
)

// timestampLayout renders event times as ISO-8601 with millisecond
// precision. One package-level layout serves every event; formatters are
// never allocated per event.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	pushPath   = "/v1/sync/push"
	pullPath   = "/v1/sync/pull"
	streamPath = "/v1/sync/stream"
)

var (
	errMissingBaseURL = errors.New("transport: base url is required")
	// ErrServerResponse indicates a non-success or malformed reply.
	ErrServerResponse = errors.New("transport: unexpected server response")
)

type wireActor struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	AppID    string `json:"appId"`
}

type wireEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	EntityID       string          `json:"entityId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	TS             string          `json:"ts"`
	Actor          wireActor       `json:"actor"`
	PayloadVersion int             `json:"payloadVersion"`
}

type pushRequest struct {
	DeviceID string      `json:"deviceId"`
	Events   []wireEvent `json:"events"`
}

type pullRequest struct {
	Since string `json:"since"`
}

type pullResponse struct {
	Events         []wireEvent `json:"events"`
	NextCheckpoint string      `json:"nextCheckpoint"`
}

type streamRequest struct {
	Since string `json:"since"`
}

type streamFrame struct {
	Kind           string      `json:"kind"`
	TotalCount     int         `json:"totalCount,omitempty"`
	Events         []wireEvent `json:"events,omitempty"`
	BatchIndex     int         `json:"batchIndex,omitempty"`
	IsLast         bool        `json:"isLast,omitempty"`
	ProcessedCount int         `json:"processedCount,omitempty"`
	NewCheckpoint  string      `json:"newCheckpoint,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Code           string      `json:"code,omitempty"`
}

// HTTPConfig carries the settings for the HTTP transport.
type HTTPConfig struct {
	BaseURL string
	// AccessToken is sent as an opaque bearer token. Obtaining and
	// refreshing it is the consuming layer's concern.
	AccessToken string
	Client      *http.Client
	Logger      *zap.Logger
}

// HTTPTransport talks to the remote authority. It implements both
// syncer.Transport and syncer.StreamOpener.
type HTTPTransport struct {
	baseURL     string
	accessToken string
	client      *http.Client
	logger      *zap.Logger
}

// NewHTTPTransport validates the configuration and constructs a transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		client:      client,
		logger:      logger,
	}, nil
}

// Push submits a batch of events under the given device id.
func (t *HTTPTransport) Push(ctx context.Context, deviceID string, events []event.Event) error {
	request := pushRequest{DeviceID: deviceID, Events: make([]wireEvent, 0, len(events))}
	for _, evt := range events {
		request.Events = append(request.Events, toWire(evt))
	}

	var ignored struct{}
	return t.postJSON(ctx, pushPath, request, &ignored)
}

// Pull requests all remote events newer than the checkpoint.
func (t *HTTPTransport) Pull(ctx context.Context, since string) (syncer.PullResult, error) {
	var response pullResponse
	if err := t.postJSON(ctx, pullPath, pullRequest{Since: since}, &response); err != nil {
		return syncer.PullResult{}, err
	}

	result := syncer.PullResult{
		Events:         make([]event.Event, 0, len(response.Events)),
		NextCheckpoint: response.NextCheckpoint,
	}
	for _, wire := range response.Events {
		evt, err := fromWire(wire)
		if err != nil {
			return syncer.PullResult{}, err
		}
		result.Events = append(result.Events, evt)
	}
	return result, nil
}

// OpenInitialSync opens the NDJSON bulk catch-up stream.
func (t *HTTPTransport) OpenInitialSync(ctx context.Context, since string) (syncer.StreamSession, error) {
	body, err := json.Marshal(streamRequest{Since: since})
	if err != nil {
		return nil, fmt.Errorf("transport: encode stream request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	t.setHeaders(httpRequest)
	httpRequest.Header.Set("Accept", "application/x-ndjson")

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: stream status %d", ErrServerResponse, response.StatusCode)
	}

	return &ndjsonSession{body: response.Body, decoder: json.NewDecoder(response.Body)}, nil
}

type ndjsonSession struct {
	body    io.ReadCloser
	decoder *json.Decoder
}

func (s *ndjsonSession) Next() (syncer.StreamMessage, error) {
	var frame streamFrame
	if err := s.decoder.Decode(&frame); err != nil {
		return syncer.StreamMessage{}, err
	}

	message := syncer.StreamMessage{
		Kind:           frame.Kind,
		TotalCount:     frame.TotalCount,
		BatchIndex:     frame.BatchIndex,
		IsLast:         frame.IsLast,
		ProcessedCount: frame.ProcessedCount,
		NewCheckpoint:  frame.NewCheckpoint,
		Reason:         frame.Reason,
		Code:           frame.Code,
	}
	if len(frame.Events) > 0 {
		message.Events = make([]event.Event, 0, len(frame.Events))
		for _, wire := range frame.Events {
			evt, err := fromWire(wire)
			if err != nil {
				return syncer.StreamMessage{}, err
			}
			message.Events = append(message.Events, evt)
		}
	}
	return message, nil
}

func (s *ndjsonSession) Close() error {
	return s.body.Close()
}

func (t *HTTPTransport) postJSON(ctx context.Context, path string, request any, response any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	t.setHeaders(httpRequest)

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer httpResponse.Body.Close() //nolint:errcheck

	if httpResponse.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d", ErrServerResponse, path, httpResponse.StatusCode)
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(response); err != nil {
		return fmt.Errorf("%w: %s decode: %v", ErrServerResponse, path, err)
	}
	return nil
}

func (t *HTTPTransport) setHeaders(request *http.Request) {
	request.Header.Set("Content-Type", "application/json")
	if t.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+t.accessToken)
	}
}

func toWire(evt event.Event) wireEvent {
	return wireEvent{
		ID:             evt.EventID,
		Type:           string(evt.EventType),
		EntityID:       evt.EntityID,
		Payload:        json.RawMessage(evt.PayloadJSON),
		TS:             time.UnixMilli(evt.OccurredAtMs).UTC().Format(timestampLayout),
		Actor:          wireActor{UserID: evt.UserID, DeviceID: evt.DeviceID, AppID: evt.AppID},
		PayloadVersion: evt.PayloadVersion,
	}
}

func fromWire(wire wireEvent) (event.Event, error) {
	occurredAt, err := time.Parse(timestampLayout, wire.TS)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: event %s timestamp %q", ErrServerResponse, wire.ID, wire.TS)
	}
	return event.Event{
		EventID:        wire.ID,
		EventType:      event.Type(wire.Type),
		EntityID:       wire.EntityID,
		PayloadJSON:    string(wire.Payload),
		PayloadVersion: wire.PayloadVersion,
		OccurredAtMs:   occurredAt.UnixMilli(),
		UserID:         wire.Actor.UserID,
		DeviceID:       wire.Actor.DeviceID,
		AppID:          wire.Actor.AppID,
	}, nil
}
