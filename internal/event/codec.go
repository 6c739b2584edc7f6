package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// CurrentPayloadVersion is stamped on every newly encoded payload.
	CurrentPayloadVersion = 2
	// MinSupportedPayloadVersion is the oldest schema still projected.
	// Events below it are skipped during pull, never rejected.
	MinSupportedPayloadVersion = 1
)

// Legacy clients wrapped the entity fields under a named key instead of
// encoding them flat. Decoding tries flat first, then each wrapper.
var legacyPayloadWrappers = []string{"state", "fullState"}

// ErrPayloadDecode indicates that a payload matched none of the known
// schema shapes. It is always surfaced to the caller; a silently dropped
// event would break convergence.
var ErrPayloadDecode = errors.New("event: payload matches no known shape")

// EncodePayload serializes a payload value in the current flat shape.
func EncodePayload(value any) (string, int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", 0, fmt.Errorf("event: encode payload: %w", err)
	}
	return string(raw), CurrentPayloadVersion, nil
}

// DecodePayload deserializes an event payload into out, tolerating the two
// historical wrapped shapes alongside the current flat record.
func DecodePayload(evt Event, out any) error {
	if err := decodeStrict([]byte(evt.PayloadJSON), out); err == nil {
		return nil
	}

	for _, wrapper := range legacyPayloadWrappers {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal([]byte(evt.PayloadJSON), &envelope); err != nil {
			continue
		}
		inner, ok := envelope[wrapper]
		if !ok {
			continue
		}
		if err := decodeStrict(inner, out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: event %s type %s", ErrPayloadDecode, evt.EventID, evt.EventType)
}

// decodeStrict rejects unknown fields so that a wrapped payload is not
// mistaken for an empty flat one.
func decodeStrict(raw []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// DecodeFields deserializes an event payload into a generic field map,
// applying the same wrapper fallbacks as DecodePayload. The projector uses
// this form because entity payloads are schema-tagged blobs, not a single
// struct.
func DecodeFields(evt Event) (map[string]any, error) {
	var flat map[string]any
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &flat); err != nil {
		return nil, fmt.Errorf("%w: event %s type %s", ErrPayloadDecode, evt.EventID, evt.EventType)
	}

	for _, wrapper := range legacyPayloadWrappers {
		inner, ok := flat[wrapper]
		if !ok || len(flat) != 1 {
			continue
		}
		wrapped, ok := inner.(map[string]any)
		if !ok {
			continue
		}
		return wrapped, nil
	}

	return flat, nil
}
