// Package peer implements direct device-to-device transfer of profile
// snapshots: a sharing fallback that works with no remote service at all.
// Devices exchange versioned envelopes over a Transport; large payloads go
// through a cancellable, progress-tracked resource transfer.
package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/carelog/internal/model"
)

// EnvelopeVersion is the highest envelope version this build understands.
const EnvelopeVersion = 1

// Kind is the message kind carried by an envelope. The set is closed.
type Kind string

const (
	KindHello        Kind = "hello"
	KindCapabilities Kind = "capabilities"
	KindSnapshot     Kind = "profileSnapshot"
	KindDelta        Kind = "actionsDelta"
	KindAck          Kind = "ack"
	KindError        Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHello, KindCapabilities, KindSnapshot, KindDelta, KindAck, KindError:
		return true
	}
	return false
}

// Envelope wraps every peer message. Payload stays opaque until the kind is
// known, so an unknown kind never poisons the surrounding decode.
type Envelope struct {
	V       int             `json:"v"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// UnsupportedVersionError reports an envelope newer than this build can
// decode. It carries both version numbers so the caller can render a
// compatibility message instead of a generic failure.
type UnsupportedVersionError struct {
	Supported int
	Received  int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("peer envelope version %d not supported (max %d)", e.Received, e.Supported)
}

// NewEnvelope wraps a payload in a current-version envelope.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	env := Envelope{V: EnvelopeVersion, Type: kind, SentAt: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodeEnvelope parses raw bytes into an envelope. The version check runs
// before anything else: a newer envelope is rejected with
// UnsupportedVersionError, never with a decode error from a half-understood
// payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.V > EnvelopeVersion {
		return Envelope{}, &UnsupportedVersionError{Supported: EnvelopeVersion, Received: env.V}
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown kind %q", env.Type)
	}
	return env, nil
}

// UnmarshalPayload decodes the envelope's payload into the given value.
func (e Envelope) UnmarshalPayload(into any) error {
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Hello introduces a device when a connection is established.
type Hello struct {
	DisplayName          string `json:"display_name"`
	AppVersion           string `json:"app_version"`
	SupportsFileTransfer bool   `json:"supports_file_transfer"`
}

// Capabilities advertises what the sender can receive.
type Capabilities struct {
	SupportedEnvelopeVersion int   `json:"supported_envelope_version"`
	MaxResourceSizeHint      int64 `json:"max_resource_size_hint"`
}

// SnapshotPayload carries a full profile export.
type SnapshotPayload struct {
	Snapshot model.Snapshot `json:"snapshot"`
}

// DeltaPayload carries a subset of events for an already-known profile.
type DeltaPayload struct {
	ProfileID string            `json:"profile_id"`
	Events    []model.CareEvent `json:"events"`
}

// Ack confirms receipt of a message or resource by identifier.
type Ack struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ErrorPayload reports a failure to the other side.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent to peers.
const (
	ErrorCodeBusy        = "busy"
	ErrorCodeUnsupported = "unsupported_version"
)
