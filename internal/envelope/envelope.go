// Package envelope defines the versioned wire message every TARS
// service exchanges over the broker, plus the codec and per-type
// schemas that keep the wire format total: decoding either yields a
// fully-typed Envelope or one of a small set of sentinel errors.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the universal wrapper for every message published on the
// bus. Fields mirror spec section 6's normative schema.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp float64         `json:"ts"`
	Source    string          `json:"source"`
	Correlate string          `json:"correlate,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Sentinel errors returned by Decode. Wrap with fmt.Errorf("...: %w", ...)
// at call sites that need more context; callers identify the category
// with errors.Is.
var (
	ErrMalformedEnvelope = errors.New("envelope: malformed")
	ErrUnknownEventType  = errors.New("envelope: unknown event type")
	ErrSchemaViolation   = errors.New("envelope: schema violation")
)

// Encode assigns a fresh random id and current timestamp, validates
// that typ is registered and data matches its schema, and serializes
// the result deterministically. correlate may be empty.
func Encode(typ string, data any, correlate string) ([]byte, Envelope, error) {
	if _, ok := registry[typ]; !ok {
		return nil, Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("%w: marshal data: %v", ErrSchemaViolation, err)
	}

	if err := validateData(typ, raw); err != nil {
		return nil, Envelope{}, err
	}

	env := Envelope{
		ID:        newID(),
		Type:      typ,
		Timestamp: nowSeconds(),
		Source:    Source,
		Correlate: correlate,
		Data:      raw,
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("%w: marshal envelope: %v", ErrMalformedEnvelope, err)
	}
	return out, env, nil
}

// Source is the producing service name stamped onto every Envelope
// created by Encode in this process. It defaults to "router"; nothing
// in this repository assigns a different value.
var Source = "router"

// Decode parses bytes into an Envelope, failing with ErrMalformedEnvelope
// if required fields are missing or mistyped, ErrUnknownEventType if
// Type is not registered, or ErrSchemaViolation if Data does not match
// the type's schema.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.ID == "" || env.Type == "" || env.Source == "" || env.Timestamp == 0 {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformedEnvelope)
	}
	if _, ok := registry[env.Type]; !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if err := validateData(env.Type, env.Data); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeAs decodes b and unmarshals its Data field into v, a pointer to
// the concrete data struct for env.Type. Callers that already know
// which type they expect use this to skip a second type switch.
func DecodeAs(b []byte, v any) (Envelope, error) {
	env, err := Decode(b)
	if err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return env, nil
}

// UnmarshalData unmarshals an already-decoded Envelope's Data field
// into v, the concrete data struct for env.Type. Callers that receive
// an Envelope from a dispatcher binding (already validated by Decode)
// use this instead of re-parsing the raw wire bytes.
func UnmarshalData(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// newID returns an unpredictable 128-bit identifier, never derived
// from message content, per spec section 4.1's id guarantee.
func newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure is not recoverable; a v4 UUID with a
		// predictable fallback source would violate the "unpredictable"
		// guarantee, so surface it loudly instead of limping on.
		panic(fmt.Sprintf("envelope: generate id: %v", err))
	}
	return id.String()
}

// NewID returns a fresh unpredictable identifier using the same
// generator as envelope ids, for callers outside this package that
// need to mint their own ids (e.g. a stream chunk's utterance_id).
func NewID() string {
	return newID()
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
