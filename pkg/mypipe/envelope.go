package mypipe

import (
	"fmt"
	"time"
)

const EnvelopeVersion = "1"

// Envelope is a pipe message as stored in a relay stream.
type Envelope struct {
	ID         string // Stream entry ID, set on read
	Version    string // Envelope version, always "1"
	Payload    []byte // Message bytes, stored verbatim
	ProducedAt string // RFC 3339 timestamp, set on export if empty
	Producer   string // Exporting process (optional)
	TraceID    string // Correlation ID (optional)
}

// ToStreamFields converts the envelope to a flat map suitable for XADD.
func (e *Envelope) ToStreamFields() map[string]interface{} {
	fields := make(map[string]interface{})

	fields["v"] = EnvelopeVersion
	fields["payload"] = string(e.Payload)

	if e.ProducedAt == "" {
		fields["produced_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	} else {
		fields["produced_at"] = e.ProducedAt
	}

	if e.Producer != "" {
		fields["producer"] = e.Producer
	}
	if e.TraceID != "" {
		fields["trace_id"] = e.TraceID
	}

	return fields
}

// EnvelopeFromStreamFields parses an Envelope from Redis stream fields.
//
// Returns ErrMessageTrimmed if fields is nil, ErrUnknownVersion if v is not
// "1" and a MissingFieldError if payload is absent. A missing v is read as
// version "1".
func EnvelopeFromStreamFields(id string, fields map[string]interface{}) (*Envelope, error) {
	if fields == nil {
		return nil, ErrMessageTrimmed
	}

	env := &Envelope{
		ID:      id,
		Version: EnvelopeVersion,
	}

	if v, ok := fields["v"]; ok {
		vStr, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field 'v' is not a string")
		}
		if vStr != EnvelopeVersion {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, vStr)
		}
	}

	payloadVal, ok := fields["payload"]
	if !ok {
		return nil, &MissingFieldError{Field: "payload"}
	}
	payloadStr, ok := payloadVal.(string)
	if !ok {
		return nil, fmt.Errorf("field 'payload' is not a string")
	}
	env.Payload = []byte(payloadStr)

	if v, ok := fields["produced_at"].(string); ok {
		env.ProducedAt = v
	}
	if v, ok := fields["producer"].(string); ok {
		env.Producer = v
	}
	if v, ok := fields["trace_id"].(string); ok {
		env.TraceID = v
	}

	return env, nil
}
