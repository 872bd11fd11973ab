// Package events is the typed, append-only event log and its disposable
// sqlite index.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	TypeRunCreated            = "run.created"
	TypeRunCompleted          = "run.completed"
	TypeRunFailed             = "run.failed"
	TypeArtifactPublished     = "artifact.published"
	TypeArtifactStatusChanged = "artifact.status_changed"
	TypeRunSetResolved        = "runset.resolved"
	TypeRunSetFrozen          = "runset.frozen"
)

// Payload is implemented only by the event variants in this package.
type Payload interface {
	EventType() string
	validate() error
}

type RunCreated struct {
	RunID      string   `json:"runId"`
	DatasetIDs []string `json:"datasetIds,omitempty"`
	Caller     string   `json:"caller,omitempty"`
}

type RunCompleted struct {
	RunID       string   `json:"runId"`
	ArtifactIDs []string `json:"artifactIds"`
}

type RunFailed struct {
	RunID string `json:"runId"`
	Error string `json:"error"`
}

type ArtifactPublished struct {
	ArtifactID   string `json:"artifactId"`
	ArtifactType string `json:"artifactType"`
	LogicalKey   string `json:"logicalKey"`
	ContentHash  string `json:"contentHash"`
}

type ArtifactStatusChanged struct {
	ArtifactID string `json:"artifactId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason,omitempty"`
}

type RunSetResolved struct {
	RunSetID       string `json:"runsetId"`
	ResolutionID   string `json:"resolutionId"`
	ResolutionHash string `json:"resolutionHash"`
	RunCount       int    `json:"runCount"`
	ArtifactCount  int    `json:"artifactCount"`
}

type RunSetFrozen struct {
	RunSetID     string `json:"runsetId"`
	ResolutionID string `json:"resolutionId"`
}

func (RunCreated) EventType() string            { return TypeRunCreated }
func (RunCompleted) EventType() string          { return TypeRunCompleted }
func (RunFailed) EventType() string             { return TypeRunFailed }
func (ArtifactPublished) EventType() string     { return TypeArtifactPublished }
func (ArtifactStatusChanged) EventType() string { return TypeArtifactStatusChanged }
func (RunSetResolved) EventType() string        { return TypeRunSetResolved }
func (RunSetFrozen) EventType() string          { return TypeRunSetFrozen }

func (p RunCreated) validate() error { return required("runId", p.RunID) }

func (p RunCompleted) validate() error {
	if p.ArtifactIDs == nil {
		return errors.New("artifactIds is required")
	}
	return required("runId", p.RunID)
}

func (p RunFailed) validate() error {
	return required("runId", p.RunID, "error", p.Error)
}

func (p ArtifactPublished) validate() error {
	return required("artifactId", p.ArtifactID, "artifactType", p.ArtifactType, "contentHash", p.ContentHash)
}

func (p ArtifactStatusChanged) validate() error {
	return required("artifactId", p.ArtifactID, "from", p.From, "to", p.To)
}

func (p RunSetResolved) validate() error {
	return required("runsetId", p.RunSetID, "resolutionId", p.ResolutionID, "resolutionHash", p.ResolutionHash)
}

func (p RunSetFrozen) validate() error {
	return required("runsetId", p.RunSetID, "resolutionId", p.ResolutionID)
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

// Event is one entry of the log.
type Event struct {
	EventID     string
	EventType   string
	TimestampMs int64
	Payload     Payload
}

var decoders = map[string]func([]byte) (Payload, error){
	TypeRunCreated:            decodeAs[RunCreated],
	TypeRunCompleted:          decodeAs[RunCompleted],
	TypeRunFailed:             decodeAs[RunFailed],
	TypeArtifactPublished:     decodeAs[ArtifactPublished],
	TypeArtifactStatusChanged: decodeAs[ArtifactStatusChanged],
	TypeRunSetResolved:        decodeAs[RunSetResolved],
	TypeRunSetFrozen:          decodeAs[RunSetFrozen],
}

// Types lists every registered event type.
func Types() []string {
	out := make([]string, 0, len(decoders))
	for t := range decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// KnownType reports whether t has a registered decoder.
func KnownType(t string) bool {
	_, ok := decoders[t]
	return ok
}

// DecodePayload strictly decodes the payload fields of one event type.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	decode, ok := decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	p, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var envelopeKeys = []string{"eventType", "eventId", "timestampMs"}

// Encode renders the flat wire form: envelope keys and payload fields in
// one object with sorted keys.
func Encode(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, errors.New("event payload is required")
	}
	if ev.EventType == "" {
		ev.EventType = ev.Payload.EventType()
	}
	if ev.EventType != ev.Payload.EventType() {
		return nil, fmt.Errorf("event type %s does not match payload %s", ev.EventType, ev.Payload.EventType())
	}
	if err := ev.Payload.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ev.EventType, err)
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	for _, k := range envelopeKeys {
		if _, clash := fields[k]; clash {
			return nil, fmt.Errorf("payload field %s collides with the envelope", k)
		}
	}
	fields["eventType"], _ = json.Marshal(ev.EventType)
	fields["eventId"], _ = json.Marshal(ev.EventID)
	fields["timestampMs"], _ = json.Marshal(ev.TimestampMs)
	return json.Marshal(fields)
}

// Decode parses and strictly validates one wire-form line.
func Decode(line []byte) (Event, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	var ev Event
	if err := envelopeField(fields, "eventType", &ev.EventType); err != nil {
		return Event{}, err
	}
	if err := envelopeField(fields, "eventId", &ev.EventID); err != nil {
		return Event{}, err
	}
	if err := envelopeField(fields, "timestampMs", &ev.TimestampMs); err != nil {
		return Event{}, err
	}
	if ev.EventType == "" || ev.EventID == "" || ev.TimestampMs <= 0 {
		return Event{}, errors.New("decode event: eventType, eventId and timestampMs are required")
	}
	decode, ok := decoders[ev.EventType]
	if !ok {
		return Event{}, fmt.Errorf("decode event: unknown event type %q", ev.EventType)
	}
	for _, k := range envelopeKeys {
		delete(fields, k)
	}
	rest, err := json.Marshal(fields)
	if err != nil {
		return Event{}, err
	}
	payload, err := decode(rest)
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", ev.EventType, err)
	}
	ev.Payload = payload
	return ev, nil
}

func envelopeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("decode event: missing %s", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event: %s: %w", key, err)
	}
	return nil
}
