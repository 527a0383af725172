// Package codec defines the wire schema of request envelopes and result records.
//
// Both are MessagePack maps with short keys. Unknown keys are ignored on decode so
// newer minor versions stay readable; a different major version is rejected outright.
package codec

import (
	"fmt"
	"time"

	brokererrors "github.com/devrev/mimus/internal/errors"
	"github.com/devrev/mimus/internal/model"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type wireVersion struct {
	Major *int `msgpack:"major"`
	Minor int  `msgpack:"minor"`
}

type wireEnvelope struct {
	Version       *wireVersion       `msgpack:"v"`
	CorrelationID *string            `msgpack:"cid"`
	Source        string             `msgpack:"src,omitempty"`
	Operation     *string            `msgpack:"op"`
	Payload       msgpack.RawMessage `msgpack:"payload"`
	IssuedAt      *time.Time         `msgpack:"issued_at"`
	ExpiresAt     *time.Time         `msgpack:"expires_at,omitempty"`
	Attempt       *int               `msgpack:"attempt"`
}

type wireResult struct {
	Version       *wireVersion       `msgpack:"v"`
	CorrelationID *string            `msgpack:"cid"`
	Status        *string            `msgpack:"status"`
	Reason        string             `msgpack:"reason,omitempty"`
	Payload       msgpack.RawMessage `msgpack:"payload,omitempty"`
	CompletedAt   *time.Time         `msgpack:"completed_at"`
	WorkerID      string             `msgpack:"worker,omitempty"`
	Attempts      int                `msgpack:"attempts,omitempty"`
	Affected      int64              `msgpack:"affected,omitempty"`
}

// Codec builds envelopes on the submitting host
type Codec struct {
	source string
	now    func() time.Time
}

// New creates a codec stamping envelopes with the given source host id
func New(source string) *Codec {
	return &Codec{source: source, now: time.Now}
}

// EncodeOption adjusts envelope metadata at encode time
type EncodeOption func(*model.Envelope)

// WithAttempt sets the attempt counter (0 for the first submission)
func WithAttempt(attempt int) EncodeOption {
	return func(e *model.Envelope) { e.Attempt = attempt }
}

// WithDeadline records when the caller stops waiting for the result
func WithDeadline(deadline time.Time) EncodeOption {
	return func(e *model.Envelope) { e.ExpiresAt = deadline.UTC() }
}

// NewCorrelationID returns a fresh correlation id scoped by source host
func NewCorrelationID(source string) string {
	id := uuid.NewString()
	if source == "" {
		return id
	}
	return source + ":" + id
}

// Encode builds a fresh envelope for op/payload and serializes it
func (c *Codec) Encode(op model.Operation, payload interface{}, opts ...EncodeOption) (string, []byte, error) {
	env, err := c.NewEnvelope(op, payload, opts...)
	if err != nil {
		return "", nil, err
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return "", nil, err
	}
	return env.CorrelationID, data, nil
}

// NewEnvelope builds an envelope with a fresh correlation id without serializing it
func (c *Codec) NewEnvelope(op model.Operation, payload interface{}, opts ...EncodeOption) (*model.Envelope, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	body, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	env := &model.Envelope{
		Version:       model.CurrentVersion(),
		CorrelationID: NewCorrelationID(c.source),
		Source:        c.source,
		Operation:     op,
		Payload:       body,
		IssuedAt:      c.now().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// EncodeEnvelope serializes an already built envelope
func EncodeEnvelope(env *model.Envelope) ([]byte, error) {
	major := env.Version.Major
	cid := env.CorrelationID
	op := string(env.Operation)
	issued := env.IssuedAt.UTC()
	attempt := env.Attempt
	w := wireEnvelope{
		Version:       &wireVersion{Major: &major, Minor: env.Version.Minor},
		CorrelationID: &cid,
		Source:        env.Source,
		Operation:     &op,
		Payload:       msgpack.RawMessage(env.Payload),
		IssuedAt:      &issued,
		Attempt:       &attempt,
	}
	if !env.ExpiresAt.IsZero() {
		expires := env.ExpiresAt.UTC()
		w.ExpiresAt = &expires
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope, failing with MalformedEnvelope or UnsupportedVersion
func Decode(data []byte) (*model.Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, brokererrors.MalformedEnvelope("undecodable envelope", err)
	}
	version, err := checkVersion(w.Version)
	if err != nil {
		return nil, err
	}

	switch {
	case w.CorrelationID == nil || *w.CorrelationID == "":
		return nil, brokererrors.MalformedEnvelope("missing correlation id", nil)
	case w.Operation == nil:
		return nil, brokererrors.MalformedEnvelope("missing operation", nil)
	case !model.Operation(*w.Operation).Valid():
		return nil, brokererrors.MalformedEnvelope(fmt.Sprintf("unknown operation %q", *w.Operation), nil)
	case len(w.Payload) == 0:
		return nil, brokererrors.MalformedEnvelope("missing payload", nil)
	case w.IssuedAt == nil:
		return nil, brokererrors.MalformedEnvelope("missing issued_at", nil)
	case w.Attempt == nil || *w.Attempt < 0:
		return nil, brokererrors.MalformedEnvelope("missing or negative attempt", nil)
	}

	env := &model.Envelope{
		Version:       version,
		CorrelationID: *w.CorrelationID,
		Source:        w.Source,
		Operation:     model.Operation(*w.Operation),
		Payload:       []byte(w.Payload),
		IssuedAt:      w.IssuedAt.UTC(),
		Attempt:       *w.Attempt,
	}
	if w.ExpiresAt != nil {
		env.ExpiresAt = w.ExpiresAt.UTC()
	}
	return env, nil
}

// EncodeResult builds and serializes a result record stamped with the current time
func EncodeResult(correlationID string, status model.Status, payload interface{}) ([]byte, error) {
	res := &model.Result{
		Version:       model.CurrentVersion(),
		CorrelationID: correlationID,
		Status:        status,
		CompletedAt:   time.Now().UTC(),
	}
	if status == model.StatusSuccess {
		body, err := MarshalPayload(payload)
		if err != nil {
			return nil, err
		}
		res.Payload = body
	} else if reason, ok := payload.(string); ok {
		res.Reason = reason
	}
	return EncodeResultRecord(res)
}

// EncodeResultRecord serializes a complete result record
func EncodeResultRecord(res *model.Result) ([]byte, error) {
	if !res.Status.Valid() {
		return nil, fmt.Errorf("invalid result status %q", res.Status)
	}
	major := res.Version.Major
	cid := res.CorrelationID
	status := string(res.Status)
	completed := res.CompletedAt.UTC()
	w := wireResult{
		Version:       &wireVersion{Major: &major, Minor: res.Version.Minor},
		CorrelationID: &cid,
		Status:        &status,
		Reason:        res.Reason,
		Payload:       msgpack.RawMessage(res.Payload),
		CompletedAt:   &completed,
		WorkerID:      res.WorkerID,
		Attempts:      res.Attempts,
		Affected:      res.Affected,
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

// DecodeResult parses a result record with the same failure modes as Decode
func DecodeResult(data []byte) (*model.Result, error) {
	var w wireResult
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, brokererrors.MalformedEnvelope("undecodable result", err)
	}
	version, err := checkVersion(w.Version)
	if err != nil {
		return nil, err
	}

	switch {
	case w.CorrelationID == nil || *w.CorrelationID == "":
		return nil, brokererrors.MalformedEnvelope("result missing correlation id", nil)
	case w.Status == nil || !model.Status(*w.Status).Valid():
		return nil, brokererrors.MalformedEnvelope("result missing or unknown status", nil)
	case w.CompletedAt == nil:
		return nil, brokererrors.MalformedEnvelope("result missing completed_at", nil)
	}

	res := &model.Result{
		Version:       version,
		CorrelationID: *w.CorrelationID,
		Status:        model.Status(*w.Status),
		Reason:        w.Reason,
		CompletedAt:   w.CompletedAt.UTC(),
		WorkerID:      w.WorkerID,
		Attempts:      w.Attempts,
		Affected:      w.Affected,
	}
	if len(w.Payload) > 0 {
		res.Payload = []byte(w.Payload)
	}
	return res, nil
}

func checkVersion(v *wireVersion) (model.SchemaVersion, error) {
	if v == nil || v.Major == nil {
		return model.SchemaVersion{}, brokererrors.MalformedEnvelope("missing schema version", nil)
	}
	if *v.Major != model.SchemaMajor {
		return model.SchemaVersion{}, brokererrors.UnsupportedVersion(*v.Major, v.Minor, model.SchemaMajor)
	}
	return model.SchemaVersion{Major: *v.Major, Minor: v.Minor}, nil
}

// MarshalPayload encodes an operation payload or result payload
func MarshalPayload(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload into v
func UnmarshalPayload(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
