package model

import (
	"fmt"
	"time"
)

// Current wire schema. Decoders reject a different major version.
const (
	SchemaMajor = 1
	SchemaMinor = 0
)

// Operation is the tag of a storage operation carried by an envelope
type Operation string

const (
	OpReadPlayer   Operation = "read_player"
	OpCreatePlayer Operation = "create_player"
	OpUpsertPlayer Operation = "upsert_player"
	OpReadCards    Operation = "read_cards"
	OpUpsertCard   Operation = "upsert_card"
	OpRetireCards  Operation = "retire_cards"
)

var knownOperations = map[Operation]bool{
	OpReadPlayer:   true,
	OpCreatePlayer: true,
	OpUpsertPlayer: true,
	OpReadCards:    true,
	OpUpsertCard:   true,
	OpRetireCards:  true,
}

// Valid reports whether the operation belongs to the current schema
func (o Operation) Valid() bool {
	return knownOperations[o]
}

// IsRead reports whether the operation leaves backend state untouched
func (o Operation) IsRead() bool {
	return o == OpReadPlayer || o == OpReadCards
}

// Operations lists the supported operation tags
func Operations() []Operation {
	return []Operation{OpReadPlayer, OpCreatePlayer, OpUpsertPlayer, OpReadCards, OpUpsertCard, OpRetireCards}
}

// SchemaVersion is the envelope schema version
type SchemaVersion struct {
	Major int
	Minor int
}

// CurrentVersion returns the version this build writes
func CurrentVersion() SchemaVersion {
	return SchemaVersion{Major: SchemaMajor, Minor: SchemaMinor}
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Envelope is a storage request as published to the request queue.
// It is immutable once published.
type Envelope struct {
	Version       SchemaVersion
	CorrelationID string
	Source        string
	Operation     Operation
	Payload       []byte // msgpack encoded, operation specific
	IssuedAt      time.Time
	ExpiresAt     time.Time // zero when the caller gave no deadline
	Attempt       int
}

// Expired reports whether the submitting caller has stopped waiting for this request
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Age returns how long the envelope has been in flight
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.IssuedAt)
}

// Status is the terminal state of a request
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Valid reports whether the status is known
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Result is the record a worker writes to the result store under the correlation id
type Result struct {
	Version       SchemaVersion
	CorrelationID string
	Status        Status
	Reason        string // failure only
	Payload       []byte // msgpack encoded, empty on failure
	CompletedAt   time.Time
	WorkerID      string
	Attempts      int
	Affected      int64
}

// Succeeded reports whether the result carries a success status
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}
