package models

import "time"

// Op represents a mutation operation type.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is a durable, replayable local edit awaiting remote acknowledgement.
// MutationID keys idempotent dedup on the remote side, so replaying a
// mutation after a crash never duplicates its effect.
type Mutation struct {
	Seq            int64      `db:"seq" json:"-"`
	MutationID     UUID       `db:"mutation_id" json:"mutation_id"`
	Op             Op         `db:"op" json:"op"`
	Type           RecordType `db:"record_type" json:"type"`
	ID             string     `db:"record_id" json:"id"`
	Payload        Fields     `db:"payload" json:"payload,omitempty"`
	BaseFields     Fields     `db:"base_fields" json:"base_fields,omitempty"`
	BaseVersionTag string     `db:"base_version_tag" json:"base_version_tag,omitempty"`
	EnqueuedAt     int64      `db:"enqueued_at" json:"enqueued_at"`
	AttemptCount   int        `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt  int64      `db:"next_attempt_at" json:"next_attempt_at"`
	LastError      string     `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "outbox"
}

// Target returns the (type, id) pair this mutation applies to.
func (m *Mutation) Target() Target {
	return Target{Type: m.Type, ID: m.ID}
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *Mutation) EnqueuedAtTime() time.Time {
	return time.Unix(m.EnqueuedAt, 0)
}

// Clone returns a deep copy of the mutation.
func (m *Mutation) Clone() *Mutation {
	if m == nil {
		return nil
	}
	out := *m
	out.Payload = m.Payload.Clone()
	out.BaseFields = m.BaseFields.Clone()
	return &out
}

// DeadLetter is a mutation permanently excluded from retry, kept with its
// original payload so the caller can correct or discard it.
type DeadLetter struct {
	MutationID     UUID       `db:"mutation_id" json:"mutation_id"`
	Op             Op         `db:"op" json:"op"`
	Type           RecordType `db:"record_type" json:"type"`
	ID             string     `db:"record_id" json:"id"`
	Payload        Fields     `db:"payload" json:"payload,omitempty"`
	BaseVersionTag string     `db:"base_version_tag" json:"base_version_tag,omitempty"`
	EnqueuedAt     int64      `db:"enqueued_at" json:"enqueued_at"`
	FailedAt       int64      `db:"failed_at" json:"failed_at"`
	Error          string     `db:"error" json:"error"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letter"
}
