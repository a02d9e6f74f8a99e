package models

import "time"

// ConflictState tracks the lifecycle of an unresolved conflict.
type ConflictState string

const (
	ConflictPending        ConflictState = "pending"
	ConflictResolvedLocal  ConflictState = "resolved_local"
	ConflictResolvedRemote ConflictState = "resolved_remote"
	ConflictResolvedMerged ConflictState = "resolved_merged"
	ConflictEscalated      ConflictState = "escalated"
)

// ConflictRecord holds both sides of a concurrent edit the resolver could
// not merge automatically. Pushes for the target stay halted until the
// conflict leaves the pending state.
type ConflictRecord struct {
	ID         UUID          `db:"id" json:"id"`
	Type       RecordType    `db:"record_type" json:"type"`
	RecordID   string        `db:"record_id" json:"record_id"`
	Local      *Record       `db:"local_record" json:"local"`
	Remote     *Record       `db:"remote_record" json:"remote"`
	MutationID UUID          `db:"mutation_id" json:"mutation_id,omitempty"`
	State      ConflictState `db:"state" json:"state"`
	DetectedAt int64         `db:"detected_at" json:"detected_at"`
	ResolvedAt int64         `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// Target returns the (type, id) pair the conflict is about.
func (c *ConflictRecord) Target() Target {
	return Target{Type: c.Type, ID: c.RecordID}
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
