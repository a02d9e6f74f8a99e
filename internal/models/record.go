// Package models provides data model definitions for the sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// RecordType identifies the entity kind of a record.
type RecordType string

// Entity kinds known to the delivery platform. The engine itself treats
// types opaquely; policies are attached per type through configuration.
const (
	TypeProfile        RecordType = "profile"
	TypeOrder          RecordType = "order"
	TypeDriverLocation RecordType = "driver_location"
	TypeProduct        RecordType = "product"
)

// Fields is an ordered-by-key mapping of field name to value.
// Values round-trip through JSON: strings, int64 (cents), float64,
// booleans, timestamps (RFC3339 strings) and nested objects.
type Fields map[string]interface{}

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	data, _ := json.Marshal(f)
	var out Fields
	_ = json.Unmarshal(data, &out)
	return out
}

// Target identifies a single record by (type, id).
type Target struct {
	Type RecordType `json:"type"`
	ID   string     `json:"id"`
}

// Key returns a stable string key for map indexing and per-target locking.
func (t Target) Key() string {
	return string(t.Type) + "/" + t.ID
}

// Record is a versioned snapshot of one remote-store entity.
type Record struct {
	Type       RecordType `db:"record_type" json:"type"`
	ID         string     `db:"id" json:"id"`
	Fields     Fields     `db:"fields" json:"fields"`
	VersionTag string     `db:"version_tag" json:"version_tag,omitempty"`
	UpdatedAt  int64      `db:"updated_at" json:"updated_at"`
	Deleted    bool       `db:"deleted" json:"deleted,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Target returns the (type, id) pair identifying this record.
func (r *Record) Target() Target {
	return Target{Type: r.Type, ID: r.ID}
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	return &out
}
