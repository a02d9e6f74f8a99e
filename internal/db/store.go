package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/mimisupply/mimisync/internal/errors"
	"github.com/mimisupply/mimisync/internal/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so every store
// operation can run standalone or inside a transaction.
type queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store provides CRUD operations over the sync tables. It is the only
// component allowed direct storage access; the outbox manager and the
// engine go through it exclusively.
type Store struct {
	db *DB
}

// NewStore creates a Store over an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Tx exposes the same operations bound to one transaction. Reconcile
// steps update records, outbox and tokens together through a Tx so a
// crash never leaves torn state.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

func marshalFields(f models.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode fields", err)
	}
	return string(data), nil
}

func unmarshalFields(s string) (models.Fields, error) {
	var f models.Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruption, "failed to decode stored fields", err)
	}
	return f, nil
}

// =====================================================
// Record operations
// =====================================================

func getRecord(q queryer, t models.RecordType, id string) (*models.Record, error) {
	row := q.QueryRow(
		`SELECT record_type, id, fields, version_tag, updated_at, deleted
		 FROM records WHERE record_type = ? AND id = ?`, string(t), id)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var rec models.Record
	var fields string
	err := row.Scan(&rec.Type, &rec.ID, &fields, &rec.VersionTag, &rec.UpdatedAt, &rec.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read record", err)
	}
	if rec.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(q queryer, rec *models.Record) error {
	fields, err := marshalFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO records (record_type, id, fields, version_tag, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_type, id) DO UPDATE SET
			fields = excluded.fields,
			version_tag = excluded.version_tag,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted`,
		string(rec.Type), rec.ID, fields, rec.VersionTag, rec.UpdatedAt, rec.Deleted)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write record", err)
	}
	return nil
}

func deleteRecord(q queryer, t models.RecordType, id string) error {
	if _, err := q.Exec(
		`DELETE FROM records WHERE record_type = ? AND id = ?`, string(t), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}

func setRecordVersionTag(q queryer, t models.RecordType, id, tag string) error {
	if _, err := q.Exec(
		`UPDATE records SET version_tag = ? WHERE record_type = ? AND id = ?`,
		tag, string(t), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to advance version tag", err)
	}
	return nil
}

// GetRecord returns the record for (type, id), or nil if absent.
func (s *Store) GetRecord(t models.RecordType, id string) (*models.Record, error) {
	return getRecord(s.db, t, id)
}

// PutRecord inserts or overwrites a record.
func (s *Store) PutRecord(rec *models.Record) error {
	return putRecord(s.db, rec)
}

// DeleteRecord removes a record row entirely.
func (s *Store) DeleteRecord(t models.RecordType, id string) error {
	return deleteRecord(s.db, t, id)
}

// ListRecords returns all non-deleted records of a type.
func (s *Store) ListRecords(t models.RecordType) ([]*models.Record, error) {
	rows, err := s.db.Query(
		`SELECT record_type, id, fields, version_tag, updated_at, deleted
		 FROM records WHERE record_type = ? AND deleted = 0 ORDER BY id`, string(t))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		var rec models.Record
		var fields string
		if err := rows.Scan(&rec.Type, &rec.ID, &fields, &rec.VersionTag, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		if rec.Fields, err = unmarshalFields(fields); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (t *Tx) GetRecord(rt models.RecordType, id string) (*models.Record, error) {
	return getRecord(t.tx, rt, id)
}

func (t *Tx) PutRecord(rec *models.Record) error {
	return putRecord(t.tx, rec)
}

func (t *Tx) DeleteRecord(rt models.RecordType, id string) error {
	return deleteRecord(t.tx, rt, id)
}

// =====================================================
// Outbox operations
// =====================================================

func insertMutation(q queryer, m *models.Mutation) error {
	payload, err := marshalFields(m.Payload)
	if err != nil {
		return err
	}
	base, err := marshalFields(m.BaseFields)
	if err != nil {
		return err
	}
	res, err := q.Exec(
		`INSERT INTO outbox (mutation_id, op, record_type, record_id, payload,
			base_fields, base_version_tag, enqueued_at, attempt_count, next_attempt_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MutationID.String(), string(m.Op), string(m.Type), m.ID, payload,
		base, m.BaseVersionTag, m.EnqueuedAt, m.AttemptCount, m.NextAttemptAt, m.LastError)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue mutation", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}
	return nil
}

func scanMutations(rows *sql.Rows) ([]*models.Mutation, error) {
	defer rows.Close()
	var out []*models.Mutation
	for rows.Next() {
		var m models.Mutation
		var payload, base string
		if err := rows.Scan(&m.Seq, &m.MutationID, &m.Op, &m.Type, &m.ID, &payload,
			&base, &m.BaseVersionTag, &m.EnqueuedAt, &m.AttemptCount, &m.NextAttemptAt, &m.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan mutation", err)
		}
		var err error
		if m.Payload, err = unmarshalFields(payload); err != nil {
			return nil, err
		}
		if m.BaseFields, err = unmarshalFields(base); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

const mutationColumns = `seq, mutation_id, op, record_type, record_id, payload,
	base_fields, base_version_tag, enqueued_at, attempt_count, next_attempt_at, last_error`

func pendingMutations(q queryer, target *models.Target) ([]*models.Mutation, error) {
	var rows *sql.Rows
	var err error
	if target == nil {
		rows, err = q.Query(`SELECT `+mutationColumns+` FROM outbox ORDER BY seq`)
	} else {
		rows, err = q.Query(
			`SELECT `+mutationColumns+` FROM outbox
			 WHERE record_type = ? AND record_id = ? ORDER BY seq`,
			string(target.Type), target.ID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list outbox", err)
	}
	return scanMutations(rows)
}

func deleteMutation(q queryer, id models.UUID) error {
	if _, err := q.Exec(`DELETE FROM outbox WHERE mutation_id = ?`, id.String()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove mutation", err)
	}
	return nil
}

// PendingMutations returns queued mutations in enqueue order, optionally
// filtered to one target.
func (s *Store) PendingMutations(target *models.Target) ([]*models.Mutation, error) {
	return pendingMutations(s.db, target)
}

// GetMutation returns one queued mutation by id, or nil if absent.
func (s *Store) GetMutation(id models.UUID) (*models.Mutation, error) {
	rows, err := s.db.Query(`SELECT `+mutationColumns+` FROM outbox WHERE mutation_id = ?`, id.String())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read mutation", err)
	}
	muts, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, nil
	}
	return muts[0], nil
}

// InsertMutation appends a mutation to the outbox.
func (s *Store) InsertMutation(m *models.Mutation) error {
	return insertMutation(s.db, m)
}

func updateMutation(q queryer, m *models.Mutation) error {
	payload, err := marshalFields(m.Payload)
	if err != nil {
		return err
	}
	base, err := marshalFields(m.BaseFields)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`UPDATE outbox SET payload = ?, base_fields = ?, base_version_tag = ?,
			attempt_count = ?, next_attempt_at = ?, last_error = ?
		 WHERE mutation_id = ?`,
		payload, base, m.BaseVersionTag, m.AttemptCount, m.NextAttemptAt, m.LastError,
		m.MutationID.String())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update mutation", err)
	}
	return nil
}

// UpdateMutation rewrites a queued mutation's payload, base snapshot and
// retry bookkeeping in place. Used for update collapsing and conflict rebase.
// The mutation keeps its seq, so collapsing never reorders the queue.
func (s *Store) UpdateMutation(m *models.Mutation) error {
	return updateMutation(s.db, m)
}

// ResetOutboxBackoff clears every mutation's retry timer. Used on
// reconnect, when backoff calibrated for a dead network no longer applies.
func (s *Store) ResetOutboxBackoff() error {
	if _, err := s.db.Exec(`UPDATE outbox SET next_attempt_at = 0`); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset backoff", err)
	}
	return nil
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count outbox", err)
	}
	return n, nil
}

func (t *Tx) PendingMutations(target *models.Target) ([]*models.Mutation, error) {
	return pendingMutations(t.tx, target)
}

func (t *Tx) InsertMutation(m *models.Mutation) error {
	return insertMutation(t.tx, m)
}

func (t *Tx) DeleteMutation(id models.UUID) error {
	return deleteMutation(t.tx, id)
}

func (t *Tx) UpdateMutation(m *models.Mutation) error {
	return updateMutation(t.tx, m)
}

// DeleteMutationsForTarget removes every queued mutation for a target.
func (t *Tx) DeleteMutationsForTarget(target models.Target) error {
	if _, err := t.tx.Exec(
		`DELETE FROM outbox WHERE record_type = ? AND record_id = ?`,
		string(target.Type), target.ID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to collapse outbox", err)
	}
	return nil
}

// MarkSent removes an acknowledged mutation and advances the record's
// version tag in the same transaction. A delete acknowledgement removes
// the local record row.
func (s *Store) MarkSent(id models.UUID, newVersionTag string) error {
	return s.WithTx(func(tx *Tx) error {
		m, err := txGetMutation(tx.tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not in outbox", id))
		}
		if err := deleteMutation(tx.tx, id); err != nil {
			return err
		}
		if m.Op == models.OpDelete {
			return deleteRecord(tx.tx, m.Type, m.ID)
		}
		return setRecordVersionTag(tx.tx, m.Type, m.ID, newVersionTag)
	})
}

func txGetMutation(q queryer, id models.UUID) (*models.Mutation, error) {
	rows, err := q.Query(`SELECT `+mutationColumns+` FROM outbox WHERE mutation_id = ?`, id.String())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read mutation", err)
	}
	muts, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, nil
	}
	return muts[0], nil
}

// MoveToDeadLetter removes a mutation from the outbox and records it on
// the dead-letter list with its original payload.
func (s *Store) MoveToDeadLetter(id models.UUID, cause string) error {
	return s.WithTx(func(tx *Tx) error {
		m, err := txGetMutation(tx.tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not in outbox", id))
		}
		payload, err := marshalFields(m.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.tx.Exec(
			`INSERT INTO dead_letter (mutation_id, op, record_type, record_id, payload,
				base_version_tag, enqueued_at, failed_at, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MutationID.String(), string(m.Op), string(m.Type), m.ID, payload,
			m.BaseVersionTag, m.EnqueuedAt, time.Now().Unix(), cause); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to dead-letter mutation", err)
		}
		return deleteMutation(tx.tx, id)
	})
}

// DeadLetters returns all dead-lettered mutations.
func (s *Store) DeadLetters() ([]*models.DeadLetter, error) {
	rows, err := s.db.Query(
		`SELECT mutation_id, op, record_type, record_id, payload,
			base_version_tag, enqueued_at, failed_at, error
		 FROM dead_letter ORDER BY failed_at`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var d models.DeadLetter
		var payload string
		if err := rows.Scan(&d.MutationID, &d.Op, &d.Type, &d.ID, &payload,
			&d.BaseVersionTag, &d.EnqueuedAt, &d.FailedAt, &d.Error); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan dead letter", err)
		}
		if d.Payload, err = unmarshalFields(payload); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDeadLetter discards a dead-lettered mutation permanently.
func (s *Store) DeleteDeadLetter(id models.UUID) error {
	if _, err := s.db.Exec(`DELETE FROM dead_letter WHERE mutation_id = ?`, id.String()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete dead letter", err)
	}
	return nil
}

// =====================================================
// Change token operations
// =====================================================

// Token returns the change token for a partition, zero if never pulled.
func (s *Store) Token(p models.Partition) (models.ChangeToken, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM tokens WHERE partition = ?`, string(p)).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to read change token", err)
	}
	return models.ChangeToken(token), nil
}

// SetToken advances a partition's change token. Only valid inside the
// transaction that durably applied the pulled batch.
func (t *Tx) SetToken(p models.Partition, token models.ChangeToken) error {
	if _, err := t.tx.Exec(
		`INSERT INTO tokens (partition, token) VALUES (?, ?)
		 ON CONFLICT(partition) DO UPDATE SET token = excluded.token`,
		string(p), token.String()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to advance change token", err)
	}
	return nil
}

// =====================================================
// Conflict operations
// =====================================================

func marshalRecord(r *models.Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}
	return string(data), nil
}

func insertConflict(q queryer, c *models.ConflictRecord) error {
	local, err := marshalRecord(c.Local)
	if err != nil {
		return err
	}
	remote, err := marshalRecord(c.Remote)
	if err != nil {
		return err
	}
	_, err = q.Exec(
		`INSERT INTO conflicts (id, record_type, record_id, local_record, remote_record,
			mutation_id, state, detected_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), string(c.Type), c.RecordID, local, remote,
		c.MutationID.String(), string(c.State), c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record conflict", err)
	}
	return nil
}

// InsertConflict stores a new conflict record.
func (s *Store) InsertConflict(c *models.ConflictRecord) error {
	return insertConflict(s.db, c)
}

func (t *Tx) InsertConflict(c *models.ConflictRecord) error {
	return insertConflict(t.tx, c)
}

func scanConflicts(rows *sql.Rows) ([]*models.ConflictRecord, error) {
	defer rows.Close()
	var out []*models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		var local, remote string
		if err := rows.Scan(&c.ID, &c.Type, &c.RecordID, &local, &remote,
			&c.MutationID, &c.State, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict", err)
		}
		if err := json.Unmarshal([]byte(local), &c.Local); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruption, "failed to decode conflict local record", err)
		}
		if err := json.Unmarshal([]byte(remote), &c.Remote); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruption, "failed to decode conflict remote record", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

const conflictColumns = `id, record_type, record_id, local_record, remote_record,
	mutation_id, state, detected_at, resolved_at`

// GetConflict returns one conflict by id, or nil if absent.
func (s *Store) GetConflict(id models.UUID) (*models.ConflictRecord, error) {
	rows, err := s.db.Query(`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id.String())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict", err)
	}
	cs, err := scanConflicts(rows)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, nil
	}
	return cs[0], nil
}

// PendingConflicts returns all conflicts awaiting resolution.
func (s *Store) PendingConflicts() ([]*models.ConflictRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+conflictColumns+` FROM conflicts WHERE state = ? ORDER BY detected_at`,
		string(models.ConflictPending))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	return scanConflicts(rows)
}

// PendingConflictTargets returns the target keys currently halted by a
// pending conflict. The outbox excludes these from push batches.
func (s *Store) PendingConflictTargets() (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT record_type, record_id FROM conflicts WHERE state = ?`,
		string(models.ConflictPending))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list halted targets", err)
	}
	defer rows.Close()

	halted := make(map[string]bool)
	for rows.Next() {
		var t models.RecordType
		var id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan halted target", err)
		}
		halted[models.Target{Type: t, ID: id}.Key()] = true
	}
	return halted, rows.Err()
}

// SetConflictState transitions a conflict's resolution state.
func (t *Tx) SetConflictState(id models.UUID, state models.ConflictState) error {
	resolvedAt := int64(0)
	if state != models.ConflictPending {
		resolvedAt = time.Now().Unix()
	}
	if _, err := t.tx.Exec(
		`UPDATE conflicts SET state = ?, resolved_at = ? WHERE id = ?`,
		string(state), resolvedAt, id.String()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update conflict state", err)
	}
	return nil
}
