// Package outbox manages the durable queue of not-yet-acknowledged local
// mutations: enqueue with collapsing, batch peek for push, acknowledgement
// and dead-lettering.
package outbox

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mimisupply/mimisync/internal/config"
	"github.com/mimisupply/mimisync/internal/db"
	apperrors "github.com/mimisupply/mimisync/internal/errors"
	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
	"github.com/mimisupply/mimisync/internal/uuid"
)

// Manager owns all outbox access. Enqueue never touches the network; it
// fails only on local storage errors.
type Manager struct {
	store   *db.Store
	backoff config.Backoff

	mu sync.Mutex

	// jitter picks a delay in [0, max); swapped out in tests.
	jitter func(max time.Duration) time.Duration
}

// NewManager creates a Manager over the local store.
func NewManager(store *db.Store, backoff config.Backoff) *Manager {
	return &Manager{
		store:   store,
		backoff: backoff,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Enqueue durably appends a mutation and applies it to the local record
// optimistically, so reads observe the edit before sync completes.
//
// Collapsing rules:
//   - an update for a target with a queued unsent create or update merges
//     its payload field by field into the queued mutation
//   - a delete supersedes and removes prior queued mutations; a delete
//     after an unsent create cancels both (the remote never saw the record)
func (m *Manager) Enqueue(op models.Op, target models.Target, payload models.Fields) (models.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().Unix()
	mutationID := models.UUID(uuid.New())

	err := m.store.WithTx(func(tx *db.Tx) error {
		record, err := tx.GetRecord(target.Type, target.ID)
		if err != nil {
			return err
		}
		pending, err := tx.PendingMutations(&target)
		if err != nil {
			return err
		}

		switch op {
		case models.OpCreate:
			if record != nil && !record.Deleted {
				return apperrors.New(apperrors.ErrDuplicate,
					fmt.Sprintf("record %s already exists", target.Key()))
			}
			if err := tx.PutRecord(&models.Record{
				Type:      target.Type,
				ID:        target.ID,
				Fields:    payload.Clone(),
				UpdatedAt: now,
			}); err != nil {
				return err
			}
			return tx.InsertMutation(&models.Mutation{
				MutationID: mutationID,
				Op:         models.OpCreate,
				Type:       target.Type,
				ID:         target.ID,
				Payload:    payload.Clone(),
				EnqueuedAt: now,
			})

		case models.OpUpdate:
			if record == nil || record.Deleted {
				return apperrors.New(apperrors.ErrNotFound,
					fmt.Sprintf("record %s does not exist", target.Key()))
			}

			updated := record.Clone()
			if updated.Fields == nil {
				updated.Fields = models.Fields{}
			}
			for name, value := range payload {
				updated.Fields[name] = value
			}
			updated.UpdatedAt = now
			if err := tx.PutRecord(updated); err != nil {
				return err
			}

			if existing := collapsible(pending); existing != nil {
				if existing.Payload == nil {
					existing.Payload = models.Fields{}
				}
				for name, value := range payload {
					existing.Payload[name] = value
				}
				mutationID = existing.MutationID
				return tx.UpdateMutation(existing)
			}

			return tx.InsertMutation(&models.Mutation{
				MutationID:     mutationID,
				Op:             models.OpUpdate,
				Type:           target.Type,
				ID:             target.ID,
				Payload:        payload.Clone(),
				BaseFields:     record.Fields.Clone(),
				BaseVersionTag: record.VersionTag,
				EnqueuedAt:     now,
			})

		case models.OpDelete:
			if record == nil || record.Deleted {
				return apperrors.New(apperrors.ErrNotFound,
					fmt.Sprintf("record %s does not exist", target.Key()))
			}

			unsentCreate := false
			for _, p := range pending {
				if p.Op == models.OpCreate {
					unsentCreate = true
				}
			}
			if err := tx.DeleteMutationsForTarget(target); err != nil {
				return err
			}
			if unsentCreate {
				// The remote never saw this record; nothing to send.
				return tx.DeleteRecord(target.Type, target.ID)
			}

			tombstone := record.Clone()
			tombstone.Deleted = true
			tombstone.UpdatedAt = now
			if err := tx.PutRecord(tombstone); err != nil {
				return err
			}
			return tx.InsertMutation(&models.Mutation{
				MutationID:     mutationID,
				Op:             models.OpDelete,
				Type:           target.Type,
				ID:             target.ID,
				BaseFields:     record.Fields.Clone(),
				BaseVersionTag: record.VersionTag,
				EnqueuedAt:     now,
			})

		default:
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown op %q", op))
		}
	})
	if err != nil {
		return "", err
	}

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"mutation_id": mutationID.String(),
		"op":          string(op),
		"target":      target.Key(),
	})
	return mutationID, nil
}

// collapsible returns the queued mutation an update may merge into.
// Collapsing keeps at most one pending mutation per target.
func collapsible(pending []*models.Mutation) *models.Mutation {
	for _, p := range pending {
		if p.Op == models.OpCreate || p.Op == models.OpUpdate {
			return p
		}
	}
	return nil
}

// PeekBatch returns up to maxN of the oldest unsent mutations, one per
// target, excluding in-flight targets, targets halted by a pending
// conflict and mutations still inside their backoff window.
func (m *Manager) PeekBatch(maxN int, exclude map[string]bool) ([]*models.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.store.PendingMutations(nil)
	if err != nil {
		return nil, err
	}
	halted, err := m.store.PendingConflictTargets()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	seen := make(map[string]bool)
	var batch []*models.Mutation

	for _, mut := range pending {
		key := mut.Target().Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		if exclude[key] || halted[key] || mut.NextAttemptAt > now {
			continue
		}
		batch = append(batch, mut)
		if len(batch) >= maxN {
			break
		}
	}
	return batch, nil
}

// MarkSent removes an acknowledged mutation and advances the record's
// version tag atomically.
func (m *Manager) MarkSent(id models.UUID, newVersionTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.MarkSent(id, newVersionTag); err != nil {
		return err
	}
	logging.Debug("Mutation acknowledged", map[string]interface{}{
		"mutation_id": id.String(),
		"version_tag": newVersionTag,
	})
	return nil
}

// MarkFailed records a push failure. Retryable failures reschedule the
// mutation with exponential backoff and full jitter; permanent failures
// move it to the dead-letter list.
func (m *Manager) MarkFailed(id models.UUID, cause error, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !retryable {
		logging.Warn("Mutation dead-lettered", map[string]interface{}{
			"mutation_id": id.String(),
			"error":       cause.Error(),
		})
		return m.store.MoveToDeadLetter(id, cause.Error())
	}

	mut, err := m.store.GetMutation(id)
	if err != nil {
		return err
	}
	if mut == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not in outbox", id))
	}

	mut.AttemptCount++
	mut.LastError = cause.Error()
	delay := m.nextDelay(mut.AttemptCount)
	mut.NextAttemptAt = time.Now().Add(delay).Unix()

	if err := m.store.UpdateMutation(mut); err != nil {
		return err
	}
	logging.Info("Mutation retry scheduled", map[string]interface{}{
		"mutation_id": id.String(),
		"attempt":     mut.AttemptCount,
		"delay":       delay.String(),
		"error":       cause.Error(),
	})
	return nil
}

// nextDelay computes the backoff for an attempt count: full jitter over
// an exponentially growing window, capped.
func (m *Manager) nextDelay(attempts int) time.Duration {
	window := m.backoff.Base
	for i := 1; i < attempts; i++ {
		window *= 2
		if window >= m.backoff.Cap {
			window = m.backoff.Cap
			break
		}
	}
	delay := m.jitter(window)
	// next_attempt_at has second granularity; a sub-second delay would
	// round to an immediate retry.
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// Rewrite replaces a queued mutation in place after a conflict rebase.
func (m *Manager) Rewrite(mut *models.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.UpdateMutation(mut)
}

// ResetBackoff clears retry timers for every queued mutation so a
// reconnect-triggered sync can push immediately.
func (m *Manager) ResetBackoff() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ResetOutboxBackoff()
}

// PendingCount returns the number of queued mutations.
func (m *Manager) PendingCount() (int, error) {
	return m.store.PendingCount()
}

// DeadLetters returns the mutations permanently excluded from retry.
func (m *Manager) DeadLetters() ([]*models.DeadLetter, error) {
	return m.store.DeadLetters()
}

// RequeueDeadLetter moves a corrected dead-letter mutation back into the
// outbox with its retry state reset.
func (m *Manager) RequeueDeadLetter(id models.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	letters, err := m.store.DeadLetters()
	if err != nil {
		return err
	}
	for _, d := range letters {
		if d.MutationID != id {
			continue
		}
		err := m.store.WithTx(func(tx *db.Tx) error {
			return tx.InsertMutation(&models.Mutation{
				MutationID:     d.MutationID,
				Op:             d.Op,
				Type:           d.Type,
				ID:             d.ID,
				Payload:        d.Payload.Clone(),
				BaseVersionTag: d.BaseVersionTag,
				EnqueuedAt:     time.Now().Unix(),
			})
		})
		if err != nil {
			return err
		}
		return m.store.DeleteDeadLetter(id)
	}
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead letter %s not found", id))
}
