package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mimisupply/mimisync/internal/config"
	"github.com/mimisupply/mimisync/internal/db"
	apperrors "github.com/mimisupply/mimisync/internal/errors"
	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
	"github.com/mimisupply/mimisync/internal/sync/conflict"
	"github.com/mimisupply/mimisync/internal/sync/outbox"
	"github.com/mimisupply/mimisync/internal/uuid"
)

// State is the engine's sync-cycle state.
type State string

const (
	StateIdle        State = "idle"
	StatePushing     State = "pushing"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StateError       State = "error"
	StateDegraded    State = "degraded"
)

// Engine orchestrates push and pull cycles, invoking the conflict
// resolver on collisions and advancing change tokens only after pulled
// batches are durably merged. Remote errors never propagate to callers;
// they surface through LastSyncError and the observe streams.
type Engine struct {
	cfg      *config.Config
	store    *db.Store
	outbox   *outbox.Manager
	resolver *conflict.Resolver
	remote   RemoteStore

	// runMu serializes sync cycles: one logical sync worker.
	runMu sync.Mutex

	mu          sync.Mutex
	state       State
	lastErr     error
	lastSync    *time.Time
	online      bool
	consecutive int
	inflight    map[string]bool

	locks *targetLocks

	records   *bus[*models.Record]
	conflicts *bus[*models.ConflictRecord]
}

// New constructs an engine instance. All collaborators are explicit;
// multiple isolated instances can coexist in tests.
func New(cfg *config.Config, store *db.Store, remote RemoteStore) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		outbox:    outbox.NewManager(store, cfg.Backoff),
		resolver:  conflict.NewResolver(cfg.Policies),
		remote:    remote,
		state:     StateIdle,
		online:    true,
		inflight:  make(map[string]bool),
		locks:     newTargetLocks(),
		records:   newBus[*models.Record](),
		conflicts: newBus[*models.ConflictRecord](),
	}
}

// Outbox exposes the outbox manager for callers that inspect pending or
// dead-lettered mutations.
func (e *Engine) Outbox() *outbox.Manager {
	return e.outbox
}

// ResetBackoff clears retry timers on every queued mutation. Called on
// reconnect so the next cycle pushes immediately.
func (e *Engine) ResetBackoff() error {
	return e.outbox.ResetBackoff()
}

// State returns the current sync state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSyncError returns the error from the most recent failed cycle,
// nil after a clean one.
func (e *Engine) LastSyncError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSync returns the completion time of the last successful cycle.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// SetOnline records the reachability signal. The retry ceiling applies
// only while online; offline retries are unbounded.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
	if !online {
		e.consecutive = 0
	}
}

// Online reports the last reachability signal.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Enqueue durably queues a local mutation and applies it optimistically.
// It never blocks on the network.
func (e *Engine) Enqueue(op models.Op, target models.Target, payload models.Fields) (models.UUID, error) {
	unlock := e.locks.Lock(target.Key())
	id, err := e.outbox.Enqueue(op, target, payload)
	unlock()
	if err != nil {
		return "", err
	}

	if rec, err := e.store.GetRecord(target.Type, target.ID); err == nil && rec != nil {
		e.records.Publish(rec)
	}
	return id, nil
}

// GetRecord reads the materialized local state for a target.
func (e *Engine) GetRecord(target models.Target) (*models.Record, error) {
	return e.store.GetRecord(target.Type, target.ID)
}

// ObserveRecords subscribes to record updates from local mutations and
// remote merges. The second return value cancels the subscription.
func (e *Engine) ObserveRecords() (<-chan *models.Record, func()) {
	return e.records.Subscribe()
}

// ObserveConflicts subscribes to conflicts requiring external resolution.
func (e *Engine) ObserveConflicts() (<-chan *models.ConflictRecord, func()) {
	return e.conflicts.Subscribe()
}

// PendingConflicts lists conflicts awaiting resolution.
func (e *Engine) PendingConflicts() ([]*models.ConflictRecord, error) {
	return e.store.PendingConflicts()
}

// setState moves the engine through the cycle phases. Degraded sticks
// across phase transitions; only a successful push clears it.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state != StateDegraded {
		e.state = s
	}
	e.mu.Unlock()
}

// recordFailure tracks consecutive transient failures and flips the
// engine to degraded past the online retry ceiling.
func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	e.consecutive++
	if e.online && e.consecutive >= e.cfg.MaxOnlineAttempts {
		e.state = StateDegraded
		logging.Warn("Sync degraded after repeated failures", map[string]interface{}{
			"consecutive": e.consecutive,
		})
	}
}

// recordSuccess resets the consecutive-failure counter after a push
// goes through, recovering a degraded engine. Successful pulls do not
// reset it: a mutation that keeps failing while pulls succeed is still
// degraded sync health.
func (e *Engine) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutive = 0
	if e.state == StateDegraded {
		e.state = StatePushing
	}
}

// finishCycle stamps a clean cycle. A cycle with failed pushes keeps its
// last error and sync time untouched.
func (e *Engine) finishCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consecutive == 0 {
		e.lastErr = nil
		now := time.Now()
		e.lastSync = &now
	}
}

// settle returns the engine to idle unless the cycle left it in an
// error or degraded state callers need to observe.
func (e *Engine) settle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDegraded || e.state == StateError {
		return
	}
	e.state = StateIdle
}

// RunCycle runs one full sync cycle: push the outbox, then pull every
// partition. Cancellation is honored at per-record transaction
// boundaries, so an interrupted cycle leaves no partial application.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	defer e.settle()

	if !e.Online() {
		return apperrors.New(apperrors.ErrSyncOffline, "sync skipped while offline")
	}

	e.setState(StatePushing)
	if err := e.push(ctx); err != nil {
		e.setState(StateError)
		return err
	}

	e.setState(StatePulling)
	for _, p := range e.cfg.Partitions {
		if err := e.pullPartition(ctx, p); err != nil {
			e.setState(StateError)
			return err
		}
	}

	e.finishCycle()
	return nil
}

// PullPartition runs one incremental pull for a partition, used by the
// change listener. It serializes against full cycles.
func (e *Engine) PullPartition(ctx context.Context, p models.Partition) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	defer e.settle()

	if !e.Online() {
		return apperrors.New(apperrors.ErrSyncOffline, "pull skipped while offline")
	}

	e.setState(StatePulling)
	if err := e.pullPartition(ctx, p); err != nil {
		e.setState(StateError)
		return err
	}
	e.finishCycle()
	return nil
}

// push drains the outbox. Distinct targets push concurrently up to the
// configured fan-out; mutations for one target are strictly serialized.
func (e *Engine) push(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, "push cancelled", err)
		}

		batch, err := e.outbox.PeekBatch(e.cfg.PushFanout, e.inflightKeys())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var wg sync.WaitGroup
		for _, mut := range batch {
			key := mut.Target().Key()
			e.markInflight(key, true)

			wg.Add(1)
			go func(mut *models.Mutation, key string) {
				defer wg.Done()
				defer e.markInflight(key, false)
				e.pushOne(ctx, mut)
			}(mut, key)
		}
		wg.Wait()

		// Anything still pending is either backoff-scheduled, halted by
		// a conflict, or newly rebased; loop until no mutation is ready.
	}
}

func (e *Engine) markInflight(key string, v bool) {
	e.mu.Lock()
	if v {
		e.inflight[key] = true
	} else {
		delete(e.inflight, key)
	}
	e.mu.Unlock()
}

func (e *Engine) inflightKeys() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make(map[string]bool, len(e.inflight))
	for k := range e.inflight {
		keys[k] = true
	}
	return keys
}

// pushOne sends a single mutation. The per-target lock is taken only
// for the local apply after the network call returns.
func (e *Engine) pushOne(ctx context.Context, mut *models.Mutation) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	res, err := e.remote.Push(cctx, mut)
	cancel()

	if err != nil {
		if apperrors.IsPermanent(err) {
			if dlErr := e.outbox.MarkFailed(mut.MutationID, err, false); dlErr != nil {
				logging.Error("Failed to dead-letter mutation", dlErr, map[string]interface{}{
					"mutation_id": mut.MutationID.String(),
				})
			}
			return
		}
		// Timeouts, rate limits and connectivity loss retry with backoff.
		if failErr := e.outbox.MarkFailed(mut.MutationID, err, true); failErr != nil {
			logging.Error("Failed to schedule retry", failErr, map[string]interface{}{
				"mutation_id": mut.MutationID.String(),
			})
		}
		e.recordFailure(err)
		return
	}

	e.recordSuccess()

	if res.Conflict != nil {
		e.resolveCollision(mut, res.Conflict)
		return
	}

	unlock := e.locks.Lock(mut.Target().Key())
	err = e.outbox.MarkSent(mut.MutationID, res.VersionTag)
	unlock()
	if err != nil {
		logging.Error("Failed to mark mutation sent", err, map[string]interface{}{
			"mutation_id": mut.MutationID.String(),
		})
		return
	}

	if rec, err := e.store.GetRecord(mut.Type, mut.ID); err == nil && rec != nil {
		e.records.Publish(rec)
	}
}

// resolveCollision handles a stale-base push answer using the remote's
// current snapshot.
func (e *Engine) resolveCollision(mut *models.Mutation, remoteRec *models.Record) {
	key := mut.Target().Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	local, err := e.store.GetRecord(mut.Type, mut.ID)
	if err != nil {
		logging.Error("Failed to read local record for conflict", err, map[string]interface{}{
			"target": key,
		})
		return
	}

	outcome := e.resolver.Resolve(local, remoteRec, mut)
	if err := e.applyOutcome(mut, remoteRec, outcome); err != nil {
		logging.Error("Failed to apply conflict outcome", err, map[string]interface{}{
			"target":   key,
			"decision": string(outcome.Decision),
		})
	}
}

// applyOutcome commits a resolver decision in one transaction.
func (e *Engine) applyOutcome(mut *models.Mutation, remoteRec *models.Record, outcome *conflict.Outcome) error {
	target := mut.Target()

	switch outcome.Decision {
	case conflict.DecisionKeepLocal:
		// Rebase and keep pushing; the local record stays as edited.
		return e.outbox.Rewrite(outcome.Mutation)

	case conflict.DecisionKeepRemote:
		err := e.store.WithTx(func(tx *db.Tx) error {
			if err := tx.DeleteMutationsForTarget(target); err != nil {
				return err
			}
			if outcome.Record == nil {
				return tx.DeleteRecord(target.Type, target.ID)
			}
			return tx.PutRecord(outcome.Record)
		})
		if err != nil {
			return err
		}
		e.publishRecord(target, outcome.Record)
		logging.Info("Conflict resolved, remote wins", map[string]interface{}{
			"target":      target.Key(),
			"mutation_id": mut.MutationID.String(),
		})
		return nil

	case conflict.DecisionMerged:
		err := e.store.WithTx(func(tx *db.Tx) error {
			if err := tx.UpdateMutation(outcome.Mutation); err != nil {
				return err
			}
			return tx.PutRecord(outcome.Record)
		})
		if err != nil {
			return err
		}
		e.publishRecord(target, outcome.Record)
		logging.Info("Conflict resolved by field merge", map[string]interface{}{
			"target":      target.Key(),
			"mutation_id": mut.MutationID.String(),
		})
		return nil

	case conflict.DecisionEscalate:
		c := &models.ConflictRecord{
			ID:         models.UUID(uuid.New()),
			Type:       target.Type,
			RecordID:   target.ID,
			Local:      outcome.Record,
			Remote:     remoteRec,
			MutationID: mut.MutationID,
			State:      models.ConflictPending,
			DetectedAt: time.Now().Unix(),
		}
		if err := e.store.InsertConflict(c); err != nil {
			return err
		}
		e.conflicts.Publish(c)
		logging.Warn("Conflict escalated for external resolution", map[string]interface{}{
			"conflict_id": c.ID.String(),
			"target":      target.Key(),
		})
		return nil

	default:
		return apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unknown decision %q", outcome.Decision))
	}
}

func (e *Engine) publishRecord(target models.Target, rec *models.Record) {
	if rec == nil {
		rec = &models.Record{Type: target.Type, ID: target.ID, Deleted: true}
	}
	e.records.Publish(rec)
}

// pullPartition pulls one incremental batch and reconciles it. Each
// record applies in its own transaction (a safe checkpoint); the change
// token advances in a final transaction only after the whole batch is
// durably merged, so a crash mid-batch replays an idempotent merge.
func (e *Engine) pullPartition(ctx context.Context, p models.Partition) error {
	since, err := e.store.Token(p)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	res, err := e.remote.Pull(cctx, p, since)
	cancel()
	if err != nil {
		e.recordFailure(err)
		return err
	}

	e.setState(StateReconciling)
	for _, rec := range res.Records {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, "reconcile cancelled", err)
		}
		if err := e.reconcile(rec); err != nil {
			if apperrors.CodeOf(err) == apperrors.ErrCorruption {
				// Corruption is fatal for this record only; keep going.
				logging.Error("Skipping corrupt record", err, map[string]interface{}{
					"target": rec.Target().Key(),
				})
				continue
			}
			return err
		}
	}

	if res.NextToken != since {
		err = e.store.WithTx(func(tx *db.Tx) error {
			return tx.SetToken(p, res.NextToken)
		})
		if err != nil {
			return err
		}
	}

	logging.Debug("Partition pulled", map[string]interface{}{
		"partition": string(p),
		"records":   len(res.Records),
		"token":     res.NextToken.String(),
	})
	return nil
}

// reconcile merges one pulled record. Without a local unsent mutation
// the remote wins trivially; otherwise the resolver decides.
func (e *Engine) reconcile(remoteRec *models.Record) error {
	target := remoteRec.Target()
	unlock := e.locks.Lock(target.Key())
	defer unlock()

	pending, err := e.store.PendingMutations(&target)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		err := e.store.WithTx(func(tx *db.Tx) error {
			if remoteRec.Deleted {
				return tx.DeleteRecord(target.Type, target.ID)
			}
			return tx.PutRecord(remoteRec)
		})
		if err != nil {
			return err
		}
		if remoteRec.Deleted {
			e.publishRecord(target, nil)
		} else {
			e.records.Publish(remoteRec)
		}
		return nil
	}

	local, err := e.store.GetRecord(target.Type, target.ID)
	if err != nil {
		return err
	}
	outcome := e.resolver.Resolve(local, remoteRec, pending[0])
	return e.applyOutcome(pending[0], remoteRec, outcome)
}

// Resolution is an external decision for a pending conflict.
type Resolution struct {
	// Choice is one of resolved_local, resolved_remote, resolved_merged
	// or escalated.
	Choice models.ConflictState

	// MergedFields carries the caller-built field set for
	// resolved_merged; ignored otherwise.
	MergedFields models.Fields
}

// ResolveConflict settles a pending conflict from outside the engine,
// typically user-driven, and unhalts pushes for the target.
func (e *Engine) ResolveConflict(id models.UUID, res Resolution) error {
	c, err := e.store.GetConflict(id)
	if err != nil {
		return err
	}
	if c == nil {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("conflict %s not found", id))
	}
	if c.State != models.ConflictPending {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("conflict %s already %s", id, c.State))
	}

	target := c.Target()
	unlock := e.locks.Lock(target.Key())
	defer unlock()

	switch res.Choice {
	case models.ConflictResolvedRemote:
		err = e.store.WithTx(func(tx *db.Tx) error {
			if err := tx.SetConflictState(id, res.Choice); err != nil {
				return err
			}
			if err := tx.DeleteMutationsForTarget(target); err != nil {
				return err
			}
			if c.Remote == nil || c.Remote.Deleted {
				return tx.DeleteRecord(target.Type, target.ID)
			}
			return tx.PutRecord(c.Remote)
		})
		if err != nil {
			return err
		}
		e.publishRecord(target, c.Remote)

	case models.ConflictResolvedLocal:
		err = e.store.WithTx(func(tx *db.Tx) error {
			if err := tx.SetConflictState(id, res.Choice); err != nil {
				return err
			}
			pending, err := tx.PendingMutations(&target)
			if err != nil {
				return err
			}
			// Rebase the halted mutation so the next push passes the
			// optimistic-concurrency check.
			for _, mut := range pending {
				if c.Remote != nil {
					mut.BaseVersionTag = c.Remote.VersionTag
					mut.BaseFields = c.Remote.Fields.Clone()
				}
				mut.NextAttemptAt = 0
				if err := tx.UpdateMutation(mut); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

	case models.ConflictResolvedMerged:
		if res.MergedFields == nil {
			return apperrors.New(apperrors.ErrInvalid, "merged resolution requires fields")
		}
		merged := &models.Record{
			Type:      target.Type,
			ID:        target.ID,
			Fields:    res.MergedFields.Clone(),
			UpdatedAt: time.Now().Unix(),
		}
		if c.Remote != nil {
			merged.VersionTag = c.Remote.VersionTag
		}
		err = e.store.WithTx(func(tx *db.Tx) error {
			if err := tx.SetConflictState(id, res.Choice); err != nil {
				return err
			}
			if err := tx.PutRecord(merged); err != nil {
				return err
			}
			pending, err := tx.PendingMutations(&target)
			if err != nil {
				return err
			}
			for _, mut := range pending {
				mut.Payload = res.MergedFields.Clone()
				if c.Remote != nil {
					mut.BaseVersionTag = c.Remote.VersionTag
					mut.BaseFields = c.Remote.Fields.Clone()
				}
				mut.NextAttemptAt = 0
				if err := tx.UpdateMutation(mut); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.records.Publish(merged)

	case models.ConflictEscalated:
		err = e.store.WithTx(func(tx *db.Tx) error {
			return tx.SetConflictState(id, res.Choice)
		})
		if err != nil {
			return err
		}

	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid resolution %q", res.Choice))
	}

	logging.Info("Conflict externally resolved", map[string]interface{}{
		"conflict_id": id.String(),
		"choice":      string(res.Choice),
	})
	return nil
}
