// Package conflict provides conflict resolution for concurrent edits.
// The resolver is a pure decision function: no I/O, no clock, fully
// deterministic given its inputs.
package conflict

import (
	"reflect"

	"github.com/mimisupply/mimisync/internal/config"
	"github.com/mimisupply/mimisync/internal/models"
)

// Decision is the resolution outcome kind.
type Decision string

const (
	// DecisionKeepLocal keeps the local edit; the pending mutation is
	// rebased onto the remote's current version tag and pushed again.
	DecisionKeepLocal Decision = "keep_local"

	// DecisionKeepRemote overwrites the local store with the remote
	// record and discards the pending mutation.
	DecisionKeepRemote Decision = "keep_remote"

	// DecisionMerged combines both sides field by field; the mutation is
	// rewritten to carry only the fields the local side won.
	DecisionMerged Decision = "merged"

	// DecisionEscalate defers to external resolution; pushes for the
	// target halt until the conflict leaves the pending state.
	DecisionEscalate Decision = "escalate"
)

// Outcome describes what the engine should do about a collision.
// Record is the state the local store should hold (nil means the record
// is deleted). Mutation is the rewritten mutation to keep pushing, nil
// when the local edit is discarded or escalated.
type Outcome struct {
	Decision Decision
	Record   *models.Record
	Mutation *models.Mutation
}

// Resolver maps (local record, remote record, mutation) to an Outcome
// according to the per-type policy registry.
type Resolver struct {
	policies map[models.RecordType]config.Policy
}

// NewResolver creates a Resolver with the given policy registry.
// Types without an entry resolve with last-write-wins.
func NewResolver(policies map[models.RecordType]config.Policy) *Resolver {
	if policies == nil {
		policies = map[models.RecordType]config.Policy{}
	}
	return &Resolver{policies: policies}
}

// PolicyFor returns the policy registered for a record type.
func (r *Resolver) PolicyFor(t models.RecordType) config.Policy {
	if p, ok := r.policies[t]; ok {
		return p
	}
	return config.PolicyLastWriteWins
}

// Resolve decides a collision between a local pending mutation and the
// remote's current snapshot. local is the optimistically-applied local
// record (nil if the target was never stored locally); remote is the
// remote store's current record (nil or tombstoned if deleted upstream).
func (r *Resolver) Resolve(local, remote *models.Record, mutation *models.Mutation) *Outcome {
	policy := r.PolicyFor(mutation.Type)

	// Tombstones take priority over concurrent updates in both
	// directions, regardless of policy, except for types whose edits
	// must never be auto-resolved.
	if mutation.Op == models.OpDelete {
		if policy == config.PolicyUserIntervention {
			return &Outcome{Decision: DecisionEscalate, Record: local}
		}
		return &Outcome{
			Decision: DecisionKeepLocal,
			Record:   local,
			Mutation: rebase(mutation, remote),
		}
	}
	if remote == nil || remote.Deleted {
		if policy == config.PolicyUserIntervention {
			return &Outcome{Decision: DecisionEscalate, Record: local}
		}
		return &Outcome{Decision: DecisionKeepRemote, Record: nil}
	}

	switch policy {
	case config.PolicyUserIntervention:
		return &Outcome{Decision: DecisionEscalate, Record: local}
	case config.PolicyFieldMerge:
		return r.resolveFieldMerge(local, remote, mutation)
	default:
		return r.resolveLastWriteWins(local, remote, mutation)
	}
}

// resolveLastWriteWins compares updated_at wall clocks; the newer side
// wins wholesale. Wall time is a tie-break only, never an ordering
// source, so equal timestamps keep the local edit.
func (r *Resolver) resolveLastWriteWins(local, remote *models.Record, mutation *models.Mutation) *Outcome {
	if local != nil && local.UpdatedAt >= remote.UpdatedAt {
		return &Outcome{
			Decision: DecisionKeepLocal,
			Record:   local,
			Mutation: rebase(mutation, remote),
		}
	}
	return &Outcome{Decision: DecisionKeepRemote, Record: remote.Clone()}
}

// resolveFieldMerge applies the remote's non-conflicting fields and keeps
// the local fields the remote did not also change since the mutation's
// base snapshot. A field changed on both sides falls back to
// last-write-wins for that field only.
func (r *Resolver) resolveFieldMerge(local, remote *models.Record, mutation *models.Mutation) *Outcome {
	if local == nil {
		return &Outcome{Decision: DecisionKeepRemote, Record: remote.Clone()}
	}

	merged := remote.Fields.Clone()
	if merged == nil {
		merged = models.Fields{}
	}

	// Fields the local side still wins; these form the rewritten payload.
	// Same tie-break as wholesale last-write-wins: equal stamps keep local.
	won := models.Fields{}
	localNewer := local.UpdatedAt >= remote.UpdatedAt

	for name, localValue := range mutation.Payload {
		remoteChanged := !reflect.DeepEqual(remote.Fields[name], mutation.BaseFields[name])
		if !remoteChanged || localNewer {
			merged[name] = localValue
			won[name] = localValue
		}
	}

	updatedAt := remote.UpdatedAt
	if local.UpdatedAt > updatedAt {
		updatedAt = local.UpdatedAt
	}

	record := &models.Record{
		Type:       remote.Type,
		ID:         remote.ID,
		Fields:     merged,
		VersionTag: remote.VersionTag,
		UpdatedAt:  updatedAt,
	}

	if len(won) == 0 {
		// Remote won every contested field; nothing left to push.
		return &Outcome{Decision: DecisionKeepRemote, Record: record}
	}

	rebased := mutation.Clone()
	rebased.Payload = won
	rebased.BaseFields = remote.Fields.Clone()
	rebased.BaseVersionTag = remote.VersionTag
	return &Outcome{Decision: DecisionMerged, Record: record, Mutation: rebased}
}

// rebase rewrites a mutation against the remote's current revision so
// the next push passes the optimistic-concurrency check.
func rebase(m *models.Mutation, remote *models.Record) *models.Mutation {
	out := m.Clone()
	if remote != nil {
		out.BaseVersionTag = remote.VersionTag
		out.BaseFields = remote.Fields.Clone()
	}
	return out
}
