// Package sync orchestrates push and pull cycles between the local store
// and the remote record store.
package sync

import (
	"context"

	"github.com/mimisupply/mimisync/internal/models"
)

// PushResult is the remote store's answer to one mutation.
// Exactly one of VersionTag or Conflict is set: VersionTag on
// acknowledgement, Conflict when the mutation's base version tag is
// stale. A version conflict is not an error; the engine routes it to
// the resolver with the remote's current snapshot.
type PushResult struct {
	VersionTag string
	Conflict   *models.Record
}

// PullResult is one incremental batch of remote changes for a partition.
// NextToken must only be persisted after the batch is durably merged.
type PullResult struct {
	Records   []*models.Record
	NextToken models.ChangeToken
}

// RemoteStore is the opaque remote API the engine syncs against.
// Implementations must deduplicate pushes by mutation ID so replaying a
// mutation after a crash never duplicates its side effects. Errors are
// classified through the errors package taxonomy helpers.
type RemoteStore interface {
	Push(ctx context.Context, m *models.Mutation) (*PushResult, error)
	Pull(ctx context.Context, p models.Partition, since models.ChangeToken) (*PullResult, error)
}
