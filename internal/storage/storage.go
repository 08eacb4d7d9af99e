package storage

import (
	"context"
	"errors"
	"time"

	"routeflow/internal/domain"
)

// ErrPayloadTooLarge is returned by a change cursor when a row's payload
// exceeds the query limit and wide payload mode was not requested.
var ErrPayloadTooLarge = errors.New("change payload exceeds limit")

// ErrDuplicateChange is returned when a change is appended with an explicit
// id that is already captured.
var ErrDuplicateChange = errors.New("change already captured")

// ErrLockNotHeld is returned when refreshing or releasing a lock the caller
// does not own.
var ErrLockNotHeld = errors.New("lock not held")

// ChangeQuery qualifies a scan of captured changes for one channel.
type ChangeQuery struct {
	ChannelID string
	Gaps      []domain.DataGap
	// GreaterThan scans every id >= Gaps[0].StartID instead of the
	// individual ranges. Rows outside the gaps are left for the caller.
	GreaterThan     bool
	WidePayload     bool
	MaxPayloadBytes int
}

// ChangeCursor streams changes in ascending id order. Next returns io.EOF
// once the scan is exhausted.
type ChangeCursor interface {
	Next() (domain.CapturedChange, error)
	Close() error
}

type ChangeStore interface {
	SelectChanges(ctx context.Context, q ChangeQuery) (ChangeCursor, error)
	HasChanges(ctx context.Context, channelID string, fromID int64) (bool, error)
	CountChangesInRange(ctx context.Context, startID, endID int64) (int64, error)
	MaxChangeID(ctx context.Context) (int64, error)
	AppendChanges(ctx context.Context, changes []domain.CapturedChange) ([]int64, error)
}

// GapWriter is the part of a transaction the gap tracker writes through.
type GapWriter interface {
	DeleteGaps(ctx context.Context, gaps []domain.DataGap) error
	InsertGaps(ctx context.Context, gaps []domain.DataGap) error
}

// Tx is one routing commit. Batch, routing and gap writes share it.
type Tx interface {
	GapWriter
	InsertBatches(ctx context.Context, batches []domain.OutgoingBatch) error
	InsertRoutings(ctx context.Context, routings []domain.ChangeRouting) error
	InsertChange(ctx context.Context, c domain.CapturedChange) (int64, error)
	InsertAudit(ctx context.Context, c domain.CapturedChange) error
	NextLoadID(ctx context.Context) (int64, error)
	// AbandonOpenBatches marks batches still in the open state as abandoned,
	// deletes their routings and returns the change ids they had claimed.
	// Routing commits write final statuses only, so open rows come from
	// older writers or from tools sharing the database.
	AbandonOpenBatches(ctx context.Context) ([]int64, int, error)
	Commit() error
	Rollback() error
}

type GapStore interface {
	LoadGaps(ctx context.Context) ([]domain.DataGap, error)
	LastRoutedChangeID(ctx context.Context) (int64, error)
}

// BatchFilter narrows a batch listing. Zero values match everything.
type BatchFilter struct {
	ChannelID string
	NodeID    string
	Status    domain.BatchStatus
}

type BatchStore interface {
	Begin(ctx context.Context) (Tx, error)
	NextBatchID(ctx context.Context) (int64, error)
	InsertBatches(ctx context.Context, batches []domain.OutgoingBatch) error
	ListBatches(ctx context.Context, f BatchFilter) ([]domain.OutgoingBatch, error)
	ListRoutings(ctx context.Context, batchID int64) ([]domain.ChangeRouting, error)
}

type ConfigStore interface {
	Channels(ctx context.Context) ([]domain.Channel, error)
	RouteBindings(ctx context.Context) ([]domain.RouteBinding, error)
	Nodes(ctx context.Context) ([]domain.Node, error)
	NodeGroupLinks(ctx context.Context) ([]domain.NodeGroupLink, error)
	TableShape(ctx context.Context, id int64) (domain.TableShape, bool, error)
}

// LookupStore backs the lookup table and subselect routers.
type LookupStore interface {
	LookupExternalIDs(ctx context.Context, table, keyColumn, externalIDColumn string) (map[string][]string, error)
	// SelectNodeIDs returns enabled nodes of groupID matching condition, a
	// SQL predicate over the node table aliased as c.
	SelectNodeIDs(ctx context.Context, groupID, condition string, args []any) ([]string, error)
}

// Store is everything the routing service needs from durable storage.
type Store interface {
	ChangeStore
	GapStore
	BatchStore
	ConfigStore
	LookupStore
}

// LockStore backs the table based cluster lock.
type LockStore interface {
	TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, name, owner string) error
}
