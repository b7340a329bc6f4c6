// Package store persists bridged message records. One record links a
// message's origin to every relayed copy via its bridge_messages list.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sipeed/chatbridge/pkg/bus"
)

// Store is the persistence surface used by listeners, the worker and the
// poller. Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a new record and returns its assigned id.
	Insert(ctx context.Context, rec *bus.Record) (primitive.ObjectID, error)

	// FindByMember returns the record whose bridge_messages contains the
	// (group, messageID) pair, or nil when there is none.
	FindByMember(ctx context.Context, group string, messageID int64) (*bus.Record, error)

	// FindForUpdate is FindByMember with bridge_messages filtered down to
	// the update targets of an event originating in group (the
	// outbound-only rule). Returns nil when no record matches or the
	// filtered list is empty.
	FindForUpdate(ctx context.Context, group string, messageID int64) (*bus.Record, error)

	// MarkEdited records the latest text, files and edit time.
	MarkEdited(ctx context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []bus.File) error

	// MarkDeleted soft-deletes the record and removes its local media
	// files best-effort. Already-deleted records are left untouched.
	MarkDeleted(ctx context.Context, rec *bus.Record) error

	// RecentActiveGroups returns the channel IDs on the given platform in
	// which the user authored a non-system message since the deadline.
	RecentActiveGroups(ctx context.Context, userID, platform string, since time.Time) ([]string, error)

	// RecentBridgeEntries returns up to limit most recent records whose
	// bridge_messages contains the group, newest first.
	RecentBridgeEntries(ctx context.Context, group string, limit int64) ([]*bus.Record, error)
}
