package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
)

// ActiveGroupsScanLimit bounds how many recent messages the activity query
// inspects per user.
const ActiveGroupsScanLimit = 10

// Mongo implements Store on a MongoDB collection.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	topology   *bridge.Topology
}

// Connect dials MongoDB and returns a Store over the configured
// collection.
func Connect(ctx context.Context, cfg config.MongoConfig, topology *bridge.Topology) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	m := &Mongo{
		client:     client,
		collection: client.Database(cfg.DatabaseName).Collection(cfg.CollectionName),
		topology:   topology,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "bridge_messages.group", Value: 1}}},
		{Keys: bson.D{
			{Key: "bridge_messages.group", Value: 1},
			{Key: "bridge_messages.message_id", Value: 1},
		}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "from_user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Insert(ctx context.Context, rec *bus.Record) (primitive.ObjectID, error) {
	res, err := m.collection.InsertOne(ctx, rec)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("inserting record: %w", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	rec.ID = id
	return id, nil
}

func (m *Mongo) FindByMember(ctx context.Context, group string, messageID int64) (*bus.Record, error) {
	filter := bson.M{
		"bridge_messages": bson.M{
			"$elemMatch": bson.M{
				"group":      group,
				"message_id": messageID,
			},
		},
	}
	var rec bus.Record
	err := m.collection.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding record by member: %w", err)
	}
	return &rec, nil
}

func (m *Mongo) FindForUpdate(ctx context.Context, group string, messageID int64) (*bus.Record, error) {
	rec, err := m.FindByMember(ctx, group, messageID)
	if err != nil || rec == nil {
		return nil, err
	}
	rec.BridgeMessages = m.topology.UpdateTargets(rec, group)
	if len(rec.BridgeMessages) == 0 {
		return nil, nil
	}
	return rec, nil
}

func (m *Mongo) MarkEdited(ctx context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []bus.File) error {
	if files == nil {
		files = []bus.File{}
	}
	_, err := m.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"edited_at": editedAt,
			"text":      text,
			"files":     files,
		},
	})
	if err != nil {
		return fmt.Errorf("marking record edited: %w", err)
	}
	return nil
}

func (m *Mongo) MarkDeleted(ctx context.Context, rec *bus.Record) error {
	if rec == nil || rec.Deleted || len(rec.BridgeMessages) == 0 {
		return nil
	}

	// Local media files go first; errors are swallowed since the files may
	// already be gone.
	for _, f := range rec.Files {
		if f.LocalPath == "" {
			continue
		}
		logger.InfoCF("store", "deleting local file", map[string]any{"path": f.LocalPath})
		if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
			logger.DebugCF("store", "local file removal failed", map[string]any{
				"path":  f.LocalPath,
				"error": err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	_, err := m.collection.UpdateOne(ctx, bson.M{"_id": rec.ID}, bson.M{
		"$set": bson.M{
			"deleted":    true,
			"deleted_at": now,
		},
	})
	if err != nil {
		return fmt.Errorf("marking record deleted: %w", err)
	}
	rec.Deleted = true
	rec.DeletedAt = &now
	return nil
}

func (m *Mongo) RecentActiveGroups(ctx context.Context, userID, platform string, since time.Time) ([]string, error) {
	cursor, err := m.collection.Find(ctx, bson.M{
		"from_user_id": userID,
		// Join/quit notices and other system messages do not count as
		// user activity.
		"system": false,
		"created_at": bson.M{
			"$gte": since,
		},
	}, options.Find().SetLimit(ActiveGroupsScanLimit))
	if err != nil {
		return nil, fmt.Errorf("querying active groups: %w", err)
	}
	var records []bus.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decoding active groups: %w", err)
	}

	prefix := platform + "/"
	seen := make(map[string]bool)
	var groups []string
	for _, rec := range records {
		for _, bm := range rec.BridgeMessages {
			if strings.HasPrefix(bm.Group, prefix) && !seen[bm.Group] {
				seen[bm.Group] = true
				groups = append(groups, bm.Group)
			}
		}
	}
	return groups, nil
}

func (m *Mongo) RecentBridgeEntries(ctx context.Context, group string, limit int64) ([]*bus.Record, error) {
	cursor, err := m.collection.Find(ctx,
		bson.M{"bridge_messages.group": group},
		options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent bridge entries: %w", err)
	}
	var records []*bus.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decoding recent bridge entries: %w", err)
	}
	return records, nil
}
