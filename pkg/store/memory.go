package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
)

// Memory is an in-memory Store used by tests and by the worker and poller
// test suites. It mirrors the Mongo implementation's semantics, including
// the outbound-only filtering of FindForUpdate.
type Memory struct {
	topology *bridge.Topology

	mu      sync.Mutex
	records []*bus.Record
}

func NewMemory(topology *bridge.Topology) *Memory {
	return &Memory{topology: topology}
}

func cloneRecord(rec *bus.Record) *bus.Record {
	out := *rec
	out.Files = append([]bus.File(nil), rec.Files...)
	out.BridgeMessages = append([]bus.BridgeMessage(nil), rec.BridgeMessages...)
	return &out
}

func (m *Memory) Insert(_ context.Context, rec *bus.Record) (primitive.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = primitive.NewObjectID()
	m.records = append(m.records, cloneRecord(rec))
	return rec.ID, nil
}

func (m *Memory) lookup(group string, messageID int64) *bus.Record {
	for _, rec := range m.records {
		for _, bm := range rec.BridgeMessages {
			if bm.Group == group && bm.MessageID != nil && *bm.MessageID == messageID {
				return rec
			}
		}
	}
	return nil
}

func (m *Memory) FindByMember(_ context.Context, group string, messageID int64) (*bus.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.lookup(group, messageID)
	if rec == nil {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (m *Memory) FindForUpdate(ctx context.Context, group string, messageID int64) (*bus.Record, error) {
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

func (m *Memory) MarkEdited(_ context.Context, id primitive.ObjectID, editedAt time.Time, text string, files []bus.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			rec.EditedAt = &editedAt
			rec.Text = text
			rec.Files = append([]bus.File(nil), files...)
		}
	}
	return nil
}

func (m *Memory) MarkDeleted(_ context.Context, rec *bus.Record) error {
	if rec == nil || rec.Deleted || len(rec.BridgeMessages) == 0 {
		return nil
	}
	for _, f := range rec.Files {
		if f.LocalPath != "" {
			_ = os.Remove(f.LocalPath)
		}
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.records {
		if stored.ID == rec.ID {
			stored.Deleted = true
			stored.DeletedAt = &now
		}
	}
	rec.Deleted = true
	rec.DeletedAt = &now
	return nil
}

func (m *Memory) RecentActiveGroups(_ context.Context, userID, platform string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := platform + "/"
	seen := make(map[string]bool)
	var groups []string
	scanned := 0
	for _, rec := range m.records {
		if rec.FromUserID != userID || rec.System || rec.CreatedAt.Before(since) {
			continue
		}
		if scanned++; scanned > ActiveGroupsScanLimit {
			break
		}
		for _, bm := range rec.BridgeMessages {
			if strings.HasPrefix(bm.Group, prefix) && !seen[bm.Group] {
				seen[bm.Group] = true
				groups = append(groups, bm.Group)
			}
		}
	}
	return groups, nil
}

func (m *Memory) RecentBridgeEntries(_ context.Context, group string, limit int64) ([]*bus.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*bus.Record
	// Newest first: records append in insertion order.
	for i := len(m.records) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		rec := m.records[i]
		for _, bm := range rec.BridgeMessages {
			if bm.Group == group {
				out = append(out, cloneRecord(rec))
				break
			}
		}
	}
	return out, nil
}

// All returns a snapshot of every stored record, oldest first.
func (m *Memory) All() []*bus.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*bus.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}
