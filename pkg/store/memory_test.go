package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
)

func int64p(v int64) *int64 { return &v }

func chainTopology() *bridge.Topology {
	return bridge.New([][]string{
		{"irc/#a", "telegram/C"},
		{"telegram/C", "discord/D"},
	})
}

func TestFindByMember(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())

	rec := &bus.Record{
		Text:      "hello",
		CreatedAt: time.Now().UTC(),
		BridgeMessages: []bus.BridgeMessage{
			{Group: "irc/#a"},
			{Group: "telegram/C", MessageID: int64p(42)},
		},
	}
	_, err := m.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := m.FindByMember(ctx, "telegram/C", 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "hello", got.Text)

	got, err = m.FindByMember(ctx, "telegram/C", 43)
	require.NoError(t, err)
	require.Nil(t, got)

	// IRC entries have nil ids and are never matched by id lookups.
	got, err = m.FindByMember(ctx, "irc/#a", 0)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindForUpdateAppliesOutboundRule(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())

	rec := &bus.Record{
		Text: "hello",
		BridgeMessages: []bus.BridgeMessage{
			{Group: "irc/#a"},
			{Group: "telegram/C", MessageID: int64p(42)},
		},
	}
	_, err := m.Insert(ctx, rec)
	require.NoError(t, err)

	// C's only declared peer is D, which the record never reached: the
	// filtered list is empty, so there is nothing to update.
	got, err := m.FindForUpdate(ctx, "telegram/C", 42)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMarkEdited(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())

	rec := &bus.Record{
		Text:           "before",
		BridgeMessages: []bus.BridgeMessage{{Group: "telegram/C", MessageID: int64p(1)}},
	}
	id, err := m.Insert(ctx, rec)
	require.NoError(t, err)

	editedAt := time.Now().UTC()
	require.NoError(t, m.MarkEdited(ctx, id, editedAt, "after", nil))

	got, err := m.FindByMember(ctx, "telegram/C", 1)
	require.NoError(t, err)
	require.Equal(t, "after", got.Text)
	require.NotNil(t, got.EditedAt)
}

func TestMarkDeleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())

	path := filepath.Join(t.TempDir(), "media.jpg")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o600))

	rec := &bus.Record{
		Text:           "bye",
		Files:          []bus.File{{Type: "photo", LocalPath: path}},
		BridgeMessages: []bus.BridgeMessage{{Group: "telegram/C", MessageID: int64p(7)}},
	}
	_, err := m.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, m.MarkDeleted(ctx, rec))
	require.True(t, rec.Deleted)
	require.NotNil(t, rec.DeletedAt)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "local media should be unlinked")

	got, err := m.FindByMember(ctx, "telegram/C", 7)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	// Marking again is a no-op.
	require.NoError(t, m.MarkDeleted(ctx, rec))
}

func TestRecentActiveGroups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())
	now := time.Now().UTC()

	insert := func(userID string, system bool, age time.Duration, groups ...string) {
		bms := make([]bus.BridgeMessage, 0, len(groups))
		for _, g := range groups {
			bms = append(bms, bus.BridgeMessage{Group: g})
		}
		_, err := m.Insert(ctx, &bus.Record{
			FromUserID:     userID,
			System:         system,
			CreatedAt:      now.Add(-age),
			BridgeMessages: bms,
		})
		require.NoError(t, err)
	}

	insert("~alice@host", false, time.Minute, "irc/#a", "telegram/C")
	insert("~alice@host", false, 20*time.Minute, "irc/#old") // outside window
	insert("~alice@host", true, time.Minute, "irc/#sys")     // system excluded
	insert("~bob@host", false, time.Minute, "irc/#b")

	groups, err := m.RecentActiveGroups(ctx, "~alice@host", "irc", now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"irc/#a"}, groups)
}

func TestRecentBridgeEntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(chainTopology())

	for i := int64(1); i <= 5; i++ {
		_, err := m.Insert(ctx, &bus.Record{
			BridgeMessages: []bus.BridgeMessage{{Group: "telegram/C", MessageID: int64p(i)}},
		})
		require.NoError(t, err)
	}
	_, err := m.Insert(ctx, &bus.Record{
		BridgeMessages: []bus.BridgeMessage{{Group: "discord/D", MessageID: int64p(99)}},
	})
	require.NoError(t, err)

	got, err := m.RecentBridgeEntries(ctx, "telegram/C", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(5), *got[0].BridgeMessages[0].MessageID)
	require.Equal(t, int64(3), *got[2].BridgeMessages[0].MessageID)
}
