package poller

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/store"
)

func int64p(v int64) *int64 { return &v }

type getCall struct {
	chatID int64
	ids    []int64
}

type fakeGetter struct {
	calls []getCall
	// empty maps message id -> reported-as-empty
	empty map[int64]bool
	err   error
}

func (f *fakeGetter) GetMessages(_ context.Context, chatID int64, ids []int64) ([]bool, error) {
	f.calls = append(f.calls, getCall{chatID, ids})
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bool, len(ids))
	for i, id := range ids {
		out[i] = f.empty[id]
	}
	return out, nil
}

func newPoller(groups [][]string, getter TelegramGetter) (*Poller, *store.Memory, *bus.MessageBus) {
	topo := bridge.New(groups)
	st := store.NewMemory(topo)
	b := bus.NewMessageBus()
	return New(b, st, topo, getter), st, b
}

// Delete reconciliation: an empty slot marks the record deleted and
// enqueues delete propagation for its update targets; a second pass finds
// nothing to do.
func TestPollDetectsDeletion(t *testing.T) {
	ctx := context.Background()
	getter := &fakeGetter{empty: map[int64]bool{42: true}}
	p, st, b := newPoller([][]string{{"telegram/100", "discord/200"}}, getter)

	_, err := st.Insert(ctx, &bus.Record{
		Text: "doomed",
		BridgeMessages: []bus.BridgeMessage{
			{Group: "telegram/100", MessageID: int64p(42)},
			{Group: "discord/200", MessageID: int64p(777)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.PollGroup(ctx, "telegram/100", "100"))
	require.Equal(t, []getCall{{100, []int64{42}}}, getter.calls)

	ev, ok := b.Consume(ctx)
	require.True(t, ok)
	require.NotNil(t, ev.Task)
	require.Equal(t, bus.ActionDelete, ev.Task.Action)
	require.Len(t, ev.Task.Records, 1)
	require.Len(t, ev.Task.Records[0].BridgeMessages, 1)
	require.Equal(t, "discord/200", ev.Task.Records[0].BridgeMessages[0].Group)

	stored, err := st.FindByMember(ctx, "discord/200", 777)
	require.NoError(t, err)
	require.True(t, stored.Deleted)

	// Second pass: the record is already deleted, nothing is enqueued.
	require.NoError(t, p.PollGroup(ctx, "telegram/100", "100"))
	require.Zero(t, b.Len())
}

// Live messages are left alone.
func TestPollIgnoresLiveMessages(t *testing.T) {
	ctx := context.Background()
	getter := &fakeGetter{empty: map[int64]bool{}}
	p, st, b := newPoller([][]string{{"telegram/100", "discord/200"}}, getter)

	_, err := st.Insert(ctx, &bus.Record{
		BridgeMessages: []bus.BridgeMessage{
			{Group: "telegram/100", MessageID: int64p(42)},
			{Group: "discord/200", MessageID: int64p(777)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.PollGroup(ctx, "telegram/100", "100"))
	require.Zero(t, b.Len())
}

// Groups with no recorded Telegram ids never hit the API.
func TestPollSkipsEmptyGroups(t *testing.T) {
	getter := &fakeGetter{}
	p, _, _ := newPoller([][]string{{"telegram/100", "discord/200"}}, getter)
	require.NoError(t, p.PollGroup(context.Background(), "telegram/100", "100"))
	require.Empty(t, getter.calls)
}

// Only ids belonging to the polled group are requested.
func TestPollCollectsGroupIDsOnly(t *testing.T) {
	ctx := context.Background()
	getter := &fakeGetter{empty: map[int64]bool{}}
	p, st, _ := newPoller([][]string{{"telegram/100", "telegram/200"}}, getter)

	_, err := st.Insert(ctx, &bus.Record{
		BridgeMessages: []bus.BridgeMessage{
			{Group: "telegram/100", MessageID: int64p(1)},
			{Group: "telegram/200", MessageID: int64p(2)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.PollGroup(ctx, "telegram/100", "100"))
	require.Equal(t, []getCall{{100, []int64{1}}}, getter.calls)
}

// A flood wait sleeps for the instructed duration and keeps the loop
// alive.
func TestRunHonorsFloodWait(t *testing.T) {
	getter := &fakeGetter{err: tgerr.New(420, "FLOOD_WAIT_5")}
	p, st, _ := newPoller([][]string{{"telegram/100", "discord/200"}}, getter)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := st.Insert(ctx, &bus.Record{
		BridgeMessages: []bus.BridgeMessage{{Group: "telegram/100", MessageID: int64p(1)}},
	})
	require.NoError(t, err)

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) >= 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// Initial sleep, then the flood-wait sleep with the instructed
	// duration.
	require.GreaterOrEqual(t, len(slept), 2)
	require.Equal(t, initialSleep, slept[0])
	require.Equal(t, 5*time.Second, slept[1])
}

func TestRunStopsOnCancel(t *testing.T) {
	p, _, _ := newPoller([][]string{{"telegram/100", "discord/200"}}, &fakeGetter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, p.Run(ctx))
}
