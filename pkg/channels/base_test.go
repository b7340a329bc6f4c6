package channels

import (
	"context"
	"testing"
	"time"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/store"
)

func newTestBase() (*BaseChannel, *bus.MessageBus, *store.Memory) {
	topo := bridge.New([][]string{{"irc/#a", "telegram/100"}})
	st := store.NewMemory(topo)
	b := bus.NewMessageBus()
	return NewBaseChannel("test", b, topo, st), b, st
}

func TestBridged(t *testing.T) {
	base, _, _ := newTestBase()
	if !base.Bridged("irc/#a") {
		t.Fatal("irc/#a should be bridged")
	}
	if base.Bridged("irc/#other") {
		t.Fatal("irc/#other should not be bridged")
	}
}

func TestPublishForward(t *testing.T) {
	base, b, _ := newTestBase()
	base.PublishForward(&bus.Message{Text: "hi", FromGroup: "irc/#a"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := b.Consume(ctx)
	if !ok || ev.Message == nil || ev.Message.Text != "hi" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublishTask(t *testing.T) {
	base, b, _ := newTestBase()
	base.PublishTask(&bus.Task{Action: bus.ActionDelete})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := b.Consume(ctx)
	if !ok || ev.Task == nil || ev.Task.Action != bus.ActionDelete {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestResolveReply(t *testing.T) {
	base, _, st := newTestBase()
	ctx := context.Background()

	id := int64(42)
	_, err := st.Insert(ctx, &bus.Record{
		Text: "original",
		BridgeMessages: []bus.BridgeMessage{
			{Group: "telegram/100", MessageID: &id},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := base.ResolveReply(ctx, "telegram/100", 42)
	if rec == nil || rec.Text != "original" {
		t.Fatalf("ResolveReply = %+v", rec)
	}
	if base.ResolveReply(ctx, "telegram/100", 43) != nil {
		t.Fatal("unknown reply id should resolve to nil")
	}
}
