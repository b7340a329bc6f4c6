// Package poller reconciles Telegram deletions. Push delete notifications
// are unreliable, so the poller periodically re-fetches recently bridged
// message ids and treats empty slots as confirmed deletions.
package poller

import (
	"context"
	"strconv"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/store"
)

const (
	// initialSleep gives the platform clients time to connect before the
	// first poll.
	initialSleep = 30 * time.Second
	// loopDelay separates full passes over all Telegram groups.
	loopDelay = 3 * time.Second
	// recordWindow bounds how far back deletions are detected.
	recordWindow = 500
)

// TelegramGetter fetches messages by id and reports which slots came back
// empty.
type TelegramGetter interface {
	GetMessages(ctx context.Context, chatID int64, ids []int64) ([]bool, error)
}

// Poller drives the reconciliation loop.
type Poller struct {
	bus      *bus.MessageBus
	store    store.Store
	topology *bridge.Topology
	telegram TelegramGetter

	// sleep is swappable so tests do not wait in real time.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(b *bus.MessageBus, st store.Store, topology *bridge.Topology, telegram TelegramGetter) *Poller {
	return &Poller{
		bus:      b,
		store:    st,
		topology: topology,
		telegram: telegram,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run loops until the context is canceled: an initial sleep, then one
// poll per Telegram group per pass with a short delay between passes.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.sleep(ctx, initialSleep); err != nil {
		return err
	}
	for {
		for _, group := range p.topology.Channels() {
			platform, nativeID, err := bridge.SplitChannelID(group)
			if err != nil || platform != bridge.PlatformTelegram {
				continue
			}
			if err := p.PollGroup(ctx, group, nativeID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// A flood wait is an instruction, not a failure.
				if seconds, ok := tgerr.AsFloodWait(err); ok {
					logger.InfoCF("poller", "flood wait", map[string]any{
						"seconds": int(seconds / time.Second),
					})
					if err := p.sleep(ctx, seconds); err != nil {
						return err
					}
					continue
				}
				logger.WarnCF("poller", "poll failed", map[string]any{
					"group": group,
					"error": err.Error(),
				})
			}
		}
		if err := p.sleep(ctx, loopDelay); err != nil {
			return err
		}
	}
}

// PollGroup checks one Telegram group for silently deleted messages and
// enqueues delete propagation for each confirmed deletion.
func (p *Poller) PollGroup(ctx context.Context, group, nativeID string) error {
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return err
	}

	records, err := p.store.RecentBridgeEntries(ctx, group, recordWindow)
	if err != nil {
		return err
	}

	var ids []int64
	for _, rec := range records {
		for _, bm := range rec.BridgeMessages {
			if bm.Group == group && bm.MessageID != nil {
				ids = append(ids, *bm.MessageID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	empty, err := p.telegram.GetMessages(ctx, chatID, ids)
	if err != nil {
		return err
	}
	if len(empty) != len(ids) {
		logger.WarnCF("poller", "unexpected getMessages result size", map[string]any{
			"want": len(ids),
			"got":  len(empty),
		})
		return nil
	}

	var toDelete []*bus.Record
	for i, id := range ids {
		if !empty[i] {
			continue
		}
		rec, err := p.store.FindForUpdate(ctx, group, id)
		if err != nil {
			logger.WarnCF("poller", "delete lookup failed", map[string]any{"error": err.Error()})
			continue
		}
		if rec == nil || rec.Deleted {
			continue
		}
		if err := p.store.MarkDeleted(ctx, rec); err != nil {
			logger.ErrorCF("poller", "recording delete failed", map[string]any{"error": err.Error()})
			continue
		}
		toDelete = append(toDelete, rec)
	}
	if len(toDelete) == 0 {
		return nil
	}

	logger.InfoCF("poller", "detected deleted messages", map[string]any{
		"group": group,
		"count": len(toDelete),
	})
	p.bus.Publish(bus.Event{Task: &bus.Task{
		Action:    bus.ActionDelete,
		Records:   toDelete,
		FromGroup: group,
	}})
	return nil
}
