// Package app wires the bridge together: configuration, logging, store,
// platform clients, worker and poller, with an explicit construction order
// and cooperative shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/channels"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/filter"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/media"
	"github.com/sipeed/chatbridge/pkg/poller"
	"github.com/sipeed/chatbridge/pkg/store"
	"github.com/sipeed/chatbridge/pkg/worker"
)

// connectTimeout bounds startup-time dials (store, index creation).
const connectTimeout = 30 * time.Second

// App holds the constructed bridge.
type App struct {
	cfg      *config.Config
	topology *bridge.Topology
	queue    *bus.MessageBus
	store    *store.Mongo
	irc      *channels.IRC
	telegram *channels.Telegram
	discord  *channels.Discord
	worker   *worker.Worker
	poller   *poller.Poller
}

// New builds the bridge from the config and filter documents.
func New(ctx context.Context, configPath, filtersPath string) (*App, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Path)

	topology := bridge.New(cfg.Bridge)
	queue := bus.NewMessageBus()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	st, err := store.Connect(connectCtx, cfg.Mongo, topology)
	if err != nil {
		return nil, err
	}

	hosting := media.NewHosting(cfg.Files)
	if cfg.Files.Path != "" {
		if err := os.MkdirAll(cfg.Files.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating files directory: %w", err)
		}
	}

	rules, err := config.LoadFilters(filtersPath)
	if err != nil {
		return nil, err
	}
	engine, err := filter.New(rules, filter.NewSpamChecker(cfg.SpamCheck))
	if err != nil {
		return nil, err
	}

	irc := channels.NewIRC(cfg.IRC, queue, topology, st, hosting)
	telegram := channels.NewTelegram(cfg.Telegram, queue, topology, st, hosting)
	discord, err := channels.NewDiscord(cfg.Discord, queue, topology, st, hosting)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		topology: topology,
		queue:    queue,
		store:    st,
		irc:      irc,
		telegram: telegram,
		discord:  discord,
		worker:   worker.New(queue, st, topology, engine, irc, telegram, discord),
		poller:   poller.New(queue, st, topology, telegram),
	}, nil
}

// Run starts every task and blocks until the context is canceled or one
// of them fails terminally. Shutdown tears down in reverse construction
// order.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.irc.Run(ctx) })
	g.Go(func() error { return a.telegram.Run(ctx) })
	g.Go(func() error { return a.discord.Run(ctx) })
	g.Go(func() error { return a.poller.Run(ctx) })

	logger.InfoCF("app", "bridge started", map[string]any{
		"channels": len(a.topology.Channels()),
	})

	err := g.Wait()
	a.queue.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := a.store.Close(closeCtx); closeErr != nil {
		logger.WarnCF("app", "store close failed", map[string]any{"error": closeErr.Error()})
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
