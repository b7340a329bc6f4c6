package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/time/rate"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
	"github.com/sipeed/chatbridge/pkg/media"
	"github.com/sipeed/chatbridge/pkg/store"
)

// ircQueryTimeout bounds WHOIS/WHOWAS/NAMES round trips. Discord
// interactions give us three seconds to answer, so stay under that.
const ircQueryTimeout = 2 * time.Second

// joinDelay paces channel joins after registration.
const joinDelay = 200 * time.Millisecond

// IRC is the IRC listener and sender.
type IRC struct {
	*BaseChannel

	cfg     config.IRCConfig
	conn    *ircevent.Connection
	hosting *media.Hosting
	// limiter paces multi-chunk sends so the server does not drop us for
	// flooding.
	limiter *rate.Limiter

	mu        sync.Mutex
	userHosts map[string]string // nick (lowercased) -> hostname
	pending   map[string]*ircQuery
}

// ircQuery collects the numeric replies of one WHOIS/WHOWAS/NAMES request.
type ircQuery struct {
	lines chan string
	done  chan struct{}
}

func NewIRC(cfg config.IRCConfig, b *bus.MessageBus, topology *bridge.Topology, st store.Store, hosting *media.Hosting) *IRC {
	c := &IRC{
		BaseChannel: NewBaseChannel(bridge.PlatformIRC, b, topology, st),
		cfg:         cfg,
		hosting:     hosting,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		userHosts:   make(map[string]string),
		pending:     make(map[string]*ircQuery),
	}
	c.conn = &ircevent.Connection{
		Server:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Nick:         cfg.Nick,
		User:         cfg.Username,
		RealName:     cfg.RealName,
		SASLLogin:    cfg.Username,
		SASLPassword: cfg.Password,
		UseTLS:       cfg.SSL,
		RequestCaps:  []string{"server-time"},
	}
	if cfg.SSL {
		c.conn.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	c.registerListeners()
	return c
}

// Run connects and processes events until the context is canceled.
func (c *IRC) Run(ctx context.Context) error {
	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("connecting to irc: %w", err)
	}
	c.SetRunning(true)
	defer c.SetRunning(false)

	go func() {
		<-ctx.Done()
		c.conn.Quit()
	}()
	c.conn.Loop()
	return ctx.Err()
}

func (c *IRC) registerListeners() {
	c.conn.AddConnectCallback(func(e ircmsg.Message) {
		// Join the bridged channels slowly so the server does not
		// throttle the burst.
		go func() {
			for _, ch := range c.Topology().GroupsOn(bridge.PlatformIRC) {
				_ = c.conn.Join(ch)
				time.Sleep(joinDelay)
			}
		}()
	})

	c.conn.AddCallback("PRIVMSG", c.onPrivmsg)
	c.conn.AddCallback("JOIN", c.onJoin)
	c.conn.AddCallback("PART", c.onPart)
	c.conn.AddCallback("QUIT", c.onQuit)
	c.conn.AddCallback("KICK", c.onKick)
	c.conn.AddCallback("KILL", c.onKill)
	c.conn.AddCallback("NICK", c.onNick)

	// WHOIS, WHOWAS and NAMES numerics feed the pending query, if any.
	for _, numeric := range []string{
		"311", "312", "313", "317", "319", "330", "671", // WHOIS
		"314", // WHOWAS
		"353", // NAMES
		"401", "406", // no such nick / was no such nick
	} {
		c.conn.AddCallback(numeric, c.onQueryLine)
	}
	for _, numeric := range []string{"318", "369", "366"} { // end markers
		c.conn.AddCallback(numeric, c.onQueryEnd)
	}
}

// splitSource splits a nick!user@host prefix.
func splitSource(source string) (nick, user, host string) {
	nick, rest, ok := strings.Cut(source, "!")
	if !ok {
		return source, "", ""
	}
	user, host, _ = strings.Cut(rest, "@")
	return nick, user, host
}

func (c *IRC) rememberHost(nick, host string) {
	if host == "" {
		return
	}
	c.mu.Lock()
	c.userHosts[strings.ToLower(nick)] = host
	c.mu.Unlock()
}

func (c *IRC) hostOf(nick string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userHosts[strings.ToLower(nick)]
}

func (c *IRC) onPrivmsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	target, text := e.Params[0], e.Params[1]
	nick, _, host := splitSource(e.Source)
	c.rememberHost(nick, host)

	// Don't echo self.
	if nick == c.conn.CurrentNick() {
		return
	}
	group := bridge.ChannelID(bridge.PlatformIRC, target)
	if !c.Bridged(group) {
		return
	}

	// IRC does not timestamp messages for us, so stamp on receipt.
	c.PublishForward(&bus.Message{
		Text:           text,
		FromUserID:     host,
		FromNick:       nick,
		FromGroup:      group,
		PlatformPrefix: c.cfg.PlatformPrefix,
		CreatedAt:      time.Now().UTC(),
	})
}

func (c *IRC) onJoin(e ircmsg.Message) {
	nick, _, host := splitSource(e.Source)
	c.rememberHost(nick, host)
}

func (c *IRC) onPart(e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	nick, _, host := splitSource(e.Source)
	reason := ""
	if len(e.Params) > 1 && e.Params[1] != "" {
		reason = fmt.Sprintf(" (%s)", e.Params[1])
	}
	c.putSystemMessageIfActive(
		fmt.Sprintf("<IRC: %s 已退出本频道%s>", nick, reason),
		nick, host, e.Params[0])
}

func (c *IRC) onQuit(e ircmsg.Message) {
	nick, _, host := splitSource(e.Source)
	reason := ""
	if len(e.Params) > 0 && e.Params[0] != "" {
		reason = fmt.Sprintf(" (%s)", e.Params[0])
	}
	c.putSystemMessageIfActive(
		fmt.Sprintf("<IRC: %s 已离开 IRC%s>", nick, reason),
		nick, host, "")
}

func (c *IRC) onKick(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	by, _, _ := splitSource(e.Source)
	target := e.Params[1]
	reason := ""
	if len(e.Params) > 2 && e.Params[2] != "" {
		reason = fmt.Sprintf(" (%s)", e.Params[2])
	}
	c.putSystemMessageIfActive(
		fmt.Sprintf("<IRC: %s 已被 %s 踢出本频道%s>", target, by, reason),
		target, c.hostOf(target), e.Params[0])
}

func (c *IRC) onKill(e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	by, _, _ := splitSource(e.Source)
	target := e.Params[0]
	reason := ""
	if len(e.Params) > 1 && e.Params[1] != "" {
		reason = fmt.Sprintf(" (%s)", e.Params[1])
	}
	c.putSystemMessageIfActive(
		fmt.Sprintf("<IRC: %s 已被 %s 踢出服务器%s>", target, by, reason),
		target, c.hostOf(target), "")
}

func (c *IRC) onNick(e ircmsg.Message) {
	if len(e.Params) < 1 {
		return
	}
	old, _, host := splitSource(e.Source)
	newNick := e.Params[0]
	c.rememberHost(newNick, host)
	c.putSystemMessageIfActive(
		fmt.Sprintf("<IRC: %s 已更名为 %s>", old, newNick),
		old, host, "")
}

// putSystemMessageIfActive enqueues a system notice when the affected user
// recently spoke in a bridged channel. With a channel the notice goes only
// there; without one it broadcasts to every channel the user is active in.
func (c *IRC) putSystemMessageIfActive(text, nick, host, channel string) {
	if host == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	since := time.Now().UTC().Add(-time.Duration(c.cfg.ActiveWindowS) * time.Second)
	groups, err := c.Store().RecentActiveGroups(ctx, host, bridge.PlatformIRC, since)
	if err != nil {
		logger.WarnCF("irc", "active groups lookup failed", map[string]any{"error": err.Error()})
		return
	}
	if len(groups) == 0 {
		return
	}

	publish := func(channelName string) {
		c.PublishForward(&bus.Message{
			System: true,
			Text:   text,
			// Keep the user identity on system messages for future
			// moderation commands against it.
			FromUserID:     host,
			FromNick:       nick,
			FromGroup:      bridge.ChannelID(bridge.PlatformIRC, channelName),
			PlatformPrefix: c.cfg.PlatformPrefix,
			CreatedAt:      time.Now().UTC(),
		})
	}

	if channel != "" {
		if !containsString(groups, bridge.ChannelID(bridge.PlatformIRC, channel)) {
			return
		}
		publish(channel)
		return
	}
	for _, group := range groups {
		_, channelName, err := bridge.SplitChannelID(group)
		if err != nil {
			continue
		}
		publish(channelName)
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Send relays text to an IRC channel, splitting long messages into
// max_lines-sized chunks with a one second pause in between, or hosting
// the full text and sending a truncated version with its URL when
// upload_long_msg is enabled. The possibly modified text is returned so
// other IRC peers can reuse it without re-uploading.
func (c *IRC) Send(ctx context.Context, channel, text string) (string, error) {
	lines := strings.Split(text, "\n")
	maxLines := c.cfg.MaxLines

	if len(lines) > maxLines && c.cfg.UploadLongMsg {
		url, err := c.hosting.WriteText(text)
		if err != nil {
			logger.WarnCF("irc", "long message upload failed, falling back to chunks", map[string]any{
				"error": err.Error(),
			})
		} else {
			lines = append(lines[:maxLines:maxLines], "... "+url)
			text = strings.Join(lines, "\n")
		}
	}

	for i, line := range lines {
		// The limiter starts with a spare token; spending it on the first
		// chunk makes every later chunk wait a full second.
		if len(lines) > maxLines && i%maxLines == 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return text, err
			}
		}
		if line == "" {
			line = " "
		}
		if err := c.conn.Privmsg(channel, line); err != nil {
			return text, fmt.Errorf("sending to %s: %w", channel, err)
		}
	}
	return text, nil
}

// Names lists the users of a bridged channel, or checks a single nick's
// presence when target is given.
func (c *IRC) Names(ctx context.Context, channel, target string) (string, error) {
	reply, err := c.query(ctx, "NAMES", channel)
	if err != nil {
		return "", err
	}
	if target == "" {
		return reply, nil
	}
	for _, word := range strings.Fields(reply) {
		if strings.TrimLeft(word, "@+%&~") == target {
			return fmt.Sprintf("%s is in %s", target, channel), nil
		}
	}
	return fmt.Sprintf("%s is not in %s", target, channel), nil
}

// Whois reports WHOIS data of an online nick.
func (c *IRC) Whois(ctx context.Context, nick string) (string, error) {
	return c.query(ctx, "WHOIS", nick)
}

// Whowas reports WHOWAS data of an offline nick.
func (c *IRC) Whowas(ctx context.Context, nick string) (string, error) {
	return c.query(ctx, "WHOWAS", nick)
}

// query sends an IRC lookup command and gathers its numeric replies until
// the end marker or the query timeout.
func (c *IRC) query(ctx context.Context, command string, param string) (string, error) {
	q := &ircQuery{
		lines: make(chan string, 32),
		done:  make(chan struct{}),
	}
	key := strings.ToLower(param)
	c.mu.Lock()
	c.pending[key] = q
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(command, param); err != nil {
		return "", fmt.Errorf("sending %s: %w", command, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ircQueryTimeout)
	defer cancel()

	var sb strings.Builder
	for {
		select {
		case line := <-q.lines:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(line)
		case <-q.done:
			// Drain anything that raced the end marker.
			for {
				select {
				case line := <-q.lines:
					if sb.Len() > 0 {
						sb.WriteString("\n")
					}
					sb.WriteString(line)
				default:
					if sb.Len() == 0 {
						return "Error: no such user", nil
					}
					return sb.String(), nil
				}
			}
		case <-ctx.Done():
			return "Error: server response timed out", nil
		}
	}
}

// queryKey extracts the nick/channel a numeric reply is about. Numerics
// put it in the second parameter (the first is our own nick).
func queryKey(e ircmsg.Message) string {
	if len(e.Params) < 2 {
		return ""
	}
	return strings.ToLower(e.Params[1])
}

func (c *IRC) lookupQuery(e ircmsg.Message) *ircQuery {
	key := queryKey(e)
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.pending[key]; ok {
		return q
	}
	// NAMES replies carry the channel in the third parameter
	// (RPL_NAMREPLY: <client> <symbol> <channel> :names...).
	if len(e.Params) >= 3 {
		if q, ok := c.pending[strings.ToLower(e.Params[2])]; ok {
			return q
		}
	}
	return nil
}

func (c *IRC) onQueryLine(e ircmsg.Message) {
	q := c.lookupQuery(e)
	if q == nil {
		return
	}
	// Drop our own nick from the front of the numeric.
	line := strings.Join(e.Params[1:], " ")
	select {
	case q.lines <- line:
	default:
	}
}

func (c *IRC) onQueryEnd(e ircmsg.Message) {
	q := c.lookupQuery(e)
	if q == nil {
		return
	}
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
