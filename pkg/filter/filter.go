// Package filter decides whether a message may be relayed to a peer. It
// evaluates the rule list from the filter document and, when configured,
// a remote spam-check API for Telegram messages.
package filter

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sipeed/chatbridge/pkg/bridge"
	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
	"github.com/sipeed/chatbridge/pkg/logger"
)

type compiledRule struct {
	event       string
	group       *regexp.Regexp
	props       []propMatcher
	filterReply bool
}

type propMatcher struct {
	re    *regexp.Regexp
	value func(m *bus.Message) string
	reply func(r *bus.Record) string
}

// Engine tests messages against the configured rules. A nil spam checker
// disables the remote check.
type Engine struct {
	rules []compiledRule
	spam  *SpamChecker
}

// New compiles the rule list. Invalid regexes fail loading outright so a
// broken filter file never silently lets messages through.
func New(rules []config.FilterRule, spam *SpamChecker) (*Engine, error) {
	e := &Engine{spam: spam}
	for i, rule := range rules {
		cr := compiledRule{
			event:       rule.Event,
			filterReply: rule.FilterReply == nil || *rule.FilterReply,
		}
		if cr.event == "" {
			cr.event = "send"
		}

		var err error
		if cr.group, err = regexp.Compile(rule.Group); err != nil {
			return nil, fmt.Errorf("filter %d: bad group pattern: %w", i, err)
		}

		type prop struct {
			pattern string
			value   func(m *bus.Message) string
			reply   func(r *bus.Record) string
		}
		for _, p := range []prop{
			{rule.Text, func(m *bus.Message) string { return m.Text }, func(r *bus.Record) string { return r.Text }},
			{rule.Nick, func(m *bus.Message) string { return m.FromNick }, func(r *bus.Record) string { return r.FromNick }},
			{rule.FwdFrom, func(m *bus.Message) string { return m.FwdFrom }, func(r *bus.Record) string { return r.FwdFrom }},
		} {
			if p.pattern == "" {
				continue
			}
			re, err := regexp.Compile(p.pattern)
			if err != nil {
				return nil, fmt.Errorf("filter %d: bad property pattern: %w", i, err)
			}
			cr.props = append(cr.props, propMatcher{re: re, value: p.value, reply: p.reply})
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Test reports whether the message must be blocked on its way to toGroup.
// It is called once per fan-out peer, so "receive" rules can block a
// single destination while the rest of the fan-out proceeds.
func (e *Engine) Test(ctx context.Context, msg *bus.Message, toGroup string) bool {
	if e.spam != nil && e.spam.IsSpam(ctx, msg) {
		logger.InfoCF("filter", "message blocked by spam check", map[string]any{
			"from_group": msg.FromGroup,
		})
		return true
	}

	for _, rule := range e.rules {
		switch rule.event {
		case "send":
			if !rule.group.MatchString(msg.FromGroup) {
				continue
			}
		case "receive":
			if !rule.group.MatchString(toGroup) {
				continue
			}
		default:
			continue
		}

		if matchAll(rule.props, msg, nil) {
			return true
		}
		if rule.filterReply && msg.ReplyTo != nil && matchAll(rule.props, nil, msg.ReplyTo) {
			return true
		}
	}
	return false
}

// matchAll requires every specified property pattern to match. A rule
// with no property patterns matches on its event/group filter alone.
func matchAll(props []propMatcher, msg *bus.Message, reply *bus.Record) bool {
	for _, p := range props {
		var v string
		if msg != nil {
			v = p.value(msg)
		} else {
			v = p.reply(reply)
		}
		if !p.re.MatchString(v) {
			return false
		}
	}
	return true
}

// spamEligible extracts the numeric Telegram chat id a spam check needs,
// or false when the message is not eligible (non-Telegram, missing ids).
func spamEligible(msg *bus.Message) (chatID int64, ok bool) {
	platform, native, err := bridge.SplitChannelID(msg.FromGroup)
	if err != nil || platform != bridge.PlatformTelegram {
		return 0, false
	}
	if msg.FromMessageID == nil || msg.FromUserID == "" {
		return 0, false
	}
	if _, err := fmt.Sscanf(native, "%d", &chatID); err != nil {
		return 0, false
	}
	return chatID, true
}
