package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/chatbridge/pkg/bus"
	"github.com/sipeed/chatbridge/pkg/config"
)

func boolp(b bool) *bool    { return &b }
func int64p(v int64) *int64 { return &v }

func msgFrom(group, nick, text string) *bus.Message {
	return &bus.Message{FromGroup: group, FromNick: nick, Text: text}
}

func TestSendRuleMatchesOrigin(t *testing.T) {
	e, err := New([]config.FilterRule{
		{Event: "send", Group: "^irc/#a$", Text: "secret"},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, e.Test(ctx, msgFrom("irc/#a", "alice", "the secret plan"), "telegram/100"))
	require.False(t, e.Test(ctx, msgFrom("irc/#a", "alice", "all public"), "telegram/100"))
	require.False(t, e.Test(ctx, msgFrom("irc/#b", "alice", "the secret plan"), "telegram/100"))
}

func TestDefaultEventIsSend(t *testing.T) {
	e, err := New([]config.FilterRule{
		{Group: "^irc/", Text: "blockme"},
	}, nil)
	require.NoError(t, err)
	require.True(t, e.Test(context.Background(), msgFrom("irc/#a", "x", "blockme"), "discord/1"))
}

func TestReceiveRuleMatchesDestination(t *testing.T) {
	e, err := New([]config.FilterRule{
		{Event: "receive", Group: "^telegram/100$", Nick: "spammer"},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	msg := msgFrom("irc/#a", "spammer", "hello")
	require.True(t, e.Test(ctx, msg, "telegram/100"))
	// Same message to another peer passes: the filter runs per peer.
	require.False(t, e.Test(ctx, msg, "discord/200"))
}

func TestAllPropertiesMustMatch(t *testing.T) {
	e, err := New([]config.FilterRule{
		{Group: "", Text: "spam", Nick: "^evil$"},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.True(t, e.Test(ctx, msgFrom("irc/#a", "evil", "spam here"), "x"))
	require.False(t, e.Test(ctx, msgFrom("irc/#a", "good", "spam here"), "x"))
	require.False(t, e.Test(ctx, msgFrom("irc/#a", "evil", "clean"), "x"))
}

func TestGroupOnlyRuleBlocksEverything(t *testing.T) {
	e, err := New([]config.FilterRule{
		{Group: "^irc/#quarantine$"},
	}, nil)
	require.NoError(t, err)
	require.True(t, e.Test(context.Background(), msgFrom("irc/#quarantine", "any", "any"), "x"))
}

func TestReplyFiltering(t *testing.T) {
	rule := config.FilterRule{Group: "", Text: "banned"}

	t.Run("reply is checked by default", func(t *testing.T) {
		e, err := New([]config.FilterRule{rule}, nil)
		require.NoError(t, err)
		msg := msgFrom("irc/#a", "bob", "clean text")
		msg.ReplyTo = &bus.Record{Text: "banned words"}
		require.True(t, e.Test(context.Background(), msg, "x"))
	})

	t.Run("filter_reply false skips reply", func(t *testing.T) {
		withOptOut := rule
		withOptOut.FilterReply = boolp(false)
		e, err := New([]config.FilterRule{withOptOut}, nil)
		require.NoError(t, err)
		msg := msgFrom("irc/#a", "bob", "clean text")
		msg.ReplyTo = &bus.Record{Text: "banned words"}
		require.False(t, e.Test(context.Background(), msg, "x"))
	})
}

func TestBadPatternFailsLoading(t *testing.T) {
	_, err := New([]config.FilterRule{{Group: "("}}, nil)
	require.Error(t, err)
	_, err = New([]config.FilterRule{{Text: "["}}, nil)
	require.Error(t, err)
}

func TestSpamChecker(t *testing.T) {
	var gotKey string
	var gotReq spamCheckRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(spamCheckResponse{IsSpam: true})
	}))
	defer srv.Close()

	spam := NewSpamChecker(&config.SpamCheckConfig{
		APIKey:  "sekrit",
		BaseURL: srv.URL,
		DelayMS: 1,
	})

	msg := &bus.Message{
		FromGroup:     "telegram/-100123",
		FromUserID:    "314",
		FromMessageID: int64p(42),
	}
	require.True(t, spam.IsSpam(context.Background(), msg))
	require.Equal(t, "sekrit", gotKey)
	require.Equal(t, int64(42), gotReq.MessageID)
	require.Equal(t, int64(-100123), gotReq.ChatID)
	require.Equal(t, int64(314), gotReq.UserID)

	t.Run("non-telegram messages skip the API", func(t *testing.T) {
		require.False(t, spam.IsSpam(context.Background(), msgFrom("irc/#a", "x", "y")))
	})
}

func TestSpamCheckerFailuresNeverBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	spam := NewSpamChecker(&config.SpamCheckConfig{APIKey: "k", BaseURL: srv.URL, DelayMS: 1})
	msg := &bus.Message{FromGroup: "telegram/1", FromUserID: "2", FromMessageID: int64p(3)}
	require.False(t, spam.IsSpam(context.Background(), msg))

	srv.Close() // connection refused path
	require.False(t, spam.IsSpam(context.Background(), msg))
}

func TestNewSpamCheckerDisabled(t *testing.T) {
	require.Nil(t, NewSpamChecker(nil))
	require.Nil(t, NewSpamChecker(&config.SpamCheckConfig{BaseURL: "https://x"}))
}
