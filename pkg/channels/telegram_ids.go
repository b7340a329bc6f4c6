package channels

import (
	"github.com/gotd/td/tg"
)

// Telegram chat ids in config and channel IDs use the bot-API convention:
// users are positive, basic groups are negated, channels/supergroups are
// offset below -10^12. MTProto wants the bare id plus a peer class, so the
// client translates at its boundary.
const channelIDOffset = int64(1000000000000)

// chatKind classifies a configured chat id.
type chatKind int

const (
	chatKindUser chatKind = iota
	chatKindChat
	chatKindChannel
)

// splitChatID converts a bot-API style chat id into its MTProto kind and
// bare id.
func splitChatID(chatID int64) (chatKind, int64) {
	switch {
	case chatID <= -channelIDOffset:
		return chatKindChannel, -chatID - channelIDOffset
	case chatID < 0:
		return chatKindChat, -chatID
	default:
		return chatKindUser, chatID
	}
}

// joinChatID is the inverse of splitChatID.
func joinChatID(kind chatKind, id int64) int64 {
	switch kind {
	case chatKindChannel:
		return -id - channelIDOffset
	case chatKindChat:
		return -id
	default:
		return id
	}
}

// peerChatID maps an MTProto peer to its bot-API style chat id.
func peerChatID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		return joinChatID(chatKindChannel, p.ChannelID)
	case *tg.PeerChat:
		return joinChatID(chatKindChat, p.ChatID)
	case *tg.PeerUser:
		return joinChatID(chatKindUser, p.UserID)
	}
	return 0
}
