package broadcast

import (
	"context"
	"log/slog"
	"strings"

	"tagbot/pkg/channel"
	"tagbot/pkg/fault"
	"tagbot/pkg/message"
)

const (
	// DefaultText is sent when the caller supplies no message.
	DefaultText = "Ping semua member 👋"

	// Filler is appended once per member. It renders as nothing, while the
	// mention metadata attached to the message notifies everyone.
	Filler = "\u200b"
)

// RosterSource fetches the current member list of a group.
type RosterSource interface {
	FetchRoster(ctx context.Context, chatID string) (channel.Roster, error)
}

// Sender delivers one text message.
type Sender interface {
	SendText(ctx context.Context, chatID string, text string, opts channel.SendOptions) error
}

// Outbound is a composed mass-mention message.
type Outbound struct {
	Text     string
	Mentions []string
}

// Compose builds the broadcast text and mention list for roster.
//
// The header is followed by a newline and one Filler per member with no
// separator between units.
func Compose(text string, roster channel.Roster) Outbound {
	header := strings.TrimSpace(text)
	if header == "" {
		header = DefaultText
	}

	return Outbound{
		Text:     header + "\n" + strings.Repeat(Filler, len(roster)),
		Mentions: roster.IDs(),
	}
}

// Broadcaster sends admin-only mass mentions.
type Broadcaster struct {
	roster RosterSource
	sender Sender
	log    *slog.Logger
}

func New(roster RosterSource, sender Sender, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}

	return &Broadcaster{roster: roster, sender: sender, log: log.With("component", "broadcast")}
}

// TagAll mentions every member of chatID on behalf of senderID.
// The roster is fetched on every call since roles may change between calls.
func (b *Broadcaster) TagAll(ctx context.Context, chatID string, senderID string, text string, opts channel.SendOptions) (Outbound, error) {
	if !message.IsGroupChat(chatID) {
		return Outbound{}, fault.New(fault.NotAGroup, chatID)
	}

	roster, err := b.roster.FetchRoster(ctx, chatID)
	if err != nil {
		return Outbound{}, fault.Wrap(fault.RosterUnavailable, err, "fetch roster")
	}

	// An empty roster cannot contain the sender, so it is reported before authorization.
	if len(roster) == 0 {
		return Outbound{}, fault.New(fault.EmptyRoster, chatID)
	}

	sender, ok := roster.Find(senderID)
	if !ok || !sender.Role.Privileged() {
		return Outbound{}, fault.New(fault.NotAuthorized, senderID)
	}

	out := Compose(text, roster)
	opts.Mentions = out.Mentions

	if err := b.sender.SendText(ctx, chatID, out.Text, opts); err != nil {
		return Outbound{}, fault.Wrap(fault.SendFailed, err, "send broadcast")
	}

	b.log.Info("Broadcast sent", "chat_id", chatID, "sender_id", senderID, "members", len(roster))
	return out, nil
}
