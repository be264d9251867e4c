package channel

import (
	"context"
	"strings"

	"tagbot/pkg/message"
)

// Handler processes one inbound event. Adapters may call it concurrently.
type Handler func(context.Context, *message.Inbound)

// Adapter bridges one external transport (for example a WhatsApp bridge) into tagbot.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// Role is a member's permission tag inside a group.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// ParseRole normalizes a wire role name. Unknown values are plain members.
func ParseRole(value string) Role {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "admin":
		return RoleAdmin
	case "owner", "superadmin":
		return RoleOwner
	default:
		return RoleMember
	}
}

// Privileged reports whether the role may run admin-only commands.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Member is one roster entry.
type Member struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Roster is the ordered member list of a group.
type Roster []Member

// Find returns the member with the given id.
func (r Roster) Find(id string) (Member, bool) {
	for _, member := range r {
		if member.ID == id {
			return member, true
		}
	}

	return Member{}, false
}

// IDs returns member ids in roster order.
func (r Roster) IDs() []string {
	ids := make([]string, 0, len(r))
	for _, member := range r {
		ids = append(ids, member.ID)
	}

	return ids
}

// SendOptions carries optional outbound metadata.
type SendOptions struct {
	Mentions []string
	QuotedID string
}

// Sticker is an encoded sticker ready for delivery.
type Sticker struct {
	Data     []byte
	Animated bool
	Pack     string
	Author   string
}

// Transport is the outbound surface the command pipeline consumes.
type Transport interface {
	SendText(ctx context.Context, chatID string, text string, opts SendOptions) error
	SendSticker(ctx context.Context, chatID string, sticker Sticker, opts SendOptions) error
	FetchRoster(ctx context.Context, chatID string) (Roster, error)
	Download(ctx context.Context, attachment message.Attachment) ([]byte, error)
	SelfID() string
}
