// Package message models inbound WhatsApp events as the command pipeline sees them.
package message

import (
	"strings"
	"time"
)

// GroupServer is the JID server suffix used by multi-party group chats.
const GroupServer = "@g.us"

// Kind tags one content part of an inbound message.
type Kind int

const (
	// KindNone covers shapes the pipeline ignores (stickers, audio, reactions, ...).
	KindNone Kind = iota
	KindText
	KindImage
	KindVideo
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	default:
		return "none"
	}
}

// ParseKind maps a wire name back to a Kind. Unknown names become KindNone.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "text":
		return KindText
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "document":
		return KindDocument
	default:
		return KindNone
	}
}

// Attachment references downloadable media held by the transport.
type Attachment struct {
	ID          string `json:"id"`
	MimeType    string `json:"mime_type,omitempty"`
	GIFPlayback bool   `json:"gif_playback,omitempty"`
	FileLength  int64  `json:"file_length,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

// Part is one content variant of a message. Text holds the body for KindText
// and the caption for media kinds.
type Part struct {
	Kind       Kind
	Text       string
	Attachment *Attachment
}

// Inbound is an immutable message event received from the transport.
type Inbound struct {
	ID        string
	ChatID    string
	SenderID  string
	FromMe    bool
	Parts     []Part
	Quoted    *Inbound
	Timestamp time.Time
}

// IsGroup reports whether the conversation is a multi-party group.
func (m *Inbound) IsGroup() bool {
	return m != nil && IsGroupChat(m.ChatID)
}

// IsGroupChat reports whether chatID addresses a group.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(strings.TrimSpace(chatID), GroupServer)
}

// Part returns the first part of the given kind.
func (m *Inbound) Part(kind Kind) (Part, bool) {
	if m == nil {
		return Part{}, false
	}

	for _, part := range m.Parts {
		if part.Kind == kind {
			return part, true
		}
	}

	return Part{}, false
}

// textOrder is the extraction priority: body first, then captions.
var textOrder = []Kind{KindText, KindImage, KindVideo, KindDocument}

// Text returns the command line carried by the message: the body if present,
// otherwise the first image, video or document caption.
func Text(m *Inbound) string {
	if m == nil {
		return ""
	}

	for _, kind := range textOrder {
		for _, part := range m.Parts {
			if part.Kind != kind {
				continue
			}
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}

	return ""
}
