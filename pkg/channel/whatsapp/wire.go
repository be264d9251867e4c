package whatsapp

import (
	"encoding/json"
	"strings"
	"time"

	"tagbot/pkg/channel"
	"tagbot/pkg/message"
)

// Frame types exchanged with the bridge.
const (
	frameHello    = "hello"
	frameReady    = "ready"
	frameMessage  = "message"
	frameResponse = "response"

	requestSendText    = "send_text"
	requestSendSticker = "send_sticker"
	requestGroupRoster = "group_roster"
	requestDownload    = "download"
)

// inboundFrame is the union of every frame the bridge may push.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	SelfID  string          `json:"self_id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message *wireMessage    `json:"message,omitempty"`
}

type helloFrame struct {
	Type        string `json:"type"`
	AuthDir     string `json:"auth_dir,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Token       string `json:"token,omitempty"`
}

type wireMessage struct {
	ID        string       `json:"id"`
	Chat      string       `json:"chat"`
	From      string       `json:"from"`
	FromMe    bool         `json:"from_me,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Text      string       `json:"text,omitempty"`
	Media     *wireMedia   `json:"media,omitempty"`
	Quoted    *wireMessage `json:"quoted,omitempty"`
}

type wireMedia struct {
	Kind    string `json:"kind"`
	Caption string `json:"caption,omitempty"`
	message.Attachment
}

// toInbound converts a bridge message. Quotes are followed one level deep.
func toInbound(wire *wireMessage, followQuote bool) *message.Inbound {
	if wire == nil {
		return nil
	}

	in := &message.Inbound{
		ID:       wire.ID,
		ChatID:   strings.TrimSpace(wire.Chat),
		SenderID: strings.TrimSpace(wire.From),
		FromMe:   wire.FromMe,
	}
	if in.ChatID == "" {
		in.ChatID = in.SenderID
	}
	if wire.Timestamp > 0 {
		in.Timestamp = time.Unix(wire.Timestamp, 0).UTC()
	}

	if wire.Text != "" {
		in.Parts = append(in.Parts, message.Part{Kind: message.KindText, Text: wire.Text})
	}
	if wire.Media != nil {
		kind := message.ParseKind(wire.Media.Kind)
		switch kind {
		case message.KindImage, message.KindVideo, message.KindDocument:
			attachment := wire.Media.Attachment
			if attachment.ID == "" {
				attachment.ID = wire.ID
			}
			in.Parts = append(in.Parts, message.Part{Kind: kind, Text: wire.Media.Caption, Attachment: &attachment})
		default:
			in.Parts = append(in.Parts, message.Part{Kind: message.KindNone})
		}
	}

	if followQuote {
		in.Quoted = toInbound(wire.Quoted, false)
	}

	return in
}

// requestHeader is embedded in every outbound request frame.
type requestHeader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (h *requestHeader) header() *requestHeader { return h }

type request interface {
	header() *requestHeader
}

type sendTextRequest struct {
	requestHeader
	To       string   `json:"to"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions,omitempty"`
	QuotedID string   `json:"quoted_id,omitempty"`
}

type sendStickerRequest struct {
	requestHeader
	To       string `json:"to"`
	Data     []byte `json:"data"`
	Animated bool   `json:"animated"`
	Pack     string `json:"pack,omitempty"`
	Author   string `json:"author,omitempty"`
	QuotedID string `json:"quoted_id,omitempty"`
}

type groupRosterRequest struct {
	requestHeader
	Chat string `json:"chat"`
}

type downloadRequest struct {
	requestHeader
	MessageID string `json:"message_id"`
	MimeType  string `json:"mime_type,omitempty"`
}

type rosterData struct {
	Participants []struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"participants"`
}

func (d rosterData) roster() channel.Roster {
	roster := make(channel.Roster, 0, len(d.Participants))
	for _, participant := range d.Participants {
		id := strings.TrimSpace(participant.ID)
		if id == "" {
			continue
		}
		roster = append(roster, channel.Member{ID: id, Role: channel.ParseRole(participant.Role)})
	}

	return roster
}

type downloadData struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}
