package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"tagbot/pkg/channel"
	"tagbot/pkg/config"
	"tagbot/pkg/message"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	channelName         = "whatsapp"
	messagePreviewLimit = 240
	handshakeTimeout    = 10 * time.Second
	writeTimeout        = 10 * time.Second
	maxFrameBytes       = 32 << 20
)

// ErrNotConnected is returned by requests issued while no bridge session is open.
var ErrNotConnected = errors.New("whatsapp bridge is not connected")

type pendingResponse struct {
	ok      bool
	errText string
	data    json.RawMessage
}

// Adapter connects to a WhatsApp bridge over a websocket. It delivers inbound
// messages to a handler and implements channel.Transport for replies.
type Adapter struct {
	url            string
	hello          helloFrame
	allowFrom      map[string]struct{}
	requestTimeout time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	log            *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan pendingResponse
	selfID  string

	writeMu sync.Mutex
}

// NewAdapter validates bridge settings and constructs an adapter instance.
func NewAdapter(cfg config.WhatsAppConfig, bot config.BotConfig, log *slog.Logger) (*Adapter, error) {
	rawURL := strings.TrimSpace(cfg.BridgeURL)
	if rawURL == "" {
		return nil, errors.New("channels.whatsapp.bridge_url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channels.whatsapp.bridge_url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("channels.whatsapp.bridge_url scheme %q is not ws or wss", parsed.Scheme)
	}

	if log == nil {
		log = slog.Default()
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	reconnectDelay := time.Duration(cfg.ReconnectSeconds) * time.Second
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	return &Adapter{
		url: rawURL,
		hello: helloFrame{
			Type:        frameHello,
			AuthDir:     bot.AuthDir,
			DisplayName: bot.DisplayName,
			Token:       strings.TrimSpace(cfg.AuthToken),
		},
		allowFrom:      allowFromSet(cfg.AllowFrom),
		requestTimeout: requestTimeout,
		reconnectDelay: reconnectDelay,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
		log:     log.With("component", "channel.whatsapp"),
		pending: make(map[string]chan pendingResponse),
	}, nil
}

// Name returns the channel identifier used in status output and logs.
func (a *Adapter) Name() string {
	return channelName
}

// SelfID returns the bot account id announced by the bridge, or "" before ready.
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

// Run keeps a bridge session open until ctx ends, reconnecting after
// failures. Each inbound message is handled on its own goroutine and Run waits
// for in-flight handlers before returning.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		err := a.session(ctx, handler, &handlers)
		if ctx.Err() != nil {
			return nil
		}

		a.log.Warn("WhatsApp bridge session ended", "error", err, "retry_in", a.reconnectDelay)

		timer := time.NewTimer(a.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to disconnect.
func (a *Adapter) session(ctx context.Context, handler channel.Handler, handlers *sync.WaitGroup) error {
	conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("connect to whatsapp bridge: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := a.write(conn, a.hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer a.detach(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	a.log.Info("WhatsApp bridge connected", "url", a.url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read bridge frame: %w", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.log.Warn("Failed to decode bridge frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameReady:
			a.mu.Lock()
			a.selfID = strings.TrimSpace(frame.SelfID)
			a.mu.Unlock()
			a.log.Info("WhatsApp bridge ready", "self_id", frame.SelfID)
		case frameResponse:
			a.resolve(frame)
		case frameMessage:
			inbound := toInbound(frame.Message, true)
			if inbound == nil {
				continue
			}
			if !a.allowed(inbound) {
				a.log.Debug("Ignoring message from unauthorized chat", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID)
				continue
			}

			a.log.Info("Received message", "chat_id", inbound.ChatID, "sender_id", inbound.SenderID, "message_id", inbound.ID, "content", previewText(message.Text(inbound)))

			handlers.Add(1)
			go func() {
				defer handlers.Done()
				handler(ctx, inbound)
			}()
		default:
			a.log.Debug("Ignoring bridge frame", "type", frame.Type)
		}
	}
}

// detach drops conn and fails every request still waiting on it.
func (a *Adapter) detach(conn *websocket.Conn) {
	_ = conn.Close()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == conn {
		a.conn = nil
	}
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

func (a *Adapter) resolve(frame inboundFrame) {
	a.mu.Lock()
	ch, ok := a.pending[frame.ID]
	delete(a.pending, frame.ID)
	a.mu.Unlock()

	if !ok {
		a.log.Debug("Dropping response for unknown request", "id", frame.ID)
		return
	}

	ch <- pendingResponse{ok: frame.OK, errText: frame.Error, data: frame.Data}
}

func (a *Adapter) write(conn *websocket.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// call sends req and waits for the correlated response. out may be nil.
func (a *Adapter) call(ctx context.Context, req request, out any) error {
	header := req.header()
	header.ID = uuid.NewString()

	ch := make(chan pendingResponse, 1)

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return fmt.Errorf("%s: %w", header.Type, ErrNotConnected)
	}
	a.pending[header.ID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, header.ID)
		a.mu.Unlock()
	}()

	if err := a.write(conn, req); err != nil {
		return fmt.Errorf("%s: write request: %w", header.Type, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", header.Type, ErrNotConnected)
		}
		if !resp.ok {
			detail := strings.TrimSpace(resp.errText)
			if detail == "" {
				detail = "request rejected"
			}
			return fmt.Errorf("%s: bridge error: %s", header.Type, detail)
		}
		if out != nil && len(resp.data) > 0 {
			if err := json.Unmarshal(resp.data, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", header.Type, err)
			}
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("%s: %w", header.Type, waitCtx.Err())
	}
}

func (a *Adapter) SendText(ctx context.Context, chatID string, text string, opts channel.SendOptions) error {
	return a.call(ctx, &sendTextRequest{
		requestHeader: requestHeader{Type: requestSendText},
		To:            chatID,
		Text:          text,
		Mentions:      opts.Mentions,
		QuotedID:      opts.QuotedID,
	}, nil)
}

func (a *Adapter) SendSticker(ctx context.Context, chatID string, sticker channel.Sticker, opts channel.SendOptions) error {
	return a.call(ctx, &sendStickerRequest{
		requestHeader: requestHeader{Type: requestSendSticker},
		To:            chatID,
		Data:          sticker.Data,
		Animated:      sticker.Animated,
		Pack:          sticker.Pack,
		Author:        sticker.Author,
		QuotedID:      opts.QuotedID,
	}, nil)
}

func (a *Adapter) FetchRoster(ctx context.Context, chatID string) (channel.Roster, error) {
	var data rosterData
	if err := a.call(ctx, &groupRosterRequest{
		requestHeader: requestHeader{Type: requestGroupRoster},
		Chat:          chatID,
	}, &data); err != nil {
		return nil, err
	}

	return data.roster(), nil
}

func (a *Adapter) Download(ctx context.Context, attachment message.Attachment) ([]byte, error) {
	var data downloadData
	if err := a.call(ctx, &downloadRequest{
		requestHeader: requestHeader{Type: requestDownload},
		MessageID:     attachment.ID,
		MimeType:      attachment.MimeType,
	}, &data); err != nil {
		return nil, err
	}

	return data.Data, nil
}

// allowed checks the chat or sender against allow_from. An empty list admits everyone.
func (a *Adapter) allowed(in *message.Inbound) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	if _, ok := a.allowFrom[in.ChatID]; ok {
		return true
	}
	_, ok := a.allowFrom[in.SenderID]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
