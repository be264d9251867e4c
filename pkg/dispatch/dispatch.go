package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"tagbot/pkg/broadcast"
	"tagbot/pkg/bus"
	"tagbot/pkg/channel"
	"tagbot/pkg/command"
	"tagbot/pkg/fault"
	"tagbot/pkg/media"
	"tagbot/pkg/message"
	"tagbot/pkg/sticker"
)

// Config is the command surface of a dispatcher.
type Config struct {
	Prefix      string
	DefaultMeta sticker.Meta
}

// Stickers encodes resolved media as a sticker.
type Stickers interface {
	Make(ctx context.Context, in *media.Resolved, meta sticker.Meta) (*sticker.Artifact, error)
}

type handlerFunc func(ctx context.Context, in *message.Inbound, args string) error

// Dispatcher routes inbound command messages to their handlers and answers
// every failure in the originating chat.
type Dispatcher struct {
	cfg         Config
	transport   channel.Transport
	resolver    *media.Resolver
	stickers    Stickers
	broadcaster *broadcast.Broadcaster
	events      *bus.EventBus
	log         *slog.Logger

	routes map[string]handlerFunc
}

// New wires a dispatcher over transport. events may be nil.
func New(cfg Config, transport channel.Transport, stickers Stickers, events *bus.EventBus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = command.DefaultPrefix
	}

	d := &Dispatcher{
		cfg:         cfg,
		transport:   transport,
		resolver:    media.NewResolver(transport, log),
		stickers:    stickers,
		broadcaster: broadcast.New(transport, transport, log),
		events:      events,
		log:         log.With("component", "dispatch"),
	}

	d.routes = map[string]handlerFunc{
		"sticker":    d.handleSticker,
		"s":          d.handleSticker,
		"stiker":     d.handleSticker,
		"tagall":     d.handleTagAll,
		"help":       d.handleHelp,
		"menu":       d.handleHelp,
		"admindebug": d.handleAdminDebug,
	}

	return d
}

// Handle processes one inbound event to completion. It never panics and
// never returns an error; failures end as replies and log lines.
func (d *Dispatcher) Handle(ctx context.Context, in *message.Inbound) {
	if in == nil || in.FromMe {
		return
	}

	parsed, ok := command.Parse(message.Text(in), d.cfg.Prefix)
	if !ok {
		return
	}

	handler, ok := d.routes[parsed.Verb]
	if !ok {
		if parsed.Verb != "" {
			d.log.Debug("Ignoring unknown command", "verb", parsed.Verb, "chat_id", in.ChatID)
		}
		return
	}

	started := time.Now()
	d.publish(ctx, in, parsed.Verb, bus.Event{Type: bus.EventCommandReceived})

	err := d.invoke(ctx, handler, in, parsed)
	elapsed := time.Since(started)
	if err == nil {
		d.log.Info("Command completed", "verb", parsed.Verb, "chat_id", in.ChatID, "sender_id", in.SenderID, "elapsed", elapsed)
		d.publish(ctx, in, parsed.Verb, bus.Event{Type: bus.EventCommandCompleted, Elapsed: elapsed})
		return
	}

	category := fault.CategoryOf(err)
	attrs := []any{"verb", parsed.Verb, "chat_id", in.ChatID, "sender_id", in.SenderID, "category", category, "error", err}
	if fault.Expected(err) {
		d.log.Warn("Command failed", attrs...)
	} else {
		d.log.Error("Command failed", attrs...)
	}

	d.publish(ctx, in, parsed.Verb, bus.Event{Type: bus.EventCommandFailed, Category: category, Error: err.Error(), Elapsed: elapsed})
	d.reply(ctx, in, d.failureText(category))
}

// invoke runs handler and converts a panic into an internal failure.
func (d *Dispatcher) invoke(ctx context.Context, handler handlerFunc, in *message.Inbound, parsed command.Parsed) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.log.Error("Command handler panicked", "verb", parsed.Verb, "panic", recovered, "stack", string(debug.Stack()))
			err = fault.New(fault.Internal, fmt.Sprintf("panic: %v", recovered))
		}
	}()

	return handler(ctx, in, parsed.Args)
}

func (d *Dispatcher) handleSticker(ctx context.Context, in *message.Inbound, args string) error {
	resolved, err := d.resolver.Resolve(ctx, in)
	if err != nil {
		return err
	}
	if resolved == nil {
		return fault.New(fault.NoMediaFound, "no image or video in message or quote")
	}

	meta := sticker.ParseMeta(args, d.cfg.DefaultMeta)
	artifact, err := d.stickers.Make(ctx, resolved, meta)
	if err != nil {
		return err
	}

	payload := channel.Sticker{
		Data:     artifact.Data,
		Animated: artifact.Animated,
		Pack:     artifact.Meta.Pack,
		Author:   artifact.Meta.Author,
	}
	if err := d.transport.SendSticker(ctx, in.ChatID, payload, channel.SendOptions{QuotedID: in.ID}); err != nil {
		return fault.Wrap(fault.SendFailed, err, "send sticker")
	}

	return nil
}

func (d *Dispatcher) handleTagAll(ctx context.Context, in *message.Inbound, args string) error {
	_, err := d.broadcaster.TagAll(ctx, in.ChatID, in.SenderID, args, channel.SendOptions{})
	return err
}

func (d *Dispatcher) handleHelp(ctx context.Context, in *message.Inbound, _ string) error {
	d.reply(ctx, in, HelpText(d.cfg.Prefix))
	return nil
}

func (d *Dispatcher) handleAdminDebug(ctx context.Context, in *message.Inbound, _ string) error {
	if !in.IsGroup() {
		return fault.New(fault.NotAGroup, in.ChatID)
	}

	roster, err := d.transport.FetchRoster(ctx, in.ChatID)
	if err != nil {
		return fault.Wrap(fault.RosterUnavailable, err, "fetch roster")
	}

	d.reply(ctx, in, AdminDebugText(roster, in.SenderID, d.transport.SelfID()))
	return nil
}

// reply answers in.ChatID quoting the trigger. Send failures are logged only.
func (d *Dispatcher) reply(ctx context.Context, in *message.Inbound, text string) {
	if err := d.transport.SendText(ctx, in.ChatID, text, channel.SendOptions{QuotedID: in.ID}); err != nil {
		d.log.Warn("Failed to send reply", "chat_id", in.ChatID, "message_id", in.ID, "error", err)
	}
}

func (d *Dispatcher) publish(ctx context.Context, in *message.Inbound, verb string, event bus.Event) {
	event.MessageID = in.ID
	event.ChatID = in.ChatID
	event.SenderID = in.SenderID
	event.Verb = verb
	d.events.Publish(ctx, event)
}

func (d *Dispatcher) failureText(category string) string {
	switch category {
	case fault.NotAGroup:
		return "Perintah ini hanya untuk grup."
	case fault.NotAuthorized:
		return "Perintah ini hanya untuk admin grup."
	case fault.EmptyRoster:
		return "Tidak ada member untuk di-tag."
	case fault.RosterUnavailable:
		return "Gagal mengambil daftar member grup. Coba lagi."
	case fault.NoMediaFound:
		return fmt.Sprintf("Balas (reply) ke gambar atau video, lalu kirim `%ssticker [author|pack]`.", d.cfg.Prefix)
	case fault.OversizeInput:
		return "Media terlalu besar untuk dijadikan stiker."
	case fault.DownloadFailed:
		return "Gagal mengunduh media. Coba lagi."
	case fault.TranscodeTimeout:
		return "Pembuatan stiker terlalu lama. Coba media yang lebih pendek."
	case fault.TranscodeFailed:
		return "Gagal membuat stiker dari media ini."
	case fault.SendFailed:
		return "Gagal mengirim pesan. Coba lagi."
	default:
		return "Terjadi error saat memproses perintah."
	}
}

// HelpText renders the command summary for prefix.
func HelpText(prefix string) string {
	if prefix == "" {
		prefix = command.DefaultPrefix
	}

	lines := []string{
		"Perintah:",
		"• " + prefix + "tagall [pesan opsional]  (khusus admin)",
		"• " + prefix + "sticker [author|pack]  (alias " + prefix + "s, " + prefix + "stiker)",
		"• " + prefix + "admindebug",
		"• " + prefix + "help",
	}

	return strings.Join(lines, "\n")
}

// AdminDebugText reports the roster roles of the sender and the bot account.
func AdminDebugText(roster channel.Roster, senderID string, selfID string) string {
	line := func(label string, id string) string {
		member, ok := roster.Find(id)
		if !ok {
			return fmt.Sprintf("%s: %s | admin=false | owner=false", label, dash(id))
		}
		return fmt.Sprintf("%s: %s | admin=%t | owner=%t", label, member.ID, member.Role.Privileged(), member.Role == channel.RoleOwner)
	}

	return "🔧 Admin Debug\n" + line("Sender", senderID) + "\n" + line("Bot   ", selfID)
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}

	return value
}
