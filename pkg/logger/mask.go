package logger

import (
	"context"
	"log/slog"
	"strings"
)

const userServer = "@s.whatsapp.net"

// maskingHandler hides the middle digits of phone-number JIDs in attribute values.
type maskingHandler struct {
	next slog.Handler
}

func (h *maskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *maskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(maskAttr(attr))
		return true
	})

	return h.next.Handle(ctx, masked)
}

func (h *maskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		masked = append(masked, maskAttr(attr))
	}

	return &maskingHandler{next: h.next.WithAttrs(masked)}
}

func (h *maskingHandler) WithGroup(name string) slog.Handler {
	return &maskingHandler{next: h.next.WithGroup(name)}
}

func maskAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()

	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, MaskJID(value.String()))
	case slog.KindGroup:
		group := value.Group()
		masked := make([]any, 0, len(group))
		for _, item := range group {
			masked = append(masked, maskAttr(item))
		}
		return slog.Group(attr.Key, masked...)
	case slog.KindAny:
		if ids, ok := value.Any().([]string); ok {
			out := make([]string, len(ids))
			for i, id := range ids {
				out[i] = MaskJID(id)
			}
			return slog.Any(attr.Key, out)
		}
	}

	return slog.Attr{Key: attr.Key, Value: value}
}

// MaskJID keeps the country prefix and last digits of a user JID, so
// "628123456789@s.whatsapp.net" becomes "628*****6789@s.whatsapp.net".
// Group JIDs and other strings are returned unchanged.
func MaskJID(value string) string {
	user, found := strings.CutSuffix(value, userServer)
	if !found {
		return value
	}

	// device suffix, e.g. "628123456789:12"
	user, device, _ := strings.Cut(user, ":")
	if len(user) <= 7 {
		return value
	}

	masked := user[:3] + strings.Repeat("*", len(user)-7) + user[len(user)-4:]
	if device != "" {
		masked += ":" + device
	}

	return masked + userServer
}
