package media

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"tagbot/pkg/fault"
	"tagbot/pkg/message"
)

// Kind is the coarse media classification that selects a sticker profile.
type Kind int

const (
	Static Kind = iota
	Video
	AnimatedLoop
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case AnimatedLoop:
		return "animated_loop"
	default:
		return "static"
	}
}

// Resolved is downloaded media owned by a single command invocation.
type Resolved struct {
	Data     []byte
	MimeType string
	Kind     Kind
}

// Downloader fetches attachment bytes from the transport.
type Downloader interface {
	Download(ctx context.Context, attachment message.Attachment) ([]byte, error)
}

// Resolver locates the media a command should operate on.
type Resolver struct {
	downloader Downloader
	log        *slog.Logger
}

func NewResolver(downloader Downloader, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}

	return &Resolver{downloader: downloader, log: log.With("component", "media.resolver")}
}

// candidate is an attachment picked for download plus the part kind it came from.
type candidate struct {
	kind       message.Kind
	attachment message.Attachment
}

// Resolve returns the media in the quoted message, or in the current message when
// the quote carries none. A nil result with a nil error means no media exists.
func (r *Resolver) Resolve(ctx context.Context, in *message.Inbound) (*Resolved, error) {
	found, ok := find(in.Quoted)
	source := "quoted"
	if !ok {
		found, ok = find(in)
		source = "current"
	}
	if !ok {
		return nil, nil
	}

	r.log.Debug("Resolved media candidate", "source", source, "kind", found.kind.String(), "mime_type", found.attachment.MimeType)

	data, err := r.downloader.Download(ctx, found.attachment)
	if err != nil {
		return nil, fault.Wrap(fault.DownloadFailed, err, "download attachment")
	}
	if len(data) == 0 {
		return nil, fault.New(fault.DownloadFailed, "attachment is empty")
	}

	mimeType := normalizeMime(found.attachment.MimeType)
	if mimeType == "" {
		mimeType = normalizeMime(http.DetectContentType(data))
	}

	return &Resolved{
		Data:     data,
		MimeType: mimeType,
		Kind:     classify(found, mimeType),
	}, nil
}

// find walks one message in image, video, document priority order.
func find(in *message.Inbound) (candidate, bool) {
	if in == nil {
		return candidate{}, false
	}

	for _, kind := range []message.Kind{message.KindImage, message.KindVideo} {
		if part, ok := in.Part(kind); ok && part.Attachment != nil {
			return candidate{kind: kind, attachment: *part.Attachment}, true
		}
	}

	for _, part := range in.Parts {
		if part.Kind != message.KindDocument || part.Attachment == nil {
			continue
		}
		mimeType := normalizeMime(part.Attachment.MimeType)
		if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") {
			return candidate{kind: message.KindDocument, attachment: *part.Attachment}, true
		}
	}

	return candidate{}, false
}

func classify(found candidate, mimeType string) Kind {
	if found.attachment.GIFPlayback || IsAnimatedMime(mimeType) {
		return AnimatedLoop
	}
	if found.kind == message.KindVideo || strings.HasPrefix(mimeType, "video/") {
		return Video
	}

	return Static
}

// IsAnimatedMime reports whether the mime type names an animated image format.
func IsAnimatedMime(mimeType string) bool {
	switch normalizeMime(mimeType) {
	case "image/gif", "image/apng":
		return true
	default:
		return false
	}
}

// normalizeMime lowercases a mime type and drops parameters such as "; codecs=...".
func normalizeMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// FromBytes wraps local data as resolved media, sniffing the mime type when
// mimeType is empty.
func FromBytes(data []byte, mimeType string) *Resolved {
	mimeType = normalizeMime(mimeType)
	if mimeType == "" {
		mimeType = normalizeMime(http.DetectContentType(data))
	}

	return &Resolved{
		Data:     data,
		MimeType: mimeType,
		Kind:     classify(candidate{kind: message.KindDocument}, mimeType),
	}
}
