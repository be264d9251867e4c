package sticker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"tagbot/pkg/fault"
	"tagbot/pkg/media"
	"tagbot/pkg/scratch"
)

const (
	DefaultFFmpegPath     = "ffmpeg"
	DefaultCanvas         = 512
	DefaultQuality        = 75
	DefaultFPS            = 15
	DefaultMaxDuration    = 6 * time.Second
	DefaultMaxInputBytes  = 15 << 20
	DefaultMaxOutputBytes = 1 << 20
	DefaultTimeout        = 60 * time.Second

	stderrLimit  = 400
	checkTimeout = 10 * time.Second
)

// Config bounds the transcoder. Zero fields take the defaults above.
type Config struct {
	FFmpegPath     string
	Canvas         int
	Quality        int
	FPS            int
	MaxDuration    time.Duration
	MaxInputBytes  int64
	MaxOutputBytes int64
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = DefaultFFmpegPath
	}
	if c.Canvas <= 0 {
		c.Canvas = DefaultCanvas
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = DefaultQuality
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = DefaultMaxInputBytes
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	return c
}

// Meta is the pack/author label embedded by the transport when sending.
type Meta struct {
	Author string
	Pack   string
}

// ParseMeta reads "author|pack" argument text, falling back to defaults for
// missing halves.
func ParseMeta(args string, defaults Meta) Meta {
	meta := defaults
	joined := strings.TrimSpace(args)
	if joined == "" {
		return meta
	}

	author, pack, _ := strings.Cut(joined, "|")
	if value := strings.TrimSpace(author); value != "" {
		meta.Author = value
	}
	if value := strings.TrimSpace(pack); value != "" {
		meta.Pack = value
	}

	return meta
}

// Artifact is an encoded sticker within the configured protocol bounds.
type Artifact struct {
	Data     []byte
	Animated bool
	Meta     Meta
}

// Runner executes the external transcoder and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs the transcoder as a child process.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 2 * time.Second
	return cmd.CombinedOutput()
}

// Transcoder turns resolved media into sticker artifacts.
type Transcoder struct {
	cfg    Config
	dir    *scratch.Dir
	runner Runner
	log    *slog.Logger
}

func New(cfg Config, dir *scratch.Dir, runner Runner, log *slog.Logger) (*Transcoder, error) {
	if dir == nil {
		return nil, errors.New("scratch directory is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Transcoder{
		cfg:    cfg.withDefaults(),
		dir:    dir,
		runner: runner,
		log:    log.With("component", "sticker.transcoder"),
	}, nil
}

// Config returns the effective limits after defaults.
func (t *Transcoder) Config() Config {
	return t.cfg
}

// Check verifies that the configured ffmpeg binary starts.
func (t *Transcoder) Check(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if output, err := t.runner.Run(runCtx, t.cfg.FFmpegPath, "-hide_banner", "-version"); err != nil {
		return fmt.Errorf("run %s -version: %w: %s", t.cfg.FFmpegPath, err, stderrSummary(output))
	}

	return nil
}

// Profile returns the encoding recipe for a media kind.
func (t *Transcoder) Profile(kind media.Kind) Profile {
	return Profile{
		Animated:    kind == media.Video || kind == media.AnimatedLoop,
		Canvas:      t.cfg.Canvas,
		Quality:     t.cfg.Quality,
		FPS:         t.cfg.FPS,
		MaxDuration: t.cfg.MaxDuration,
	}
}

// Make encodes in as a sticker. Scratch files are removed on every return path.
func (t *Transcoder) Make(ctx context.Context, in *media.Resolved, meta Meta) (*Artifact, error) {
	if in == nil || len(in.Data) == 0 {
		return nil, fault.New(fault.NoMediaFound, "nothing to transcode")
	}
	if int64(len(in.Data)) > t.cfg.MaxInputBytes {
		return nil, fault.New(fault.OversizeInput, fmt.Sprintf("%d bytes exceeds %d", len(in.Data), t.cfg.MaxInputBytes))
	}

	session := t.dir.NewSession()
	defer func() {
		if err := session.Close(); err != nil {
			t.log.Warn("Failed to remove scratch files", "token", session.Token(), "error", err)
		}
	}()

	inputPath, err := session.WriteFile("in"+inputExt(in.MimeType), in.Data)
	if err != nil {
		return nil, fault.Wrap(fault.TranscodeFailed, err, "stage input")
	}
	outputPath, err := session.Path("out.webp")
	if err != nil {
		return nil, fault.Wrap(fault.TranscodeFailed, err, "reserve output")
	}

	profile := t.Profile(in.Kind)
	started := time.Now()

	var lastSize int
	for _, quality := range profile.ladder() {
		rung := profile
		rung.Quality = quality

		data, err := t.encode(ctx, rung, inputPath, outputPath)
		if err != nil {
			return nil, err
		}

		lastSize = len(data)
		if int64(lastSize) <= t.cfg.MaxOutputBytes {
			t.log.Debug("Sticker encoded", "kind", in.Kind.String(), "quality", quality, "bytes", lastSize, "elapsed", time.Since(started))
			return &Artifact{Data: data, Animated: profile.Animated, Meta: meta}, nil
		}

		t.log.Debug("Sticker over size limit", "kind", in.Kind.String(), "quality", quality, "bytes", lastSize)
	}

	return nil, fault.New(fault.TranscodeFailed, fmt.Sprintf("output too large: %d bytes exceeds %d", lastSize, t.cfg.MaxOutputBytes))
}

// encode runs one ffmpeg pass under the configured timeout and validates the result.
func (t *Transcoder) encode(ctx context.Context, profile Profile, inputPath string, outputPath string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	output, err := t.runner.Run(runCtx, t.cfg.FFmpegPath, profile.Args(inputPath, outputPath)...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fault.Wrap(fault.TranscodeTimeout, runCtx.Err(), fmt.Sprintf("ffmpeg exceeded %s", t.cfg.Timeout))
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.TranscodeFailed, ctx.Err(), "canceled")
		}
		return nil, fault.Wrap(fault.TranscodeFailed, err, stderrSummary(output))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fault.Wrap(fault.TranscodeFailed, err, "read output")
	}

	info, err := probeWebP(data)
	if err != nil {
		return nil, fault.Wrap(fault.TranscodeFailed, err, "malformed output")
	}
	if info.Width != profile.Canvas || info.Height != profile.Canvas {
		return nil, fault.New(fault.TranscodeFailed, fmt.Sprintf("canvas is %dx%d, want %dx%d", info.Width, info.Height, profile.Canvas, profile.Canvas))
	}

	return data, nil
}

func stderrSummary(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return "ffmpeg failed"
	}
	if len(text) > stderrLimit {
		text = text[:stderrLimit] + "..."
	}

	return text
}

// inputExt picks a file extension hint so ffmpeg's demuxer probing matches the source.
func inputExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/apng":
		return ".apng"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/3gpp":
		return ".3gp"
	default:
		return ".bin"
	}
}
