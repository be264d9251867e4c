package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tagbot/pkg/bus"
	"tagbot/pkg/channel"
	"tagbot/pkg/config"
	"tagbot/pkg/fault"
	"tagbot/pkg/scratch"
	"tagbot/pkg/sticker"
)

func testTranscoder(t *testing.T, checkErr error) *sticker.Transcoder {
	t.Helper()

	dir, err := scratch.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open scratch: %v", err)
	}

	runner := sticker.RunnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, checkErr
	})
	transcoder, err := sticker.New(sticker.Config{}, dir, runner, nil)
	if err != nil {
		t.Fatalf("new transcoder: %v", err)
	}

	return transcoder
}

type nameOnlyAdapter struct{ name string }

func (a nameOnlyAdapter) Name() string { return a.name }

func (a nameOnlyAdapter) Run(context.Context, channel.Handler) error { return nil }

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"whatsapp": {Running: true}}}
	if svc.isReady() {
		t.Fatal("expected not ready without ffmpeg health")
	}

	svc.ffmpegLastOKAt = time.Now().UTC()
	if !svc.isReady() {
		t.Fatal("expected ready with running channel and healthy ffmpeg")
	}

	svc.ffmpegLastErr = "exec: \"ffmpeg\": executable file not found in $PATH"
	if svc.isReady() {
		t.Fatal("expected not ready when ffmpeg check failed")
	}
}

func TestCheckFFmpegRecordsState(t *testing.T) {
	t.Parallel()

	svc := &Service{transcoder: testTranscoder(t, errors.New("missing")), channelStates: map[string]channelState{}}
	if err := svc.checkFFmpeg(context.Background()); err == nil {
		t.Fatal("expected ffmpeg check error")
	}
	if svc.ffmpegLastErr == "" || !svc.ffmpegLastOKAt.IsZero() {
		t.Fatalf("state = %q/%s, want error recorded", svc.ffmpegLastErr, svc.ffmpegLastOKAt)
	}

	svc.transcoder = testTranscoder(t, nil)
	if err := svc.checkFFmpeg(context.Background()); err != nil {
		t.Fatalf("checkFFmpeg error: %v", err)
	}
	if svc.ffmpegLastErr != "" || svc.ffmpegLastOKAt.IsZero() {
		t.Fatal("expected error cleared after recovery")
	}
}

func TestRecordEvent(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	for _, event := range []bus.Event{
		{Type: bus.EventCommandReceived},
		{Type: bus.EventCommandReceived},
		{Type: bus.EventCommandCompleted},
		{Type: bus.EventCommandFailed, Category: fault.NotAuthorized},
	} {
		svc.recordEvent(event)
	}

	if svc.commands.Received != 2 || svc.commands.Completed != 1 || svc.commands.Failed != 1 {
		t.Fatalf("commands = %+v", svc.commands)
	}
	if svc.commands.Failures[fault.NotAuthorized] != 1 {
		t.Fatalf("failures = %v", svc.commands.Failures)
	}
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"whatsapp": {Running: true}}}
	svc.recordEvent(bus.Event{Type: bus.EventCommandFailed, Category: fault.NoMediaFound})
	handler := svc.routes()

	get := func(path string) (*httptest.ResponseRecorder, statusResponse) {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))

		var payload statusResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return recorder, payload
	}

	recorder, payload := get("/readyz")
	if recorder.Code != http.StatusServiceUnavailable || payload.Status != "not_ready" {
		t.Fatalf("readyz = %d %q, want 503 not_ready", recorder.Code, payload.Status)
	}

	recorder, payload = get("/healthz")
	if recorder.Code != http.StatusOK || payload.Status != "ok" || payload.Commands != nil {
		t.Fatalf("healthz = %d %+v", recorder.Code, payload)
	}

	svc.ffmpegLastOKAt = time.Now().UTC()
	recorder, payload = get("/statusz")
	if recorder.Code != http.StatusOK || payload.Status != "ready" {
		t.Fatalf("statusz = %d %q, want 200 ready", recorder.Code, payload.Status)
	}
	if payload.Commands == nil || payload.Commands.Failures[fault.NoMediaFound] != 1 {
		t.Fatalf("statusz commands = %+v", payload.Commands)
	}
	if !payload.Channels["whatsapp"].Running {
		t.Fatalf("statusz channels = %+v", payload.Channels)
	}
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default error: %v", err)
	}
	transcoder := testTranscoder(t, nil)

	if _, err := NewService(nil, nil, transcoder, nil); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewService(cfg, nil, transcoder, nil); err == nil {
		t.Fatal("expected error without adapters")
	}
	if _, err := NewService(cfg, []channel.Adapter{nameOnlyAdapter{name: "readonly"}}, transcoder, nil); err == nil {
		t.Fatal("expected error for adapter without transport")
	}
}

func TestDispatchConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Bot:     config.BotConfig{Prefix: "."},
		Sticker: config.StickerConfig{DefaultPack: "Kucing", DefaultAuthor: "Budi"},
	}

	got := DispatchConfig(cfg)
	if got.Prefix != "." || got.DefaultMeta != (sticker.Meta{Author: "Budi", Pack: "Kucing"}) {
		t.Fatalf("DispatchConfig = %+v", got)
	}
}

func TestNewTranscoderUsesConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Sticker: config.StickerConfig{
		ScratchDir:         t.TempDir(),
		FFmpegPath:         "/opt/ffmpeg",
		Canvas:             256,
		MaxDurationSeconds: 3,
		TimeoutSeconds:     9,
	}}

	transcoder, err := NewTranscoder(cfg, nil)
	if err != nil {
		t.Fatalf("NewTranscoder error: %v", err)
	}

	got := transcoder.Config()
	if got.FFmpegPath != "/opt/ffmpeg" || got.Canvas != 256 || got.MaxDuration != 3*time.Second || got.Timeout != 9*time.Second {
		t.Fatalf("transcoder config = %+v", got)
	}
	if got.Quality != sticker.DefaultQuality {
		t.Fatalf("quality = %d, want default", got.Quality)
	}
}
