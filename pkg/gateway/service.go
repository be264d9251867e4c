package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tagbot/pkg/bus"
	"tagbot/pkg/channel"
	"tagbot/pkg/config"
	"tagbot/pkg/dispatch"
	"tagbot/pkg/scratch"
	"tagbot/pkg/sticker"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	ffmpegCheckInterval = 30 * time.Second
)

// Service runs channel adapters through the command dispatcher and serves
// health, readiness and status endpoints.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	transcoder *sticker.Transcoder
	events     *bus.EventBus
	channels   []channel.Adapter

	mu             sync.RWMutex
	startedAt      time.Time
	ffmpegLastOKAt time.Time
	ffmpegLastErr  string
	channelStates  map[string]channelState
	commands       commandStats
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type commandStats struct {
	Received  int64            `json:"received"`
	Completed int64            `json:"completed"`
	Failed    int64            `json:"failed"`
	Failures  map[string]int64 `json:"failures,omitempty"`
}

type statusResponse struct {
	Status         string                  `json:"status"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	FFmpegLastOKAt string                  `json:"ffmpeg_last_ok_at,omitempty"`
	FFmpegLastErr  string                  `json:"ffmpeg_last_error,omitempty"`
	Channels       map[string]channelState `json:"channels"`
	Commands       *commandStats           `json:"commands,omitempty"`
}

// NewTranscoder builds the sticker transcoder described by cfg.Sticker.
func NewTranscoder(cfg *config.Config, log *slog.Logger) (*sticker.Transcoder, error) {
	dir, err := scratch.Open(cfg.Sticker.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("open scratch directory: %w", err)
	}

	return sticker.New(sticker.Config{
		FFmpegPath:     cfg.Sticker.FFmpegPath,
		Canvas:         cfg.Sticker.Canvas,
		Quality:        cfg.Sticker.Quality,
		FPS:            cfg.Sticker.FPS,
		MaxDuration:    cfg.Sticker.MaxDuration(),
		MaxInputBytes:  cfg.Sticker.MaxInputBytes,
		MaxOutputBytes: cfg.Sticker.MaxOutputBytes,
		Timeout:        cfg.Sticker.Timeout(),
	}, dir, sticker.ExecRunner{}, log)
}

// NewService validates the wiring. Every adapter must also implement
// channel.Transport so replies travel back over the same connection.
func NewService(cfg *config.Config, adapters []channel.Adapter, transcoder *sticker.Transcoder, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if transcoder == nil {
		return nil, errors.New("sticker transcoder is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, ok := adapter.(channel.Transport); !ok {
			return nil, fmt.Errorf("channel %s cannot send replies", adapter.Name())
		}
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		transcoder:    transcoder,
		events:        bus.New(),
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

// DispatchConfig derives the command surface from cfg.
func DispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Prefix: cfg.Bot.Prefix,
		DefaultMeta: sticker.Meta{
			Author: cfg.Sticker.DefaultAuthor,
			Pack:   cfg.Sticker.DefaultPack,
		},
	}
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.events.Close()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkFFmpeg(ctx); err != nil {
		return err
	}

	events, unsubscribe := s.events.Subscribe(ctx, 0)
	defer unsubscribe()
	go s.countEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	ticker := time.NewTicker(ffmpegCheckInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkFFmpeg(ctx)
			}
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var adapters sync.WaitGroup
	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		transport := adapter.(channel.Transport)
		dispatcher := dispatch.New(DispatchConfig(s.cfg), transport, s.transcoder, s.events, s.log)
		s.setChannelState(adapter.Name(), channelState{Running: true})

		adapters.Add(1)
		go func() {
			defer adapters.Done()
			err := adapter.Run(runCtx, dispatcher.Handle)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErrors:
	case err = <-errCh:
	}

	// Adapters drain in-flight commands before returning.
	cancel()
	adapters.Wait()

	return err
}

func (s *Service) countEvents(events <-chan bus.Event) {
	for event := range events {
		s.recordEvent(event)
	}
}

func (s *Service) recordEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventCommandReceived:
		s.commands.Received++
	case bus.EventCommandCompleted:
		s.commands.Completed++
	case bus.EventCommandFailed:
		s.commands.Failed++
		if s.commands.Failures == nil {
			s.commands.Failures = make(map[string]int64)
		}
		s.commands.Failures[event.Category]++
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/statusz", s.handleStatus)
	return mux
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, s.currentStatus(status))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	payload := s.currentStatus(status)
	s.mu.RLock()
	commands := s.commands
	if len(commands.Failures) > 0 {
		failures := make(map[string]int64, len(commands.Failures))
		for category, count := range commands.Failures {
			failures[category] = count
		}
		commands.Failures = failures
	}
	s.mu.RUnlock()
	payload.Commands = &commands

	s.respondStatus(w, http.StatusOK, payload)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	ffmpegLastOK := ""
	if !s.ffmpegLastOKAt.IsZero() {
		ffmpegLastOK = s.ffmpegLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		FFmpegLastOKAt: ffmpegLastOK,
		FFmpegLastErr:  s.ffmpegLastErr,
		Channels:       channels,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	if s.ffmpegLastOKAt.IsZero() {
		return false
	}

	if s.ffmpegLastErr != "" {
		return false
	}

	return true
}

func (s *Service) checkFFmpeg(ctx context.Context) error {
	if err := s.transcoder.Check(ctx); err != nil {
		s.mu.Lock()
		s.ffmpegLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("ffmpeg health check failed: %w", err)
	}

	s.mu.Lock()
	s.ffmpegLastErr = ""
	s.ffmpegLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
