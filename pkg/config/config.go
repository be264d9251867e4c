package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	envConfigPath  = "TAGBOT_CONFIG"
	envPrefix      = "TAGBOT_PREFIX"
	envBridgeURL   = "TAGBOT_BRIDGE_URL"
	envBridgeAuth  = "TAGBOT_BRIDGE_TOKEN"
	envAllowFrom   = "TAGBOT_ALLOW_FROM"
	envFFmpegPath  = "TAGBOT_FFMPEG"
	envScratchDir  = "TAGBOT_SCRATCH_DIR"
	envGatewayPort = "TAGBOT_GATEWAY_PORT"

	dotEnvFile = ".env"

	DefaultPrefix      = "!"
	DefaultDisplayName = "tagbot"
	DefaultAuthDir     = "~/.tagbot/auth"
	DefaultBridgeURL   = "ws://127.0.0.1:3001/ws"
	DefaultPack        = "Sticker"
	DefaultAuthor      = "Bot"
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 18790
)

// ErrNotFound reports that no config file exists at any searched location.
var ErrNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
// It is built once at startup and passed explicitly to every component.
type Config struct {
	Bot      BotConfig      `json:"bot"`
	Channels ChannelsConfig `json:"channels"`
	Sticker  StickerConfig  `json:"sticker"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// BotConfig holds the command surface and account identity.
type BotConfig struct {
	Prefix      string `json:"prefix"`
	DisplayName string `json:"display_name"`
	AuthDir     string `json:"auth_dir"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
	MaskIDs   bool   `json:"mask_ids,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// WhatsAppConfig configures the WhatsApp bridge connection.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	BridgeURL string   `json:"bridge_url"`
	AuthToken string   `json:"auth_token"`
	AllowFrom []string `json:"allow_from"`

	RequestTimeoutSeconds int `json:"request_timeout_seconds"`
	ReconnectSeconds      int `json:"reconnect_seconds"`
}

// StickerConfig bounds sticker transcoding.
type StickerConfig struct {
	FFmpegPath         string `json:"ffmpeg_path"`
	ScratchDir         string `json:"scratch_dir"`
	Canvas             int    `json:"canvas"`
	Quality            int    `json:"quality"`
	FPS                int    `json:"fps"`
	MaxDurationSeconds int    `json:"max_duration_seconds"`
	MaxInputBytes      int64  `json:"max_input_bytes"`
	MaxOutputBytes     int64  `json:"max_output_bytes"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	DefaultPack        string `json:"default_pack"`
	DefaultAuthor      string `json:"default_author"`
}

// MaxDuration returns the animated play-time cap.
func (c StickerConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSeconds) * time.Second
}

// Timeout returns the per-invocation transcoder timeout.
func (c StickerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment
// overrides and defaults.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file and finalizes it.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a config with env overrides and every default applied, for
// runs without a file.
func Default() (*Config, error) {
	var cfg Config
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// loadDotEnv exports variables from path when it exists. Variables already
// set in the process environment win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// Validate reports settings that cannot work at runtime.
func (c *Config) Validate() error {
	var errs []error

	if strings.ContainsFunc(c.Bot.Prefix, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }) {
		errs = append(errs, fmt.Errorf("bot.prefix %q must not contain whitespace", c.Bot.Prefix))
	}
	if c.Sticker.Quality < 1 || c.Sticker.Quality > 100 {
		errs = append(errs, fmt.Errorf("sticker.quality %d must be within 1..100", c.Sticker.Quality))
	}
	if c.Sticker.MaxInputBytes < c.Sticker.MaxOutputBytes {
		errs = append(errs, errors.New("sticker.max_input_bytes must not be smaller than sticker.max_output_bytes"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
	}
	if c.Channels.WhatsApp.Enabled {
		url := strings.TrimSpace(c.Channels.WhatsApp.BridgeURL)
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			errs = append(errs, fmt.Errorf("channels.whatsapp.bridge_url %q must be a ws:// or wss:// URL", url))
		}
	}

	return errors.Join(errs...)
}

// envOverrides lists the settings that may come from the environment.
type envOverrides struct {
	Prefix      string `env:"TAGBOT_PREFIX"`
	BridgeURL   string `env:"TAGBOT_BRIDGE_URL"`
	BridgeToken string `env:"TAGBOT_BRIDGE_TOKEN"`
	AllowFrom   string `env:"TAGBOT_ALLOW_FROM"`
	FFmpegPath  string `env:"TAGBOT_FFMPEG"`
	ScratchDir  string `env:"TAGBOT_SCRATCH_DIR"`
	GatewayPort int    `env:"TAGBOT_GATEWAY_PORT"`
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	if prefix := strings.TrimSpace(overrides.Prefix); prefix != "" {
		cfg.Bot.Prefix = prefix
	}
	if url := strings.TrimSpace(overrides.BridgeURL); url != "" {
		cfg.Channels.WhatsApp.BridgeURL = url
		cfg.Channels.WhatsApp.Enabled = true
	}
	if token := strings.TrimSpace(overrides.BridgeToken); token != "" {
		cfg.Channels.WhatsApp.AuthToken = token
	}
	if rawAllowFrom := strings.TrimSpace(overrides.AllowFrom); rawAllowFrom != "" {
		cfg.Channels.WhatsApp.AllowFrom = parseCSV(rawAllowFrom)
	}
	if ffmpeg := strings.TrimSpace(overrides.FFmpegPath); ffmpeg != "" {
		cfg.Sticker.FFmpegPath = ffmpeg
	}
	if dir := strings.TrimSpace(overrides.ScratchDir); dir != "" {
		cfg.Sticker.ScratchDir = dir
	}
	if overrides.GatewayPort > 0 {
		cfg.Gateway.Port = overrides.GatewayPort
	}

	return nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Bot.Prefix, DefaultPrefix)
	setString(&cfg.Bot.DisplayName, DefaultDisplayName)
	setString(&cfg.Bot.AuthDir, DefaultAuthDir)

	wa := &cfg.Channels.WhatsApp
	setString(&wa.BridgeURL, DefaultBridgeURL)
	setInt(&wa.RequestTimeoutSeconds, 30)
	setInt(&wa.ReconnectSeconds, 5)

	st := &cfg.Sticker
	setString(&st.FFmpegPath, "ffmpeg")
	setInt(&st.Canvas, 512)
	setInt(&st.Quality, 75)
	setInt(&st.FPS, 15)
	setInt(&st.MaxDurationSeconds, 6)
	setInt(&st.TimeoutSeconds, 60)
	setString(&st.DefaultPack, DefaultPack)
	setString(&st.DefaultAuthor, DefaultAuthor)
	if st.MaxInputBytes <= 0 {
		st.MaxInputBytes = 15 << 20
	}
	if st.MaxOutputBytes <= 0 {
		st.MaxOutputBytes = 1 << 20
	}

	setString(&cfg.Gateway.Host, DefaultHost)
	setInt(&cfg.Gateway.Port, DefaultPort)
}

func setString(target *string, fallback string) {
	if strings.TrimSpace(*target) == "" {
		*target = fallback
	}
}

func setInt(target *int, fallback int) {
	if *target <= 0 {
		*target = fallback
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is TAGBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrNotFound, candidates[0], candidates[1])
}
