package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tagbot/pkg/channel"
	"tagbot/pkg/channel/whatsapp"
	"tagbot/pkg/config"
	"tagbot/pkg/gateway"
	"tagbot/pkg/logger"

	"github.com/spf13/cobra"
)

const whatsappChannelName = "whatsapp"

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the bot against the WhatsApp bridge",
	Long:  "Connects to the configured WhatsApp bridge, dispatches group commands, and serves health, readiness and status endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := logger.Component(appLogger, "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		transcoder, err := gateway.NewTranscoder(cfg, log)
		if err != nil {
			log.Error("Failed to initialize sticker transcoder", "error", err)
			return
		}

		svc, err := gateway.NewService(cfg, adapters, transcoder, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "prefix", cfg.Bot.Prefix, "ffmpeg", cfg.Sticker.FFmpegPath)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.NewAdapter(cfg.Channels.WhatsApp, cfg.Bot, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", whatsappChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
