package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tagbot/pkg/config"
	"tagbot/pkg/gateway"
	"tagbot/pkg/logger"
	"tagbot/pkg/media"
	"tagbot/pkg/sticker"

	"github.com/spf13/cobra"
)

var (
	stickerOut    string
	stickerPack   string
	stickerAuthor string
)

var stickerCmd = &cobra.Command{
	Use:   "sticker <file>",
	Short: "Convert a local image or video into a sticker",
	Long:  "Runs the same transcoding pipeline as the chat command on a local file and writes the resulting WebP sticker.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if errors.Is(err, config.ErrNotFound) {
			cfg, err = config.Default()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		log := logger.Component(appLogger, "cmd.sticker")

		transcoder, err := gateway.NewTranscoder(cfg, log)
		if err != nil {
			return err
		}

		meta := sticker.Meta{Author: cfg.Sticker.DefaultAuthor, Pack: cfg.Sticker.DefaultPack}
		if value := strings.TrimSpace(stickerAuthor); value != "" {
			meta.Author = value
		}
		if value := strings.TrimSpace(stickerPack); value != "" {
			meta.Pack = value
		}

		return runSticker(cmd, transcoder, args[0], stickerOutputPath(args[0], stickerOut), meta, log)
	},
}

func init() {
	stickerCmd.Flags().StringVarP(&stickerOut, "out", "o", "", "output path (default: input name with .webp)")
	stickerCmd.Flags().StringVar(&stickerPack, "pack", "", "sticker pack label")
	stickerCmd.Flags().StringVar(&stickerAuthor, "author", "", "sticker author label")
	rootCmd.AddCommand(stickerCmd)
}

func runSticker(cmd *cobra.Command, transcoder *sticker.Transcoder, input string, output string, meta sticker.Meta, log *slog.Logger) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	resolved := media.FromBytes(data, "")
	log.Debug("Transcoding local file", "path", input, "mime_type", resolved.MimeType, "kind", resolved.Kind.String())

	artifact, err := transcoder.Make(cmd.Context(), resolved, meta)
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write sticker: %w", err)
	}

	printStickerResult(cmd.OutOrStdout(), output, artifact)
	return nil
}

func printStickerResult(w io.Writer, path string, artifact *sticker.Artifact) {
	fmt.Fprintf(w, "wrote %s (%d bytes, animated=%t, pack=%q, author=%q)\n", path, len(artifact.Data), artifact.Animated, artifact.Meta.Pack, artifact.Meta.Author)
}

// stickerOutputPath picks the output file, never overwriting the input.
func stickerOutputPath(input string, out string) string {
	if strings.TrimSpace(out) != "" {
		return out
	}

	base := strings.TrimSuffix(input, filepath.Ext(input))
	if strings.EqualFold(filepath.Ext(input), ".webp") {
		return base + ".sticker.webp"
	}

	return base + ".webp"
}
