package sticker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Profile is one ffmpeg encoding recipe for a sticker.
type Profile struct {
	Animated    bool
	Canvas      int
	Quality     int
	FPS         int
	MaxDuration time.Duration
}

// Filter returns the ffmpeg video filter graph: fit the longer edge to the canvas,
// then center on a fully transparent square.
func (p Profile) Filter() string {
	size := strconv.Itoa(p.Canvas)
	steps := make([]string, 0, 4)
	if p.Animated {
		steps = append(steps, "fps="+strconv.Itoa(p.FPS))
	}
	steps = append(steps,
		fmt.Sprintf("scale=%s:%s:force_original_aspect_ratio=decrease:flags=lanczos", size, size),
		"format=rgba",
		fmt.Sprintf("pad=%s:%s:(ow-iw)/2:(oh-ih)/2:color=black@0", size, size),
	)

	return strings.Join(steps, ",")
}

// Args builds the full ffmpeg argument list reading input and writing output.
func (p Profile) Args(input string, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input, "-vf", p.Filter()}

	if p.Animated {
		args = append(args,
			"-t", formatSeconds(p.MaxDuration),
			"-an",
			"-loop", "0",
		)
	} else {
		args = append(args, "-frames:v", "1")
	}

	args = append(args,
		"-c:v", "libwebp",
		"-lossless", "0",
		"-quality", strconv.Itoa(p.Quality),
		"-compression_level", "6",
		"-f", "webp",
		output,
	)

	return args
}

// ladder returns the qualities to try in order. Static stickers get one rung.
func (p Profile) ladder() []int {
	if !p.Animated {
		return []int{p.Quality}
	}

	rungs := []int{p.Quality}
	for q := p.Quality - qualityStep; q >= minQuality; q -= qualityStep {
		rungs = append(rungs, q)
	}

	return rungs
}

const (
	qualityStep = 20
	minQuality  = 10
)

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
