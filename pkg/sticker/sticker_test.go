package sticker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tagbot/pkg/fault"
	"tagbot/pkg/media"
	"tagbot/pkg/scratch"
)

// fakeRunner emulates ffmpeg by writing a synthetic webp to the last argument.
type fakeRunner struct {
	mu sync.Mutex

	width, height int
	flags         byte
	sizeFor       func(quality int) int
	output        []byte
	stderr        string
	err           error
	block         bool

	calls  [][]string
	inputs []string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.inputs = append(r.inputs, argAfter(args, "-i"))
	r.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return []byte(r.stderr), r.err
	}

	data := r.output
	if data == nil {
		extra := 0
		if r.sizeFor != nil {
			quality, _ := strconv.Atoi(argAfter(args, "-quality"))
			extra = r.sizeFor(quality)
		}
		data = vp8x(r.width, r.height, r.flags, extra)
	}

	return nil, os.WriteFile(args[len(args)-1], data, 0o600)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func argAfter(args []string, flag string) string {
	idx := slices.Index(args, flag)
	if idx < 0 || idx+1 >= len(args) {
		return ""
	}
	return args[idx+1]
}

func vp8x(width, height int, flags byte, extra int) []byte {
	data := []byte("RIFF\x00\x00\x00\x00WEBPVP8X\x0a\x00\x00\x00")
	w, h := width-1, height-1
	data = append(data, flags, 0, 0, 0, byte(w), byte(w>>8), byte(w>>16), byte(h), byte(h>>8), byte(h>>16))
	return append(data, make([]byte, extra)...)
}

func newTestTranscoder(t *testing.T, cfg Config, runner Runner) (*Transcoder, *scratch.Dir) {
	t.Helper()

	dir, err := scratch.Open(t.TempDir())
	require.NoError(t, err)

	transcoder, err := New(cfg, dir, runner, nil)
	require.NoError(t, err)

	return transcoder, dir
}

func requireEmptyDir(t *testing.T, dir *scratch.Dir) {
	t.Helper()

	entries, err := os.ReadDir(dir.Root())
	require.NoError(t, err)
	require.Empty(t, entries, "scratch files leaked")
}

func TestMakeStatic(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512, flags: vp8xFlagAlpha}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)

	artifact, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("jpeg"), MimeType: "image/jpeg", Kind: media.Static}, Meta{Author: "Bot", Pack: "Sticker"})
	require.NoError(t, err)
	require.False(t, artifact.Animated)
	require.Equal(t, "Sticker", artifact.Meta.Pack)

	info, err := probeWebP(artifact.Data)
	require.NoError(t, err)
	require.Equal(t, DefaultCanvas, info.Width)
	require.Equal(t, DefaultCanvas, info.Height)

	require.Equal(t, 1, runner.callCount())
	args := runner.calls[0][1:]
	require.Equal(t, DefaultFFmpegPath, runner.calls[0][0])
	require.Equal(t, "1", argAfter(args, "-frames:v"))
	require.Equal(t, "75", argAfter(args, "-quality"))
	require.Contains(t, argAfter(args, "-vf"), "pad=512:512:(ow-iw)/2:(oh-ih)/2:color=black@0")
	require.NotContains(t, args, "-loop")
	require.Equal(t, ".jpg", filepath.Ext(runner.inputs[0]))

	requireEmptyDir(t, dir)
}

func TestMakeAnimated(t *testing.T) {
	t.Parallel()

	for _, kind := range []media.Kind{media.Video, media.AnimatedLoop} {
		runner := &fakeRunner{width: 512, height: 512, flags: vp8xFlagAlpha | vp8xFlagAnimation}
		transcoder, dir := newTestTranscoder(t, Config{}, runner)

		artifact, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("mp4"), MimeType: "video/mp4", Kind: kind}, Meta{})
		require.NoError(t, err)
		require.True(t, artifact.Animated)

		args := runner.calls[0][1:]
		require.Equal(t, "6", argAfter(args, "-t"))
		require.Equal(t, "0", argAfter(args, "-loop"))
		require.Contains(t, args, "-an")
		require.Contains(t, argAfter(args, "-vf"), "fps=15,")
		require.NotContains(t, args, "-frames:v")

		requireEmptyDir(t, dir)
	}
}

func TestMakeRejectsOversizeInputBeforeSpawning(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)

	input := &media.Resolved{Data: make([]byte, 16<<20), MimeType: "video/mp4", Kind: media.Video}
	_, err := transcoder.Make(context.Background(), input, Meta{})
	require.Error(t, err)
	require.Equal(t, fault.OversizeInput, fault.CategoryOf(err))
	require.Zero(t, runner.callCount())

	requireEmptyDir(t, dir)
}

func TestMakeTranscoderFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: errors.New("exit status 1"), stderr: "Invalid data found when processing input\n"}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)

	_, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("junk"), Kind: media.Static}, Meta{})
	require.Error(t, err)
	require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err))
	require.Contains(t, err.Error(), "Invalid data found when processing input")

	requireEmptyDir(t, dir)
}

func TestMakeTimeout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: true}
	transcoder, dir := newTestTranscoder(t, Config{Timeout: 50 * time.Millisecond}, runner)

	_, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("mp4"), Kind: media.Video}, Meta{})
	require.Error(t, err)
	require.Equal(t, fault.TranscodeTimeout, fault.CategoryOf(err))

	requireEmptyDir(t, dir)
}

func TestMakeCanceledContextIsNotTimeout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: true}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transcoder.Make(ctx, &media.Resolved{Data: []byte("png"), Kind: media.Static}, Meta{})
	require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err))
	require.ErrorIs(t, err, context.Canceled)

	requireEmptyDir(t, dir)
}

func TestMakeMalformedOutput(t *testing.T) {
	t.Parallel()

	cases := map[string]*fakeRunner{
		"not webp":     {output: []byte("<html>oops</html>, definitely not riff")},
		"empty":        {output: []byte{}},
		"wrong canvas": {width: 512, height: 288},
	}

	for name, runner := range cases {
		transcoder, dir := newTestTranscoder(t, Config{}, runner)

		_, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("png"), Kind: media.Static}, Meta{})
		require.Error(t, err, name)
		require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err), name)

		requireEmptyDir(t, dir)
	}
}

func TestMakeQualityLadder(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512, sizeFor: func(quality int) int {
		if quality > 50 {
			return 4096
		}
		return 100
	}}
	transcoder, dir := newTestTranscoder(t, Config{MaxOutputBytes: 1024}, runner)

	artifact, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("gif"), Kind: media.AnimatedLoop}, Meta{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(artifact.Data), 1024)
	require.Equal(t, 2, runner.callCount())
	require.Equal(t, "55", argAfter(runner.calls[1], "-quality"))

	requireEmptyDir(t, dir)
}

func TestMakeOutputTooLarge(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512, sizeFor: func(int) int { return 4096 }}
	transcoder, dir := newTestTranscoder(t, Config{MaxOutputBytes: 1024}, runner)

	_, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("png"), Kind: media.Static}, Meta{})
	require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err))
	require.Equal(t, 1, runner.callCount(), "static stickers are encoded once")

	_, err = transcoder.Make(context.Background(), &media.Resolved{Data: []byte("mp4"), Kind: media.Video}, Meta{})
	require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err))
	require.Equal(t, 1+len(transcoder.Profile(media.Video).ladder()), runner.callCount())

	requireEmptyDir(t, dir)
}

func TestMakeTwiceProducesIndependentArtifacts(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)
	source := &media.Resolved{Data: []byte("jpeg"), MimeType: "image/jpeg", Kind: media.Static}

	first, err := transcoder.Make(context.Background(), source, Meta{})
	require.NoError(t, err)
	requireEmptyDir(t, dir)

	second, err := transcoder.Make(context.Background(), source, Meta{})
	require.NoError(t, err)
	requireEmptyDir(t, dir)

	require.Equal(t, first.Data, second.Data)
	first.Data[0] = 'X'
	require.Equal(t, byte('R'), second.Data[0], "artifacts must not share buffers")
	require.NotEqual(t, runner.inputs[0], runner.inputs[1])
}

func TestMakeConcurrentSessionsUseDistinctFiles(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{width: 512, height: 512}
	transcoder, dir := newTestTranscoder(t, Config{}, runner)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := transcoder.Make(context.Background(), &media.Resolved{Data: []byte("png"), Kind: media.Static}, Meta{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]struct{})
	for _, input := range runner.inputs {
		seen[input] = struct{}{}
	}
	require.Len(t, seen, 8)

	requireEmptyDir(t, dir)
}

func TestExecRunnerWithScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not portable to windows")
	}

	bin := t.TempDir()
	fixture := filepath.Join(bin, "fixture.webp")
	require.NoError(t, os.WriteFile(fixture, vp8x(512, 512, vp8xFlagAlpha, 0), 0o600))

	ok := filepath.Join(bin, "ffmpeg-ok")
	require.NoError(t, os.WriteFile(ok, []byte("#!/bin/sh\nfor last; do :; done\ncp '"+fixture+"' \"$last\"\n"), 0o755))

	fail := filepath.Join(bin, "ffmpeg-fail")
	require.NoError(t, os.WriteFile(fail, []byte("#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n"), 0o755))

	source := &media.Resolved{Data: []byte("mp4"), MimeType: "video/mp4", Kind: media.Video}

	transcoder, dir := newTestTranscoder(t, Config{FFmpegPath: ok}, ExecRunner{})
	artifact, err := transcoder.Make(context.Background(), source, Meta{})
	require.NoError(t, err)
	require.True(t, artifact.Animated)
	requireEmptyDir(t, dir)

	transcoder, dir = newTestTranscoder(t, Config{FFmpegPath: fail}, ExecRunner{})
	_, err = transcoder.Make(context.Background(), source, Meta{})
	require.Equal(t, fault.TranscodeFailed, fault.CategoryOf(err))
	require.Contains(t, err.Error(), "moov atom not found")
	requireEmptyDir(t, dir)
}

func TestParseMeta(t *testing.T) {
	t.Parallel()

	defaults := Meta{Author: "Bot", Pack: "Sticker"}

	require.Equal(t, defaults, ParseMeta("", defaults))
	require.Equal(t, Meta{Author: "Rina", Pack: "Kucing"}, ParseMeta("Rina | Kucing", defaults))
	require.Equal(t, Meta{Author: "Rina", Pack: "Sticker"}, ParseMeta("Rina", defaults))
	require.Equal(t, Meta{Author: "Bot", Pack: "Kucing"}, ParseMeta("|Kucing", defaults))
}

func TestCheck(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	ok := RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("ffmpeg version 7.1"), nil
	})
	transcoder, _ := newTestTranscoder(t, Config{FFmpegPath: "/opt/ffmpeg"}, ok)
	require.NoError(t, transcoder.Check(context.Background()))
	require.Equal(t, []string{"/opt/ffmpeg", "-hide_banner", "-version"}, gotArgs)

	missing := RunnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	})
	transcoder, _ = newTestTranscoder(t, Config{}, missing)
	err := transcoder.Check(context.Background())
	require.ErrorContains(t, err, "not found")
	require.ErrorContains(t, err, "ffmpeg -version")
}
