// Package transcode converts extracted audio to MP3 with an ffmpeg binary.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls the encode.
type Options struct {
	BitrateKbps int
	// SampleRate in Hz; zero keeps the source rate.
	SampleRate int
}

// Transcoder is implemented by FFmpeg.
type Transcoder interface {
	// Stream encodes src and writes MP3 bytes to dst as they are produced.
	Stream(ctx context.Context, src io.Reader, dst io.Writer, opts Options) error
	// Save encodes src into the file at path and returns once it is complete.
	Save(ctx context.Context, src io.Reader, path string, opts Options) error
}

// Error carries ffmpeg's stderr alongside the exit error.
type Error struct {
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg error: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg error: %v | %s", e.Err, e.Stderr)
}

func (e *Error) Unwrap() error { return e.Err }

// waitDelay bounds how long Wait blocks on the stdin copy after ffmpeg exits.
const waitDelay = 5 * time.Second

// FFmpeg runs the encoder at a fixed executable path.
type FFmpeg struct {
	path string
	log  zerolog.Logger
}

// NewFFmpeg binds the encoder to path ("ffmpeg" when empty).
func NewFFmpeg(path string, log zerolog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, log: log}
}

// Args returns the ffmpeg argument vector reading from stdin and writing
// to output ("pipe:1" for stdout).
func Args(opts Options, output string) []string {
	bitrate := opts.BitrateKbps
	if bitrate <= 0 {
		bitrate = 128
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	if output != "pipe:1" {
		args = append(args, "-y")
	}
	args = append(args,
		"-i", "pipe:0",
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", strconv.Itoa(bitrate)+"k",
	)
	if opts.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(opts.SampleRate))
	}
	return append(args, "-f", "mp3", output)
}

// Stream implements Transcoder.
func (f *FFmpeg) Stream(ctx context.Context, src io.Reader, dst io.Writer, opts Options) error {
	return f.run(ctx, src, dst, Args(opts, "pipe:1"))
}

// Save implements Transcoder.
func (f *FFmpeg) Save(ctx context.Context, src io.Reader, path string, opts Options) error {
	return f.run(ctx, src, nil, Args(opts, path))
}

func (f *FFmpeg) run(ctx context.Context, src io.Reader, dst io.Writer, args []string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stdin = src
	cmd.Stdout = dst
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &Error{Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	f.log.Debug().Dur("elapsed", time.Since(start)).Msg("ffmpeg finished")
	return nil
}
