// Package fallback downloads media with the yt-dlp command line tool when the
// primary extractor fails.
package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner executes a command and waits for it to exit.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stderr io.Writer) error
}

// ExecRunner runs real subprocesses.
type ExecRunner struct{}

// Run implements Runner with exec.CommandContext.
func (ExecRunner) Run(ctx context.Context, name string, args []string, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr
	return cmd.Run()
}

// Outcome is what the orchestrator needs to decide whether the output can be
// delivered.
type Outcome struct {
	Path       string
	ExitedZero bool
	FileExists bool
	Err        error
}

// Deliverable reports whether the file is complete enough to send.
func (o Outcome) Deliverable() bool {
	return o.ExitedZero && o.FileExists
}

// Downloader wraps the yt-dlp binary.
type Downloader struct {
	bin     string
	timeout time.Duration
	runner  Runner
	log     zerolog.Logger
}

// Option customises a Downloader.
type Option func(*Downloader)

// WithRunner replaces the subprocess runner.
func WithRunner(r Runner) Option {
	return func(d *Downloader) { d.runner = r }
}

// WithTimeout bounds a single download. Zero means no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) { d.timeout = timeout }
}

// New returns a downloader invoking bin ("yt-dlp" when empty).
func New(bin string, log zerolog.Logger, opts ...Option) *Downloader {
	if bin == "" {
		bin = "yt-dlp"
	}
	d := &Downloader{bin: bin, runner: ExecRunner{}, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Args builds the yt-dlp argument vector. format is "mp3" for audio
// extraction and anything else for the best single-file video.
func Args(format, output, url, proxy string) []string {
	var args []string
	if format == "mp3" {
		args = []string{"-x", "--audio-format", "mp3"}
	} else {
		args = []string{"-f", "best"}
	}
	args = append(args, "-o", output)
	if proxy != "" {
		args = append(args, "--proxy", proxy)
	}
	return append(args, url)
}

// Download runs yt-dlp to completion and reports what it left at output.
// It never retries.
func (d *Downloader) Download(ctx context.Context, url, format, output, proxy string) Outcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := Args(format, output, url, proxy)
	d.log.Warn().Str("url", url).Str("format", format).Str("path", output).Msg("using yt-dlp fallback")

	var stderr bytes.Buffer
	start := time.Now()
	runErr := d.runner.Run(ctx, d.bin, args, &stderr)

	out := Outcome{Path: output, ExitedZero: runErr == nil}
	if info, err := os.Stat(output); err == nil && !info.IsDir() {
		out.FileExists = true
	}

	switch {
	case runErr != nil:
		out.Err = fmt.Errorf("yt-dlp error: %w | %s", runErr, strings.TrimSpace(stderr.String()))
	case !out.FileExists:
		out.Err = fmt.Errorf("yt-dlp exited cleanly but %s is missing", output)
	}

	if out.Err == nil {
		d.log.Info().Str("path", output).Dur("elapsed", time.Since(start)).Msg("yt-dlp finished")
		return out
	}
	evt := d.log.Error().Err(out.Err).
		Bool("exited_zero", out.ExitedZero).
		Bool("file_exists", out.FileExists)
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		evt = evt.Int("exit_code", exitErr.ExitCode())
	}
	evt.Dur("elapsed", time.Since(start)).Msg("yt-dlp failed")
	return out
}
