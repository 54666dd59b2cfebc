// Package extractor opens media streams through the youtube extraction library.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"

	"ytdeliver/internal/media"
	"ytdeliver/internal/proxy"
)

// ErrInvalidURL marks URLs the library does not recognise. It is a client
// error and never triggers the fallback downloader.
var ErrInvalidURL = errors.New("invalid or unsupported URL")

// ErrNoFormat is returned when the video has no format matching the request.
var ErrNoFormat = errors.New("no matching format")

// HighestAudio selects the best audio-only format.
const HighestAudio = "highestaudio"

// knownHosts are the hosts whose links carry a video ID.
var knownHosts = map[string]bool{
	"youtube.com":              true,
	"www.youtube.com":          true,
	"m.youtube.com":            true,
	"music.youtube.com":        true,
	"gaming.youtube.com":       true,
	"youtu.be":                 true,
	"youtube-nocookie.com":     true,
	"www.youtube-nocookie.com": true,
}

// Request describes what to open.
type Request struct {
	URL     string
	Kind    media.Kind
	Quality string
}

// Extractor is the primary extraction path.
type Extractor interface {
	// Validate checks the URL before anything is fetched.
	Validate(rawURL string) error
	// Open returns a stream positioned at the start of the requested track.
	Open(ctx context.Context, req Request, proxyURL string) (io.ReadCloser, error)
}

// ExtractionError wraps failures that happen after validation.
type ExtractionError struct {
	Stage string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// YouTube implements Extractor with github.com/kkdai/youtube/v2.
type YouTube struct {
	log zerolog.Logger
}

// NewYouTube returns the library-backed extractor.
func NewYouTube(log zerolog.Logger) *YouTube {
	return &YouTube{log: log}
}

// Validate accepts absolute http(s) URLs on a known host that the library
// can pull a video ID from.
func (y *YouTube) Validate(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if !knownHosts[strings.ToLower(u.Hostname())] {
		return fmt.Errorf("%w: unsupported host %q", ErrInvalidURL, u.Hostname())
	}
	if _, err := youtube.ExtractVideoID(rawURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return nil
}

// Open fetches the video metadata through proxyURL (if any), picks a format
// and opens its byte stream.
func (y *YouTube) Open(ctx context.Context, req Request, proxyURL string) (io.ReadCloser, error) {
	if err := y.Validate(req.URL); err != nil {
		return nil, err
	}
	client := &youtube.Client{HTTPClient: proxy.HTTPClient(proxyURL)}

	video, err := client.GetVideoContext(ctx, req.URL)
	if err != nil {
		return nil, &ExtractionError{Stage: "metadata", Err: err}
	}

	format, err := SelectFormat(video.Formats, req.Kind, req.Quality)
	if err != nil {
		return nil, &ExtractionError{Stage: "format", Err: err}
	}
	y.log.Debug().
		Str("video_id", video.ID).
		Int("itag", format.ItagNo).
		Str("mime", format.MimeType).
		Msg("format selected")

	stream, _, err := client.GetStreamContext(ctx, video, format)
	if err != nil {
		return nil, &ExtractionError{Stage: "stream", Err: err}
	}
	return stream, nil
}

// SelectFormat picks the format for kind. A numeric quality is an itag;
// otherwise video gets the tallest progressive mp4 and audio the highest
// bitrate audio-only track.
func SelectFormat(formats youtube.FormatList, kind media.Kind, quality string) (*youtube.Format, error) {
	if itag, err := strconv.Atoi(strings.TrimSpace(quality)); err == nil {
		if l := formats.Itag(itag); len(l) > 0 {
			return &l[0], nil
		}
	}

	if kind == media.Audio {
		var best *youtube.Format
		audio := formats.Type("audio")
		for i := range audio {
			f := &audio[i]
			if best == nil || f.Bitrate > best.Bitrate {
				best = f
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: audio", ErrNoFormat)
		}
		return best, nil
	}

	var best *youtube.Format
	progressive := formats.Type("video/mp4").WithAudioChannels()
	for i := range progressive {
		f := &progressive[i]
		if best == nil || f.Height > best.Height {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: video quality=%q", ErrNoFormat, quality)
	}
	return best, nil
}
