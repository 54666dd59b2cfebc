// Package delivery runs the per-request download-and-deliver state machine:
// primary extraction, optional transcoding, yt-dlp fallback and temp file
// cleanup on every exit path, including client disconnects.
package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ytdeliver/internal/extractor"
	"ytdeliver/internal/fallback"
	"ytdeliver/internal/media"
	"ytdeliver/internal/metrics"
	"ytdeliver/internal/proxy"
	"ytdeliver/internal/tempfile"
	"ytdeliver/internal/transcode"
)

// Fallback is the terminal download strategy.
type Fallback interface {
	Download(ctx context.Context, url, format, output, proxy string) fallback.Outcome
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Extractor  extractor.Extractor
	Fallback   Fallback
	Transcoder transcode.Transcoder
	Temp       *tempfile.Manager
	Proxies    *proxy.Pool
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger

	AudioBitrate    int
	AudioSampleRate int
	VideoQuality    string
}

// Orchestrator serves /video and /audio requests.
type Orchestrator struct {
	extractor  extractor.Extractor
	fallback   Fallback
	transcoder transcode.Transcoder
	temp       *tempfile.Manager
	proxies    *proxy.Pool
	metrics    *metrics.Metrics
	log        zerolog.Logger

	audio        transcode.Options
	videoQuality string

	active    atomic.Int64
	completed atomic.Int64
	fallbacks atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// New wires an Orchestrator.
func New(d Deps) *Orchestrator {
	quality := d.VideoQuality
	if quality == "" {
		quality = "18"
	}
	return &Orchestrator{
		extractor:    d.Extractor,
		fallback:     d.Fallback,
		transcoder:   d.Transcoder,
		temp:         d.Temp,
		proxies:      d.Proxies,
		metrics:      d.Metrics,
		log:          d.Logger,
		audio:        transcode.Options{BitrateKbps: d.AudioBitrate, SampleRate: d.AudioSampleRate},
		videoQuality: quality,
	}
}

// Stats returns the current counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Active:    o.active.Load(),
		Completed: o.completed.Load(),
		Fallbacks: o.fallbacks.Load(),
		Failed:    o.failed.Load(),
		Cancelled: o.cancelled.Load(),
	}
}

// run is the state of one request.
type run struct {
	req   Request
	proxy string
	state State
	log   zerolog.Logger
	out   *sink
}

func (r *run) to(s State) {
	r.log.Debug().Str("from", string(r.state)).Str("to", string(s)).Msg("state")
	r.state = s
}

// Deliver validates req and drives it to a terminal state. It never returns
// an error: client-visible failures are written to w and everything else is
// logged.
func (o *Orchestrator) Deliver(w http.ResponseWriter, r *http.Request, req Request) {
	ctx := r.Context()
	id := uuid.New().String()
	w.Header().Set("X-Request-ID", id)

	log := o.log.With().
		Str("request_id", id).
		Str("kind", req.Kind.String()).
		Str("mode", req.Mode.String()).
		Str("url", req.SourceURL).
		Logger()

	if err := o.extractor.Validate(req.SourceURL); err != nil {
		log.Info().Err(err).Msg("rejected request")
		http.Error(w, "invalid URL", http.StatusBadRequest)
		return
	}
	if req.Quality == "" {
		req.Quality = o.defaultQuality(req.Kind)
	}

	o.active.Add(1)
	defer o.active.Add(-1)
	done := o.metrics.Start(req.Kind.String(), req.Mode.String())

	rn := &run{req: req, state: StateIdle, log: log, out: newSink(w, req.Kind)}
	if p, ok := o.proxies.Next(ctx); ok {
		rn.proxy = p
		rn.log = rn.log.With().Str("proxy", p).Logger()
	}
	rn.log.Info().Msg("request accepted")

	start := time.Now()
	var outcome string
	if req.Mode == Direct {
		outcome = o.streamDirect(ctx, rn)
	} else {
		outcome = o.prefetch(ctx, r, rn)
	}

	var delivered int64
	switch outcome {
	case metrics.OutcomeCompleted, metrics.OutcomeFallbackCompleted:
		o.completed.Add(1)
		delivered = rn.out.written
		rn.to(StateCompleted)
	case metrics.OutcomeCancelled:
		o.cancelled.Add(1)
		rn.to(StateCancelled)
	default:
		o.failed.Add(1)
		rn.to(StateFailed)
	}
	// Error bodies and cut-off transfers are not deliveries.
	done(outcome, delivered)
	rn.log.Info().
		Str("outcome", outcome).
		Int64("bytes", rn.out.written).
		Dur("elapsed", time.Since(start)).
		Msg("request finished")
}

func (o *Orchestrator) defaultQuality(kind media.Kind) string {
	if kind == media.Audio {
		return extractor.HighestAudio
	}
	return o.videoQuality
}

func (o *Orchestrator) extractRequest(req Request) extractor.Request {
	return extractor.Request{URL: req.SourceURL, Kind: req.Kind, Quality: req.Quality}
}

// streamDirect pipes the (transcoded) stream straight into the response.
// No temp file is involved, so a failure after the first byte cannot be
// turned into a fallback and is only logged.
func (o *Orchestrator) streamDirect(ctx context.Context, rn *run) string {
	rn.to(StateExtracting)
	src, err := o.extractor.Open(ctx, o.extractRequest(rn.req), rn.proxy)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.OutcomeCancelled
		}
		rn.log.Error().Err(err).Msg("direct stream could not be opened")
		rn.out.fail(http.StatusBadGateway, "extraction failed")
		return metrics.OutcomeFailed
	}
	defer src.Close()

	in := ctxReader{ctx: ctx, r: src}
	if rn.req.Kind == media.Audio {
		rn.to(StateTranscode)
		err = o.transcoder.Stream(ctx, in, rn.out, o.audio)
	} else {
		rn.to(StateDelivering)
		_, err = io.Copy(rn.out, in)
	}

	switch {
	case err == nil:
		if !rn.out.committed() {
			rn.out.mediaHeaders()
			rn.out.WriteHeader(http.StatusOK)
		}
		return metrics.OutcomeCompleted
	case ctx.Err() != nil:
		rn.log.Warn().Int64("bytes", rn.out.written).Msg("client disconnected during direct stream")
		return metrics.OutcomeCancelled
	}

	if rn.out.fail(http.StatusBadGateway, "extraction failed") {
		rn.log.Error().Err(err).Msg("direct stream failed before any byte was sent")
	} else {
		rn.log.Error().Err(err).Int64("bytes", rn.out.written).Msg("direct stream failed after headers were sent")
	}
	return metrics.OutcomeFailed
}

// prefetch writes the media to a temp file, sends it and removes it. On a
// primary failure the yt-dlp fallback gets exactly one attempt.
func (o *Orchestrator) prefetch(ctx context.Context, r *http.Request, rn *run) string {
	scope := o.temp.Scope()
	log := rn.log
	stop := context.AfterFunc(ctx, func() {
		log.Warn().Msg("client disconnected, removing temp file")
		scope.Close()
	})
	defer func() {
		stop()
		scope.Close()
	}()

	rn.to(StateExtracting)
	art, err := o.fetchPrimary(ctx, scope, rn)
	if err == nil {
		return o.sendFile(ctx, r, rn, art, metrics.OutcomeCompleted)
	}
	if ctx.Err() != nil || errors.Is(err, tempfile.ErrScopeClosed) {
		return metrics.OutcomeCancelled
	}
	if errors.Is(err, extractor.ErrInvalidURL) {
		rn.out.fail(http.StatusBadRequest, "invalid URL")
		return metrics.OutcomeRejected
	}

	rn.to(StateFallback)
	rn.log.Warn().Err(err).Msg("primary extraction failed, falling back to yt-dlp")
	o.fallbacks.Add(1)
	o.metrics.Fallback(rn.req.Kind.String())

	art, err = scope.Create("yt", rn.req.Kind.Ext())
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, tempfile.ErrScopeClosed) {
			return metrics.OutcomeCancelled
		}
		rn.log.Error().Err(err).Msg("allocate fallback temp file")
		rn.out.fail(http.StatusInternalServerError, "download failed")
		return metrics.OutcomeFailed
	}

	res := o.fallback.Download(ctx, rn.req.SourceURL, rn.req.Kind.Ext(), art.Path, rn.proxy)
	if ctx.Err() != nil {
		return metrics.OutcomeCancelled
	}
	if !res.Deliverable() {
		rn.log.Error().Err(res.Err).
			Bool("exited_zero", res.ExitedZero).
			Bool("file_exists", res.FileExists).
			Msg("fallback produced no deliverable file")
		rn.out.fail(http.StatusBadGateway, "download failed")
		return metrics.OutcomeFailed
	}
	return o.sendFile(ctx, r, rn, art, metrics.OutcomeFallbackCompleted)
}

// fetchPrimary materialises the extractor output (transcoded for audio) in a
// fresh artifact of scope.
func (o *Orchestrator) fetchPrimary(ctx context.Context, scope *tempfile.Scope, rn *run) (*tempfile.Artifact, error) {
	art, err := scope.Create(rn.req.Kind.String(), rn.req.Kind.Ext())
	if err != nil {
		return nil, err
	}
	rn.log.Debug().Str("path", art.Path).Msg("temp file allocated")

	src, err := o.extractor.Open(ctx, o.extractRequest(rn.req), rn.proxy)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	in := ctxReader{ctx: ctx, r: src}

	if rn.req.Kind == media.Audio {
		rn.to(StateTranscode)
		if err := o.transcoder.Save(ctx, in, art.Path, o.audio); err != nil {
			return nil, err
		}
		return art, nil
	}

	f, err := os.Create(art.Path)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, &extractor.ExtractionError{Stage: "write", Err: err}
	}
	return art, nil
}

// sendFile serves art through the sink. Removal is left to the caller's
// scope so it happens whatever ServeContent does.
func (o *Orchestrator) sendFile(ctx context.Context, r *http.Request, rn *run, art *tempfile.Artifact, success string) string {
	rn.to(StateDelivering)
	f, err := os.Open(art.Path)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.OutcomeCancelled
		}
		rn.log.Error().Err(err).Msg("open temp file for delivery")
		rn.out.fail(http.StatusInternalServerError, "delivery failed")
		return metrics.OutcomeFailed
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		rn.log.Error().Err(err).Msg("stat temp file")
		rn.out.fail(http.StatusInternalServerError, "delivery failed")
		return metrics.OutcomeFailed
	}

	rn.out.mediaHeaders()
	http.ServeContent(rn.out, r, rn.req.Kind.Filename(), info.ModTime(), f)

	if ctx.Err() != nil && rn.out.written < info.Size() {
		rn.log.Warn().Int64("bytes", rn.out.written).Int64("size", info.Size()).Msg("client disconnected during delivery")
		return metrics.OutcomeCancelled
	}
	return success
}
