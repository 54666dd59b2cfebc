package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdeliver/internal/extractor"
	"ytdeliver/internal/fallback"
	"ytdeliver/internal/media"
	"ytdeliver/internal/metrics"
	"ytdeliver/internal/proxy"
	"ytdeliver/internal/tempfile"
	"ytdeliver/internal/transcode"
)

const testURL = "https://valid.example/watch?v=abc"

type fakeStream struct {
	data    []byte
	err     error
	onFirst func()
	block   chan struct{}
	reads   int
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.reads++
	if s.reads == 1 && s.onFirst != nil {
		s.onFirst()
	}
	if s.reads == 2 && s.block != nil {
		<-s.block
	}
	if len(s.data) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	opened  int
	proxies []string
	reqs    []extractor.Request

	openErr   error
	data      string
	streamErr error
	onFirst   func()
	block     chan struct{}
}

func (f *fakeExtractor) Validate(raw string) error {
	if !strings.HasPrefix(raw, "https://valid.example/") {
		return extractor.ErrInvalidURL
	}
	return nil
}

func (f *fakeExtractor) Open(_ context.Context, req extractor.Request, proxyURL string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened++
	f.proxies = append(f.proxies, proxyURL)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(&fakeStream{
		data:    []byte(f.data),
		err:     f.streamErr,
		onFirst: f.onFirst,
		block:   f.block,
	}), nil
}

type fakeTranscoder struct {
	streams int
	saves   int
	err     error
	onCall  func()
	opts    transcode.Options
}

func (f *fakeTranscoder) encode(src io.Reader, opts transcode.Options) ([]byte, error) {
	f.opts = opts
	if f.onCall != nil {
		f.onCall()
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return nil, &transcode.Error{Err: err}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("mp3:"), b...), nil
}

func (f *fakeTranscoder) Stream(_ context.Context, src io.Reader, dst io.Writer, opts transcode.Options) error {
	f.streams++
	b, err := f.encode(src, opts)
	if err != nil {
		return err
	}
	_, err = dst.Write(b)
	return err
}

func (f *fakeTranscoder) Save(_ context.Context, src io.Reader, path string, opts transcode.Options) error {
	f.saves++
	b, err := f.encode(src, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

type fakeFallback struct {
	calls                      int
	url, format, output, proxy string
	filesAtCall                []string
	dir                        string

	content string
	fail    bool
	partial bool
	onCall  func()
}

func (f *fakeFallback) Download(_ context.Context, url, format, output, proxyURL string) fallback.Outcome {
	f.calls++
	f.url, f.format, f.output, f.proxy = url, format, output, proxyURL
	f.filesAtCall = listDir(f.dir)
	if f.partial {
		_ = os.WriteFile(output+".part", []byte("half"), 0o600)
	}
	if f.onCall != nil {
		f.onCall()
	}
	if f.fail {
		return fallback.Outcome{Path: output, Err: errors.New("exit status 1")}
	}
	if err := os.WriteFile(output, []byte(f.content), 0o600); err != nil {
		return fallback.Outcome{Path: output, Err: err}
	}
	return fallback.Outcome{Path: output, ExitedZero: true, FileExists: true}
}

func listDir(dir string) []string {
	entries, _ := os.ReadDir(dir)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type harness struct {
	o   *Orchestrator
	ext *fakeExtractor
	tr  *fakeTranscoder
	fb  *fakeFallback
	m   *metrics.Metrics
	dir string
}

func newHarness(t *testing.T, proxies ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		ext: &fakeExtractor{data: "primary-bytes"},
		tr:  &fakeTranscoder{},
		fb:  &fakeFallback{dir: dir, content: "fallback-bytes"},
		m:   metrics.New("test"),
		dir: dir,
	}
	h.o = New(Deps{
		Extractor:       h.ext,
		Fallback:        h.fb,
		Transcoder:      h.tr,
		Temp:            tempfile.NewManager(dir, zerolog.Nop()),
		Proxies:         proxy.NewPool(proxies, nil, zerolog.Nop()),
		Metrics:         h.m,
		Logger:          zerolog.Nop(),
		AudioBitrate:    128,
		AudioSampleRate: 44100,
	})
	return h
}

func (h *harness) serve(req Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.o.Deliver(rec, httptest.NewRequest(http.MethodGet, "/"+req.Kind.String(), nil), req)
	return rec
}

func (h *harness) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestInvalidURLInvokesNothing(t *testing.T) {
	for _, mode := range []CacheMode{Prefetch, Direct} {
		for _, kind := range []media.Kind{media.Video, media.Audio} {
			h := newHarness(t)
			for _, u := range []string{"", "https://elsewhere.example/x"} {
				rec := h.serve(Request{SourceURL: u, Kind: kind, Mode: mode})
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), "invalid URL")
			}
			assert.Zero(t, h.ext.opened)
			assert.Zero(t, h.fb.calls)
			assert.Zero(t, h.tr.streams+h.tr.saves)
			assert.Empty(t, listDir(h.dir))
		}
	}
}

func TestPrefetchVideoSuccess(t *testing.T) {
	h := newHarness(t)
	var during []string
	h.ext.onFirst = func() { during = listDir(h.dir) }

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "primary-bytes", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, during, 1, "temp file exists while downloading")
	assert.True(t, strings.HasPrefix(during[0], "video_"), during[0])
	assert.Equal(t, ".mp4", filepath.Ext(during[0]))
	assert.Empty(t, listDir(h.dir), "temp file removed after delivery")

	assert.Zero(t, h.fb.calls)
	assert.Equal(t, "18", h.ext.reqs[0].Quality)
	assert.Equal(t, Stats{Completed: 1}, h.o.Stats())
}

func TestPrefetchAudioTranscodesToFile(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Audio, Mode: Prefetch})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "mp3:primary-bytes", rec.Body.String())
	assert.Equal(t, 1, h.tr.saves)
	assert.Zero(t, h.tr.streams)
	assert.Equal(t, 128, h.tr.opts.BitrateKbps)
	assert.Equal(t, 44100, h.tr.opts.SampleRate)
	assert.Equal(t, extractor.HighestAudio, h.ext.reqs[0].Quality)
	assert.Empty(t, listDir(h.dir))
}

func TestPrefetchStreamErrorFallsBackOnce(t *testing.T) {
	tests := []struct {
		name   string
		kind   media.Kind
		format string
		setup  func(h *harness)
	}{
		{"video stream error", media.Video, "mp4", func(h *harness) {
			h.ext.streamErr = errors.New("connection reset")
		}},
		{"video open error", media.Video, "mp4", func(h *harness) {
			h.ext.openErr = &extractor.ExtractionError{Stage: "metadata", Err: errors.New("403")}
		}},
		{"audio transcode error", media.Audio, "mp3", func(h *harness) {
			h.tr.err = errors.New("ffmpeg exited 1")
		}},
		{"audio stream error", media.Audio, "mp3", func(h *harness) {
			h.ext.streamErr = errors.New("unexpected EOF")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "http://p:1")
			tt.setup(h)

			rec := h.serve(Request{SourceURL: testURL, Kind: tt.kind, Mode: Prefetch})

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "fallback-bytes", rec.Body.String())
			assert.Equal(t, tt.kind.ContentType(), rec.Header().Get("Content-Type"))

			require.Equal(t, 1, h.fb.calls)
			assert.Equal(t, tt.format, h.fb.format)
			assert.Equal(t, testURL, h.fb.url)
			assert.Equal(t, "http://p:1", h.fb.proxy)
			assert.True(t, strings.HasPrefix(filepath.Base(h.fb.output), "yt_"), h.fb.output)
			assert.Equal(t, "."+tt.format, filepath.Ext(h.fb.output))
			assert.Empty(t, h.fb.filesAtCall, "primary temp file removed before fallback starts")

			assert.Empty(t, listDir(h.dir))
			assert.Equal(t, Stats{Completed: 1, Fallbacks: 1}, h.o.Stats())
		})
	}
}

func TestFallbackWithoutDeliverableFile(t *testing.T) {
	h := newHarness(t)
	h.ext.streamErr = errors.New("boom")
	h.fb.fail = true

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "download failed", errorBody(t, rec))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, 1, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
	assert.Equal(t, Stats{Failed: 1, Fallbacks: 1}, h.o.Stats())
}

func TestPrefetchOpenRejectsInvalidURL(t *testing.T) {
	h := newHarness(t)
	h.ext.openErr = extractor.ErrInvalidURL

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
}

func TestDirectAudioStreamsWithoutTempFile(t *testing.T) {
	h := newHarness(t)
	var during []string
	h.tr.onCall = func() { during = listDir(h.dir) }

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Audio, Mode: Direct})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="audio.mp3"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "mp3:primary-bytes", rec.Body.String())
	assert.Equal(t, 1, h.tr.streams)
	assert.Zero(t, h.tr.saves)
	assert.Empty(t, during)
	assert.Empty(t, listDir(h.dir))
	assert.Zero(t, h.fb.calls)
}

func TestDirectVideo(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct, Quality: "22"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="video.mp4"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "primary-bytes", rec.Body.String())
	assert.Equal(t, "22", h.ext.reqs[0].Quality)
	assert.Empty(t, listDir(h.dir))
}

func TestDirectOpenFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.ext.openErr = &extractor.ExtractionError{Stage: "metadata", Err: errors.New("403")}

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "extraction failed", errorBody(t, rec))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	assert.Zero(t, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
}

func TestDirectFailureAfterFirstByteIsLoggedOnly(t *testing.T) {
	h := newHarness(t)
	h.ext.data = "partial"
	h.ext.streamErr = errors.New("connection reset")

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
	assert.Zero(t, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
	assert.Equal(t, Stats{Failed: 1}, h.o.Stats())
}

func TestDirectEmptyStreamStillSendsHeaders(t *testing.T) {
	h := newHarness(t)
	h.ext.data = ""

	rec := h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="video.mp4"`, rec.Header().Get("Content-Disposition"))
}

func TestPrefetchCancellationRemovesTempFileImmediately(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.ext.data = "chunk"
	h.ext.onFirst = func() { close(started) }
	h.ext.block = release

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/video", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.o.Deliver(rec, r, Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	require.Len(t, listDir(h.dir), 1)

	cancel()
	// The read is still blocked; removal must not wait for it.
	assert.Eventually(t, func() bool { return len(listDir(h.dir)) == 0 }, 2*time.Second, 10*time.Millisecond)

	close(release)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return after cancellation")
	}

	assert.Zero(t, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
	assert.Equal(t, int64(1), h.o.Stats().Cancelled)
}

func TestCancelledBeforeFallbackSkipsIt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.ext.openErr = context.Canceled
	cancel()

	rec := httptest.NewRecorder()
	h.o.Deliver(rec, httptest.NewRequest(http.MethodGet, "/video", nil).WithContext(ctx),
		Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})

	assert.Zero(t, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
	assert.Equal(t, int64(1), h.o.Stats().Cancelled)
}

func TestProxyRotationAcrossRequests(t *testing.T) {
	h := newHarness(t, "http://a:1", "http://b:2")
	for i := 0; i < 3; i++ {
		h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})
	}
	assert.Equal(t, []string{"http://a:1", "http://b:2", "http://a:1"}, h.ext.proxies)
}

func TestNoProxyConfigured(t *testing.T) {
	h := newHarness(t)
	h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})
	assert.Equal(t, []string{""}, h.ext.proxies)
}

func TestModeFromNoCache(t *testing.T) {
	assert.Equal(t, Direct, ModeFromNoCache("true"))
	assert.Equal(t, Direct, ModeFromNoCache("TRUE"))
	assert.Equal(t, Prefetch, ModeFromNoCache("false"))
	assert.Equal(t, Prefetch, ModeFromNoCache(""))
	assert.Equal(t, Prefetch, ModeFromNoCache("1"))
	assert.Equal(t, "direct", Direct.String())
	assert.Equal(t, "prefetch", Prefetch.String())
}

func TestFailedFallbackLeavesNoPartialDownload(t *testing.T) {
	for _, kind := range []media.Kind{media.Video, media.Audio} {
		t.Run(kind.String(), func(t *testing.T) {
			h := newHarness(t)
			h.ext.streamErr = errors.New("boom")
			h.fb.fail = true
			h.fb.partial = true

			rec := h.serve(Request{SourceURL: testURL, Kind: kind, Mode: Prefetch})

			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.Empty(t, listDir(h.dir))
		})
	}
}

func TestCancelledFallbackLeavesNoPartialDownload(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ext.streamErr = errors.New("boom")
	h.fb.fail = true
	h.fb.partial = true
	h.fb.onCall = cancel

	rec := httptest.NewRecorder()
	h.o.Deliver(rec, httptest.NewRequest(http.MethodGet, "/video", nil).WithContext(ctx),
		Request{SourceURL: testURL, Kind: media.Video, Mode: Prefetch})

	assert.Equal(t, 1, h.fb.calls)
	assert.Empty(t, listDir(h.dir))
	assert.Equal(t, int64(1), h.o.Stats().Cancelled)
}

func TestDeliveredBytesOnlyCountCompletedRequests(t *testing.T) {
	h := newHarness(t)
	h.ext.openErr = errors.New("403")
	h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})
	assert.NotContains(t, h.scrape(t), "test_delivered_bytes_count")

	h.ext.openErr = nil
	h.serve(Request{SourceURL: testURL, Kind: media.Video, Mode: Direct})
	body := h.scrape(t)
	assert.Contains(t, body, `test_delivered_bytes_count{kind="video"} 1`)
	assert.Contains(t, body, `test_delivered_bytes_sum{kind="video"} 13`)
}
