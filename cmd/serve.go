package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ytdeliver/internal/api"
	"ytdeliver/internal/config"
	"ytdeliver/internal/delivery"
	"ytdeliver/internal/extractor"
	"ytdeliver/internal/fallback"
	"ytdeliver/internal/logging"
	"ytdeliver/internal/metrics"
	"ytdeliver/internal/proxy"
	"ytdeliver/internal/tempfile"
	"ytdeliver/internal/transcode"
)

const statsInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	checkBinaries(log, cfg.FFmpegPath, cfg.YtDlpPath)

	temp := tempfile.NewManager(cfg.TempDir, log)
	if n, err := temp.Sweep(cfg.TempMaxAge); err != nil {
		log.Warn().Err(err).Msg("initial temp sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("removed stale temp files")
	}
	go temp.SweepLoop(ctx, cfg.TempSweepInterval, cfg.TempMaxAge)

	var cursor proxy.Cursor
	if rdb := proxy.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log); rdb != nil {
		defer rdb.Close()
		cursor = proxy.NewRedisCursor(rdb, proxy.DefaultCursorKey)
	}
	pool := proxy.NewPool(cfg.Proxies(), cursor, log)

	m := metrics.New("ytdeliver")
	orch := delivery.New(delivery.Deps{
		Extractor:       extractor.NewYouTube(log),
		Fallback:        fallback.New(cfg.YtDlpPath, log, fallback.WithTimeout(cfg.FallbackTimeout)),
		Transcoder:      transcode.NewFFmpeg(cfg.FFmpegPath, log),
		Temp:            temp,
		Proxies:         pool,
		Metrics:         m,
		Logger:          log,
		AudioBitrate:    cfg.AudioBitrate,
		AudioSampleRate: cfg.AudioSampleRate,
		VideoQuality:    cfg.VideoQuality,
	})
	go logStats(ctx, log, orch)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(cfg, orch, m, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Int("proxies", pool.Len()).
			Str("temp_dir", temp.Dir()).
			Str("version", Version).
			Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("graceful shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("graceful shutdown completed")
	return nil
}

// checkBinaries warns about missing external tools. The server still starts:
// direct video needs neither.
func checkBinaries(log zerolog.Logger, bins ...string) {
	for _, bin := range bins {
		if _, err := exec.LookPath(bin); err != nil {
			log.Warn().Str("binary", bin).Err(err).Msg("external tool not found")
		}
	}
}

func logStats(ctx context.Context, log zerolog.Logger, orch *delivery.Orchestrator) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := orch.Stats()
			log.Info().
				Int64("active", st.Active).
				Int64("completed", st.Completed).
				Int64("fallbacks", st.Fallbacks).
				Int64("failed", st.Failed).
				Int64("cancelled", st.Cancelled).
				Msg("stats")
		case <-ctx.Done():
			return
		}
	}
}
