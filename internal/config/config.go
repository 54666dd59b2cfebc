// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

// Defaults, kept close to what the service has always shipped with.
const (
	DefaultPort              = 3000
	DefaultFFmpegPath        = "ffmpeg"
	DefaultYtDlpPath         = "yt-dlp"
	DefaultAudioBitrate      = 128
	DefaultVideoQuality      = "18"
	DefaultTempDir           = "."
	DefaultFallbackTimeout   = 10 * time.Minute
	DefaultTempMaxAge        = time.Hour
	DefaultTempSweepInterval = 15 * time.Minute
	DefaultRateLimitRPS      = 10
	DefaultRateLimitBurst    = 20
	DefaultLogLevel          = "info"
	DefaultShutdownTimeout   = 30 * time.Second
)

// Config holds every tunable of the service.
type Config struct {
	Port   int
	APIKey string

	// Proxy and ProxyList are two mutually exclusive ways to configure
	// egress proxies: a single fixed endpoint or a rotation list.
	Proxy     string
	ProxyList []string

	FFmpegPath   string
	YtDlpPath    string
	AudioBitrate int
	// AudioSampleRate is the MP3 sample rate in Hz. Zero keeps the source rate.
	AudioSampleRate int
	VideoQuality    string

	TempDir           string
	TempMaxAge        time.Duration
	TempSweepInterval time.Duration
	FallbackTimeout   time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogPretty bool

	ShutdownTimeout time.Duration
}

// Load reads envFile (if it exists) and then the process environment.
// An empty envFile means ".env". Malformed values are reported together.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	// A missing file is the normal case in containers.
	_ = godotenv.Load(envFile)

	var env envReader
	cfg := &Config{
		Port:              env.Int("PORT", DefaultPort),
		APIKey:            env.String("API_KEY", ""),
		Proxy:             env.String("PROXY", ""),
		ProxyList:         env.List("PROXY_LIST"),
		FFmpegPath:        env.String("FFMPEG_PATH", DefaultFFmpegPath),
		YtDlpPath:         env.String("YTDLP_PATH", DefaultYtDlpPath),
		AudioBitrate:      env.Int("AUDIO_BITRATE", DefaultAudioBitrate),
		AudioSampleRate:   env.Int("AUDIO_SAMPLE_RATE", 0),
		VideoQuality:      env.String("VIDEO_QUALITY", DefaultVideoQuality),
		TempDir:           env.String("TEMP_DIR", DefaultTempDir),
		TempMaxAge:        env.Duration("TEMP_MAX_AGE", DefaultTempMaxAge),
		TempSweepInterval: env.Duration("TEMP_SWEEP_INTERVAL", DefaultTempSweepInterval),
		FallbackTimeout:   env.Duration("FALLBACK_TIMEOUT", DefaultFallbackTimeout),
		RateLimitRPS:      env.Int("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:    env.Int("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		RedisAddr:         env.String("REDIS_ADDR", ""),
		RedisPassword:     env.String("REDIS_PASSWORD", ""),
		RedisDB:           env.Int("REDIS_DB", 0),
		LogLevel:          env.String("LOG_LEVEL", DefaultLogLevel),
		LogPretty:         env.Bool("LOG_PRETTY", false),
		ShutdownTimeout:   env.Duration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
	}
	if err := env.Err(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("API_KEY must be set"))
	}
	if c.Proxy != "" && len(c.ProxyList) > 0 {
		errs = append(errs, errors.New("PROXY and PROXY_LIST are mutually exclusive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if c.AudioBitrate <= 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIO_BITRATE %d", c.AudioBitrate))
	}
	if c.AudioSampleRate < 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIO_SAMPLE_RATE %d", c.AudioSampleRate))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// Proxies returns the rotation pool. A single PROXY is a pool of one.
func (c *Config) Proxies() []string {
	if len(c.ProxyList) > 0 {
		return append([]string(nil), c.ProxyList...)
	}
	if c.Proxy != "" {
		return []string{c.Proxy}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
