package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "WS_RTMP_RELAY_LISTEN_ADDR"
	envVarMode            = "WS_RTMP_RELAY_MODE"
	envVarLogFormat       = "WS_RTMP_RELAY_LOG_FORMAT"
	envVarLogLevel        = "WS_RTMP_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "WS_RTMP_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarPathPrefix      = "RELAY_PATH_PREFIX"

	// External process knobs.
	envVarFFmpegPath       = "FFMPEG_PATH"
	envVarSilentAudio      = "FFMPEG_SILENT_AUDIO"
	envVarVideoCodec       = "FFMPEG_VIDEO_CODEC"
	envVarAudioCodec       = "FFMPEG_AUDIO_CODEC"
	envVarOutputFormat     = "FFMPEG_OUTPUT_FORMAT"
	envVarProcessStopGrace = "PROCESS_STOP_GRACE"

	// Session knobs.
	envVarMaxSessions   = "MAX_SESSIONS"
	envVarMaxChunkBytes = "MAX_CHUNK_BYTES"

	DefaultListenAddr            = "127.0.0.1:8080"
	DefaultShutdown              = 15 * time.Second
	DefaultPathPrefix            = "/relay/"
	DefaultFFmpegPath            = "ffmpeg"
	DefaultVideoCodec            = "copy"
	DefaultAudioCodec            = "aac"
	DefaultOutputFormat          = "flv"
	DefaultProcessStopGrace      = 5 * time.Second
	DefaultMaxChunkBytes         = int64(8 << 20) // 8MiB; MediaRecorder blobs are typically far smaller
	DefaultMode             Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts which browser origins may upgrade. Empty means
	// same-host only.
	AllowedOrigins []string

	// PathPrefix is the fixed prefix that must precede the percent-encoded
	// destination address. Must begin and end with "/".
	PathPrefix string

	// External process configuration.
	FFmpegPath string
	// SilentAudio injects a synthetic silent audio track for streams that carry
	// video only, paired with -shortest so the process stops with the real
	// input instead of waiting on the synthetic one.
	SilentAudio      bool
	VideoCodec       string
	AudioCodec       string
	OutputFormat     string
	ProcessStopGrace time.Duration

	// MaxSessions caps concurrent relay sessions. <= 0 means unlimited.
	MaxSessions int
	// MaxChunkBytes bounds a single inbound WebSocket message.
	MaxChunkBytes int64
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	pathPrefix := envOrDefault(lookup, envVarPathPrefix, DefaultPathPrefix)
	ffmpegPath := envOrDefault(lookup, envVarFFmpegPath, DefaultFFmpegPath)
	videoCodec := envOrDefault(lookup, envVarVideoCodec, DefaultVideoCodec)
	audioCodec := envOrDefault(lookup, envVarAudioCodec, DefaultAudioCodec)
	outputFormat := envOrDefault(lookup, envVarOutputFormat, DefaultOutputFormat)

	silentAudio := true
	if raw, ok := lookup(envVarSilentAudio); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSilentAudio, raw, err)
		}
		silentAudio = v
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	processStopGrace, err := envDurationOrDefault(lookup, envVarProcessStopGrace, DefaultProcessStopGrace)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}

	maxChunkBytes := DefaultMaxChunkBytes
	if raw, ok := lookup(envVarMaxChunkBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxChunkBytes, raw, err)
		}
		maxChunkBytes = n
	}

	fs := flag.NewFlagSet("ws-rtmp-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&pathPrefix, "path-prefix", pathPrefix, "Path prefix preceding the percent-encoded destination (env "+envVarPathPrefix+")")
	fs.StringVar(&ffmpegPath, "ffmpeg-path", ffmpegPath, "Path to the ffmpeg binary (env "+envVarFFmpegPath+")")
	fs.BoolVar(&silentAudio, "silent-audio", silentAudio, "Inject a synthetic silent audio track (env "+envVarSilentAudio+")")
	fs.StringVar(&videoCodec, "video-codec", videoCodec, "Video codec argument, copy avoids re-encoding (env "+envVarVideoCodec+")")
	fs.StringVar(&audioCodec, "audio-codec", audioCodec, "Audio codec argument (env "+envVarAudioCodec+")")
	fs.StringVar(&outputFormat, "output-format", outputFormat, "Output container format (env "+envVarOutputFormat+")")
	fs.DurationVar(&processStopGrace, "process-stop-grace", processStopGrace, "Grace period between SIGTERM and SIGKILL (env "+envVarProcessStopGrace+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions, 0 = unlimited (env "+envVarMaxSessions+")")
	fs.Int64Var(&maxChunkBytes, "max-chunk-bytes", maxChunkBytes, "Maximum size of one inbound chunk (env "+envVarMaxChunkBytes+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if !strings.HasPrefix(pathPrefix, "/") || !strings.HasSuffix(pathPrefix, "/") || len(pathPrefix) < 2 {
		return Config{}, fmt.Errorf("%s/--path-prefix must begin and end with \"/\"; got %q", envVarPathPrefix, pathPrefix)
	}
	if strings.TrimSpace(ffmpegPath) == "" {
		return Config{}, fmt.Errorf("%s/--ffmpeg-path must not be empty", envVarFFmpegPath)
	}
	if strings.TrimSpace(videoCodec) == "" || strings.TrimSpace(audioCodec) == "" {
		return Config{}, fmt.Errorf("video and audio codec arguments must not be empty")
	}
	if strings.TrimSpace(outputFormat) == "" {
		return Config{}, fmt.Errorf("%s/--output-format must not be empty", envVarOutputFormat)
	}
	if processStopGrace <= 0 {
		return Config{}, fmt.Errorf("%s/--process-stop-grace must be > 0", envVarProcessStopGrace)
	}
	if maxChunkBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-chunk-bytes must be > 0", envVarMaxChunkBytes)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCSV(allowedOriginsStr),
		PathPrefix:      pathPrefix,

		FFmpegPath:       ffmpegPath,
		SilentAudio:      silentAudio,
		VideoCodec:       videoCodec,
		AudioCodec:       audioCodec,
		OutputFormat:     outputFormat,
		ProcessStopGrace: processStopGrace,

		MaxSessions:   maxSessions,
		MaxChunkBytes: maxChunkBytes,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
