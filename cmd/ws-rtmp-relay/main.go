package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/streambridge/ws-rtmp-relay/internal/config"
	"github.com/streambridge/ws-rtmp-relay/internal/httpserver"
	"github.com/streambridge/ws-rtmp-relay/internal/metrics"
	"github.com/streambridge/ws-rtmp-relay/internal/policy"
	"github.com/streambridge/ws-rtmp-relay/internal/relay"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "ws-rtmp-relay:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	pol, err := policy.NewPolicyFromEnv()
	if err != nil {
		return err
	}

	m := metrics.New()
	sessions := relay.NewSessionManager(cfg.MaxSessions, m, logger.With("component", "sessions"))
	launcher := relay.NewFFmpegLauncher(relay.FFmpegConfig{
		Path:         cfg.FFmpegPath,
		SilentAudio:  cfg.SilentAudio,
		VideoCodec:   cfg.VideoCodec,
		AudioCodec:   cfg.AudioCodec,
		OutputFormat: cfg.OutputFormat,
		StopGrace:    cfg.ProcessStopGrace,
	})
	relaySrv := relay.NewServer(relay.ServerConfig{
		PathPrefix:     cfg.PathPrefix,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxChunkBytes:  cfg.MaxChunkBytes,
	}, sessions, launcher, pol, logger.With("component", "relay"))

	srv := httpserver.New(cfg, logger.With("component", "http"), resolveBuildInfo())
	srv.SetReadyCheck(ffmpegReadyCheck(cfg.FFmpegPath))
	srv.Mux().Handle("GET "+cfg.PathPrefix, relaySrv)
	srv.Mux().Handle("GET /metrics", m.Handler())

	for _, warning := range collectStartupWarnings(cfg, pol) {
		logger.Warn(warning)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("relay listening",
		"addr", ln.Addr().String(), "path_prefix", cfg.PathPrefix, "mode", string(cfg.Mode))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	stop()
	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Upgraded connections are hijacked and invisible to http.Server, so
	// sessions are closed explicitly; each close stops its ffmpeg and lets
	// it finalize the output within the process stop grace.
	sessions.CloseAll(relay.CloseReasonShutdown)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ffmpegReadyCheck reports through /readyz whether the configured ffmpeg
// binary is resolvable, so a misconfigured deployment fails its probes
// instead of failing every session.
func ffmpegReadyCheck(path string) func() error {
	return func() error {
		if strings.ContainsRune(path, os.PathSeparator) {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("ffmpeg binary: %w", err)
			}
			return nil
		}
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("ffmpeg binary: %w", err)
		}
		return nil
	}
}

func collectStartupWarnings(cfg config.Config, pol *policy.DestinationPolicy) []string {
	var warnings []string
	if pol.Open() {
		warnings = append(warnings,
			"destination policy allows any host; set DESTINATION_POLICY_PRESET=prod and ALLOW_DESTINATION_HOSTS before exposing this relay")
	}
	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		warnings = append(warnings,
			"no ALLOWED_ORIGINS configured; browser connections are limited to same-host origins")
	}
	if cfg.MaxSessions <= 0 {
		warnings = append(warnings,
			"MAX_SESSIONS is unlimited; each session spawns one ffmpeg process")
	}
	return warnings
}

func resolveBuildInfo() httpserver.BuildInfo {
	var build httpserver.BuildInfo
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				build.Commit = setting.Value
			case "vcs.time":
				build.BuildTime = setting.Value
			}
		}
	}
	return build
}
