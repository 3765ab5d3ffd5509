package relay

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"
)

func TestBuildFFmpegArgs(t *testing.T) {
	cfg := FFmpegConfig{
		Path:         "ffmpeg",
		SilentAudio:  true,
		VideoCodec:   "copy",
		AudioCodec:   "aac",
		OutputFormat: "flv",
	}

	got := buildFFmpegArgs(cfg, "rtmp://live.example.com/app/key")
	want := []string{
		"-f", "lavfi", "-i", silentAudioSource,
		"-i", "pipe:0",
		"-shortest",
		"-vcodec", "copy",
		"-acodec", "aac",
		"-f", "flv",
		"rtmp://live.example.com/app/key",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestBuildFFmpegArgsWithoutSilentAudio(t *testing.T) {
	cfg := FFmpegConfig{
		VideoCodec:   "copy",
		AudioCodec:   "copy",
		OutputFormat: "flv",
	}

	got := buildFFmpegArgs(cfg, "rtmp://live.example.com/app/key")
	want := []string{
		"-i", "pipe:0",
		"-vcodec", "copy",
		"-acodec", "copy",
		"-f", "flv",
		"rtmp://live.example.com/app/key",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestBuildFFmpegArgsDestinationIsLast(t *testing.T) {
	args := buildFFmpegArgs(FFmpegConfig{SilentAudio: true, VideoCodec: "copy", AudioCodec: "aac", OutputFormat: "flv"}, "rtmp://x/y/z")
	if args[len(args)-1] != "rtmp://x/y/z" {
		t.Fatalf("destination must be the final argument, got %q", args[len(args)-1])
	}
}

func TestNewFFmpegLauncherDefaults(t *testing.T) {
	l := NewFFmpegLauncher(FFmpegConfig{})
	if l.cfg.Path != "ffmpeg" {
		t.Errorf("Path = %q, want ffmpeg", l.cfg.Path)
	}
	if l.cfg.StopGrace != 5*time.Second {
		t.Errorf("StopGrace = %v, want 5s", l.cfg.StopGrace)
	}
}

// fakeBinary writes an executable shell script standing in for ffmpeg.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestFFmpegLauncherStopTerminatesProcess(t *testing.T) {
	launcher := NewFFmpegLauncher(FFmpegConfig{
		Path:         fakeBinary(t, "cat >/dev/null\n"),
		VideoCodec:   "copy",
		AudioCodec:   "aac",
		OutputFormat: "flv",
		StopGrace:    2 * time.Second,
	})

	proc, err := launcher.Launch("rtmp://live.example.com/app/key", testLogger())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := proc.Write(bytes.Repeat([]byte{0x42}, 1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	proc.Stop()
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestFFmpegLauncherDetectsExit(t *testing.T) {
	launcher := NewFFmpegLauncher(FFmpegConfig{
		Path:         fakeBinary(t, "exit 3\n"),
		VideoCodec:   "copy",
		AudioCodec:   "aac",
		OutputFormat: "flv",
	})

	proc, err := launcher.Launch("rtmp://live.example.com/app/key", testLogger())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not detected")
	}
	if proc.Err() == nil {
		t.Fatal("Err() = nil, want non-zero exit status")
	}
}

func TestFFmpegLauncherMissingBinary(t *testing.T) {
	launcher := NewFFmpegLauncher(FFmpegConfig{
		Path:         filepath.Join(t.TempDir(), "does-not-exist"),
		VideoCodec:   "copy",
		AudioCodec:   "aac",
		OutputFormat: "flv",
	})

	if _, err := launcher.Launch("rtmp://live.example.com/app/key", testLogger()); err == nil {
		t.Fatal("expected launch error for missing binary")
	}
}

func recordingLogger(records *[]string) *slog.Logger {
	return slog.New(slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
		*records = append(*records, string(p))
		return len(p), nil
	}), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLineWriterSplitsLines(t *testing.T) {
	var records []string
	w := newLineWriter(recordingLogger(&records), "stderr")

	w.Write([]byte("frame=1 fps=30\nframe="))
	w.Write([]byte("2 fps=30\n"))

	if len(records) != 2 {
		t.Fatalf("logged %d lines, want 2", len(records))
	}
	if !bytes.Contains([]byte(records[1]), []byte("frame=2 fps=30")) {
		t.Fatalf("second line = %q", records[1])
	}
}

func TestLineWriterSplitsCarriageReturnProgress(t *testing.T) {
	var records []string
	w := newLineWriter(recordingLogger(&records), "stderr")

	// ffmpeg's in-place progress updates end with \r, not \n.
	for i := 0; i < 500; i++ {
		w.Write([]byte("frame= 1000 fps=30 bitrate=2500kbits/s speed=1x\r"))
	}

	if len(records) != 500 {
		t.Fatalf("logged %d progress updates, want 500", len(records))
	}
	if len(w.buf) != 0 {
		t.Fatalf("carried over %d bytes, want 0", len(w.buf))
	}
}

func TestLineWriterBoundsUnterminatedOutput(t *testing.T) {
	var records []string
	w := newLineWriter(recordingLogger(&records), "stderr")

	chunk := bytes.Repeat([]byte{'x'}, 4096)
	for i := 0; i < 8; i++ {
		w.Write(chunk)
	}

	if len(w.buf) > maxDiagnosticLine {
		t.Fatalf("buffer grew to %d bytes, want at most %d", len(w.buf), maxDiagnosticLine)
	}
	if len(records) == 0 {
		t.Fatal("oversized unterminated output was dropped instead of flushed")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
