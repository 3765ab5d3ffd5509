package relay

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// silentAudioSource is the lavfi graph injected when a stream carries no
// audio track. Paired with -shortest so the output stops with the real
// input instead of the endless synthetic one.
const silentAudioSource = "anullsrc=channel_layout=stereo:sample_rate=44100"

// FFmpegConfig describes how to invoke ffmpeg for one session.
type FFmpegConfig struct {
	Path         string
	SilentAudio  bool
	VideoCodec   string
	AudioCodec   string
	OutputFormat string

	// StopGrace is how long Stop waits after SIGTERM before sending
	// SIGKILL.
	StopGrace time.Duration
}

// FFmpegLauncher spawns one ffmpeg per session, reading media from stdin
// and publishing to the session's destination address.
type FFmpegLauncher struct {
	cfg FFmpegConfig
}

func NewFFmpegLauncher(cfg FFmpegConfig) *FFmpegLauncher {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &FFmpegLauncher{cfg: cfg}
}

func (l *FFmpegLauncher) Launch(destination string, logger *slog.Logger) (Process, error) {
	cmd := exec.Command(l.cfg.Path, buildFFmpegArgs(l.cfg, destination)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	cmd.Stdout = newLineWriter(logger, "stdout")
	cmd.Stderr = newLineWriter(logger, "stderr")

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", l.cfg.Path, err)
	}
	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid)

	p := &ffmpegProcess{
		cmd:       cmd,
		stdin:     stdin,
		stopGrace: l.cfg.StopGrace,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// buildFFmpegArgs assembles the invocation:
//
//	[-f lavfi -i anullsrc=...] -i pipe:0 [-shortest]
//	-vcodec <v> -acodec <a> -f <format> <destination>
//
// The synthetic audio input precedes the pipe input, and the destination
// is always the final argument.
func buildFFmpegArgs(cfg FFmpegConfig, destination string) []string {
	var args []string
	if cfg.SilentAudio {
		args = append(args, "-f", "lavfi", "-i", silentAudioSource)
	}
	args = append(args, "-i", "pipe:0")
	if cfg.SilentAudio {
		args = append(args, "-shortest")
	}
	args = append(args,
		"-vcodec", cfg.VideoCodec,
		"-acodec", cfg.AudioCodec,
		"-f", cfg.OutputFormat,
		destination,
	)
	return args
}

type ffmpegProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stopGrace time.Duration

	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *ffmpegProcess) Write(chunk []byte) error {
	if _, err := p.stdin.Write(chunk); err != nil {
		return fmt.Errorf("write to ffmpeg stdin: %w", err)
	}
	return nil
}

// Stop closes stdin so ffmpeg can flush and finalize the output, sends
// SIGTERM, and kills the process if it is still running after the grace
// period.
func (p *ffmpegProcess) Stop() {
	p.stopOnce.Do(func() {
		p.stdin.Close()
		p.cmd.Process.Signal(syscall.SIGTERM)

		go func() {
			select {
			case <-p.done:
			case <-time.After(p.stopGrace):
				p.cmd.Process.Kill()
			}
		}()
	})
}

func (p *ffmpegProcess) Done() <-chan struct{} {
	return p.done
}

func (p *ffmpegProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// maxDiagnosticLine caps the carry-over buffer for a child that emits no
// line terminator at all; anything longer is flushed as-is.
const maxDiagnosticLine = 8 << 10

// lineWriter splits process output into lines and forwards them to the
// session logger at debug level. ffmpeg terminates its continuous
// progress updates with \r rather than \n, so both count as line
// terminators; otherwise the updates would sit in the buffer for the
// life of the stream. The progress volume is why these log at debug.
type lineWriter struct {
	log    *slog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(logger *slog.Logger, stream string) *lineWriter {
	return &lineWriter{log: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:idx])
		w.buf = append(w.buf[:0], w.buf[idx+1:]...)
		if len(line) > 0 {
			w.log.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
		}
	}
	if len(w.buf) > maxDiagnosticLine {
		w.log.Debug("ffmpeg output", "stream", w.stream, "line", string(bytes.TrimSpace(w.buf)))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
