package transcoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"go.uber.org/zap"
)

// Adapter lifecycle: Created -> Running -> {Exited, Failed}. Terminal states
// are sticky; a new session needs a new Adapter.
const (
	stateCreated int32 = iota
	stateRunning
	stateExited
	stateFailed
)

// stopGrace is how long Stop waits for a voluntary exit after closing
// stdin and sending SIGTERM before escalating to SIGKILL.
const stopGrace = 3 * time.Second

// writeTimeout bounds how long a single chunk write may stall on a full
// stdin pipe. A stalled pipe means the subprocess stopped consuming;
// letting the write block forever would also pin the stdin mutex and
// deadlock Stop.
const writeTimeout = 5 * time.Second

// Adapter supervises one ffmpeg subprocess for one relay session. It owns
// the stdin pipe (the media sink), drains stderr through the observer, and
// reports the exit code exactly once.
type Adapter struct {
	logger   *zap.SugaredLogger
	binary   string
	args     []string
	observer ports.TranscoderObserver

	cmd *exec.Cmd

	stdin io.WriteCloser
	// stdinFile is stdin downcast to *os.File for write deadlines; nil if
	// the pipe is not a deadline-capable file.
	stdinFile *os.File

	state atomic.Int32

	// done is closed after the process has been reaped.
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	exitOnce  sync.Once

	// Guards stdin during Write/close races.
	mu sync.Mutex
}

// Factory builds Adapters around a configured ffmpeg binary.
type Factory struct {
	binary string
	logger *zap.SugaredLogger
}

func NewFactory(binary string, logger *zap.SugaredLogger) *Factory {
	return &Factory{binary: binary, logger: logger}
}

func (f *Factory) New(destination string, profile domain.Profile, observer ports.TranscoderObserver) ports.Transcoder {
	return &Adapter{
		logger:   f.logger,
		binary:   f.binary,
		args:     BuildArgs(destination, profile),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// Start spawns the subprocess exactly once. A failed exec is terminal
// (Failed); nothing is left running and no observer events fire.
func (a *Adapter) Start() error {
	var startErr error

	a.startOnce.Do(func() {
		cmd := exec.Command(a.binary, a.args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			a.state.Store(stateFailed)
			startErr = fmt.Errorf("%w: stdin pipe: %v", domain.ErrLaunchFailure, err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			a.state.Store(stateFailed)
			startErr = fmt.Errorf("%w: stderr pipe: %v", domain.ErrLaunchFailure, err)
			return
		}
		cmd.Stdout = io.Discard

		if err := cmd.Start(); err != nil {
			a.state.Store(stateFailed)
			startErr = fmt.Errorf("%w: %v", domain.ErrLaunchFailure, err)
			return
		}

		a.cmd = cmd
		a.stdin = stdin
		a.stdinFile, _ = stdin.(*os.File)
		a.state.Store(stateRunning)

		a.logger.Infow("transcoder started",
			"pid", cmd.Process.Pid,
			"bitrate_kbps", extractFlag(a.args, "-b:v"),
			"fps", extractFlag(a.args, "-r"),
		)

		go a.supervise(stderr)
	})

	if startErr == nil && a.state.Load() == stateFailed {
		// Start called again after a failed first attempt.
		return domain.ErrLaunchFailure
	}
	return startErr
}

// supervise drains stderr, reaps the child and fires OnExit once. stderr
// must be fully consumed before Wait to honor the os/exec pipe contract.
func (a *Adapter) supervise(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if a.observer != nil {
			a.observer.OnStderrLine(sc.Text())
		}
	}

	code := 0
	if err := a.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			code = eerr.ExitCode()
			if code < 0 {
				// Killed by signal; report the conventional 128+signal code.
				if status, ok := eerr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					code = 128 + int(status.Signal())
				}
			}
		} else {
			code = -1
			a.logger.Errorw("failed to wait for transcoder", "error", err)
		}
	}

	a.mu.Lock()
	if a.stdin != nil {
		_ = a.stdin.Close()
		a.stdin = nil
		a.stdinFile = nil
	}
	a.mu.Unlock()

	a.state.Store(stateExited)
	close(a.done)

	a.logger.Infow("transcoder exited", "exit_code", code)

	if a.observer != nil {
		a.exitOnce.Do(func() { a.observer.OnExit(code) })
	}
}

// Write forwards one media chunk to the subprocess stdin. When the adapter
// is not running or the pipe is already closed it reports ErrNotWritable,
// which callers treat as a no-op signal rather than a crash. A genuine
// write error surfaces as ErrWriteFailure and is never retried here.
func (a *Adapter) Write(chunk []byte) error {
	if a.state.Load() != stateRunning {
		return domain.ErrNotWritable
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stdin == nil {
		return domain.ErrNotWritable
	}

	if a.stdinFile != nil {
		a.stdinFile.SetWriteDeadline(time.Now().Add(writeTimeout))
	}

	if _, err := a.stdin.Write(chunk); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWriteFailure, err)
	}
	return nil
}

// Stop initiates shutdown: close stdin so ffmpeg drains and finalizes the
// stream, send SIGTERM, escalate to SIGKILL after the grace window.
// Idempotent and non-blocking; callers must only rely on no further
// writes succeeding after it returns.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		if a.stdin != nil {
			_ = a.stdin.Close()
			a.stdin = nil
			a.stdinFile = nil
		}
		a.mu.Unlock()

		if a.cmd == nil || a.cmd.Process == nil {
			return
		}

		if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			a.logger.Debugw("SIGTERM failed", "error", err)
		}

		go func() {
			select {
			case <-a.done:
			case <-time.After(stopGrace):
				a.logger.Warnw("transcoder did not exit in grace window, killing",
					"pid", a.cmd.Process.Pid)
				_ = a.cmd.Process.Kill()
			}
		}()
	})
}

// Done is closed once the subprocess has been reaped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// ClassifyStderr matches a small closed set of ffmpeg diagnostics that
// deserve a clearer user-facing message. Best-effort substring matching;
// never load-bearing for correctness.
func ClassifyStderr(line string) (string, bool) {
	switch {
	case strings.Contains(line, "403") || strings.Contains(line, "401"):
		return "authentication rejected by streaming endpoint (check stream key)", true
	case strings.Contains(line, "Connection refused") || strings.Contains(line, "Network is unreachable"):
		return "cannot reach streaming endpoint", true
	default:
		return "", false
	}
}

func extractFlag(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
