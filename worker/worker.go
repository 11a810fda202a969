package worker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrWorkerExited is returned when an exchange observes a broken pipe or EOF,
	// meaning the worker process is gone. The caller must evict the session.
	ErrWorkerExited = errors.New("worker process exited")

	// ErrPayloadNewline is returned for payloads containing a newline, which would
	// be framed by the worker as two separate requests.
	ErrPayloadNewline = errors.New("payload must not contain a newline")
)

// Config describes how worker processes are launched and how their responses
// are framed.
type Config struct {
	// Command is the worker program and its arguments.
	Command []string

	// DataDir is exported to the worker via DataDirEnv.
	DataDir    string
	DataDirEnv string

	// StreamSentinel, when non-empty, is the line a worker emits to mark the end
	// of one streamed response. When empty, a streamed response only ends when
	// the worker closes its stdout, which also marks the worker dead.
	StreamSentinel string
}

// Worker owns one OS process and its stdio pipes.
//
// All writes to the process, and the reads paired with them, happen under the
// worker's mutex, so exchanges against the same worker never interleave.
// ReadLine is the exception: it is lock-free and may only be used when a single
// goroutine owns the output side, as the duplex bridge does.
type Worker struct {
	log      *zap.SugaredLogger
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	sentinel string

	mu sync.Mutex

	dead         atomic.Bool
	closing      atomic.Bool
	lastActivity atomic.Int64

	termOnce sync.Once
}

// Spawn starts a worker process with the configured environment. The pipes are
// raw byte streams; the write side is an OS pipe with no userspace buffering,
// so requests are visible to the worker as soon as the write returns.
func Spawn(log *zap.SugaredLogger, cfg Config) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	env := os.Environ()
	if cfg.DataDirEnv != "" && cfg.DataDir != "" {
		env = append(env, cfg.DataDirEnv+"="+cfg.DataDir)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", cfg.Command[0], err)
	}

	w := &Worker{
		log:      log,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		sentinel: cfg.StreamSentinel,
	}
	w.Touch()

	go w.drainStderr(stderr)

	log.Debugw("spawned worker", "PID", cmd.Process.Pid, "Command", cfg.Command)
	return w, nil
}

// drainStderr forwards worker diagnostics to the log so a wedged or crashing
// worker leaves a trace.
func (w *Worker) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.log.Debugf("worker %d stderr: %s", w.PID(), scanner.Text())
	}
}

// PID returns the worker's OS process id.
func (w *Worker) PID() int {
	return w.cmd.Process.Pid
}

// Alive reports whether the worker is still usable for exchanges.
func (w *Worker) Alive() bool {
	return !w.dead.Load()
}

// Closing reports whether Terminate has begun, so readers racing teardown can
// tell a deliberately closed pipe from a spontaneous worker death.
func (w *Worker) Closing() bool {
	return w.closing.Load()
}

// Touch records activity on the worker's session.
func (w *Worker) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent successful exchange or Touch.
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// Exchange writes one newline-terminated request and reads exactly one response
// line, all under the worker's exclusive lock. The returned line has its
// trailing newline stripped and is passed through verbatim even if it is not
// valid JSON.
func (w *Worker) Exchange(req []byte) ([]byte, error) {
	if bytes.IndexByte(req, '\n') >= 0 {
		return nil, ErrPayloadNewline
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeLocked(req); err != nil {
		return nil, err
	}
	line, err := w.readLine()
	if err != nil {
		return nil, err
	}
	w.Touch()
	return line, nil
}

// ExchangeStream writes one request and forwards every subsequent response line
// to emit, holding the lock for the whole exchange so no concurrent request can
// interleave. The stream ends cleanly when the configured sentinel line arrives
// (the sentinel is consumed, not forwarded). Without a sentinel, the stream
// only ends when the worker closes stdout, which is indistinguishable from the
// worker exiting and is reported as ErrWorkerExited.
//
// An emit failure leaves response lines stranded on the pipe with no way to
// resynchronize, so it also marks the worker dead.
func (w *Worker) ExchangeStream(req []byte, emit func(line []byte) error) error {
	if bytes.IndexByte(req, '\n') >= 0 {
		return ErrPayloadNewline
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeLocked(req); err != nil {
		return err
	}

	for {
		line, err := w.readLine()
		if err != nil {
			return err
		}
		w.Touch()
		if w.sentinel != "" && string(line) == w.sentinel {
			return nil
		}
		if err := emit(line); err != nil {
			w.dead.Store(true)
			return fmt.Errorf("forwarding response line: %w", err)
		}
	}
}

// WriteLine sends one line to the worker, holding the lock only for the write.
// Used by the duplex bridge, where a dedicated goroutine owns all reads.
func (w *Worker) WriteLine(b []byte) error {
	if bytes.IndexByte(b, '\n') >= 0 {
		return ErrPayloadNewline
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(b)
}

// ReadLine reads one response line without taking the lock. Only a single
// goroutine may consume the worker's output through this method.
func (w *Worker) ReadLine() ([]byte, error) {
	return w.readLine()
}

func (w *Worker) writeLocked(req []byte) error {
	if w.dead.Load() {
		return fmt.Errorf("writing request: %w", ErrWorkerExited)
	}
	buf := make([]byte, 0, len(req)+1)
	buf = append(buf, req...)
	buf = append(buf, '\n')
	if _, err := w.stdin.Write(buf); err != nil {
		w.dead.Store(true)
		return fmt.Errorf("writing request to worker %d: %w", w.PID(), ErrWorkerExited)
	}
	return nil
}

func (w *Worker) readLine() ([]byte, error) {
	line, err := w.stdout.ReadBytes('\n')
	if err != nil {
		// EOF, a closed pipe, or a partial line with no terminator all mean the
		// worker is gone or mid-crash; none of them are recoverable.
		w.dead.Store(true)
		return nil, fmt.Errorf("reading response from worker %d: %w", w.PID(), ErrWorkerExited)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Terminate asks the worker to exit, waits up to grace, then kills it. It is
// idempotent and never blocks past the grace period plus the kill itself.
// Terminating an already-dead worker reaps it and returns.
func (w *Worker) Terminate(grace time.Duration) {
	w.termOnce.Do(func() {
		w.closing.Store(true)
		pid := w.PID()

		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			w.log.Debugf("signaling worker %d: %s", pid, err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Wait also closes the stdio pipes, unblocking any reader.
			if err := w.cmd.Wait(); err != nil {
				if _, ok := err.(*exec.ExitError); !ok {
					w.log.Debugf("waiting on worker %d: %s", pid, err)
				}
			}
		}()

		select {
		case <-done:
			w.log.Debugw("worker exited within grace period", "PID", pid)
		case <-time.After(grace):
			w.log.Warnw("worker did not exit within grace period, killing", "PID", pid, "Grace", grace)
			if err := w.cmd.Process.Kill(); err != nil {
				w.log.Debugf("killing worker %d: %s", pid, err)
			}
			<-done
		}

		w.dead.Store(true)
	})
}
