package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driveguard/alert-server/internal/frame"
	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/pkg/types"
)

var log = logger.Module("Detector")

// Worker defaults
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultStartTimeout   = 60 * time.Second
	stopTimeout           = 2 * time.Second

	restartAttempts  = 5
	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
)

// WorkerConfig describes how to launch the detector process
type WorkerConfig struct {
	Command        string
	Args           []string
	Env            []string // appended to the server environment
	RequestTimeout time.Duration
	StartTimeout   time.Duration // covers model loading before the first ping answer
}

// WorkerStats are cumulative worker counters
type WorkerStats struct {
	Requests      uint64
	Failures      uint64
	Restarts      uint64
	LastLatencyMS float64
	Model         string
}

// Worker runs the detector as a subprocess and exchanges length-prefixed
// msgpack messages with it over stdin/stdout. One request is in flight at a time.
// A process that stops answering is killed and replaced in the background.
type Worker struct {
	cfg WorkerConfig

	// mu serializes request/response pairs on the pipe
	mu sync.Mutex

	// procMu guards the current process and its streams
	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	gen    uint64

	// spawn attaches a fresh process; called with mu held
	spawn func() error

	seq        atomic.Uint64
	active     atomic.Bool
	restarting atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}

	requests    atomic.Uint64
	failures    atomic.Uint64
	restarts    atomic.Uint64
	lastLatency atomic.Uint64 // microseconds
	model       atomic.Value  // string
}

// NewWorker validates cfg and returns an unstarted worker
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	w := &Worker{cfg: cfg, stopCh: make(chan struct{})}
	w.spawn = w.launch
	return w, nil
}

// newPipeWorker runs the protocol over streams returned by connect (used by
// tests). connect is called again whenever the worker is replaced.
func newPipeWorker(connect func() (io.Reader, io.WriteCloser, error), timeout time.Duration) (*Worker, error) {
	w := &Worker{
		cfg:    WorkerConfig{RequestTimeout: timeout, StartTimeout: timeout},
		stopCh: make(chan struct{}),
	}
	w.spawn = func() error {
		r, wc, err := connect()
		if err != nil {
			return err
		}
		w.attach(nil, wc, bufio.NewReader(r))
		return nil
	}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	w.active.Store(true)
	return w, nil
}

// Start launches the process and waits for it to answer a ping.
// A failure here means no frame can be classified and should abort startup.
func (w *Worker) Start(ctx context.Context) error {
	if w.active.Load() {
		return fmt.Errorf("detector worker already started")
	}

	w.mu.Lock()
	err := w.spawnReady(ctx)
	w.mu.Unlock()
	if err != nil {
		_ = w.Stop()
		return fmt.Errorf("detector did not become ready: %w", err)
	}
	log.Info("Detector ready (model=%s)", w.Stats().Model)
	return nil
}

// launch starts the detector process and attaches its pipes
func (w *Worker) launch() error {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Env = append(os.Environ(), w.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start detector %q: %w", w.cfg.Command, err)
	}
	exited, gen := w.attach(cmd, stdin, bufio.NewReaderSize(stdout, 64<<10))

	go w.logStderr(stderr)
	go w.waitProcess(cmd, exited, gen)

	log.Info("Detector process started (pid=%d, command=%s)", cmd.Process.Pid, w.cfg.Command)
	return nil
}

func (w *Worker) attach(cmd *exec.Cmd, stdin io.WriteCloser, stdout *bufio.Reader) (chan struct{}, uint64) {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	w.gen++
	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.exited = make(chan struct{})
	return w.exited, w.gen
}

func (w *Worker) pipes() (io.WriteCloser, *bufio.Reader, chan struct{}) {
	w.procMu.Lock()
	defer w.procMu.Unlock()
	return w.stdin, w.stdout, w.exited
}

// spawnReady attaches a new process and pings it. Caller holds mu.
func (w *Worker) spawnReady(ctx context.Context) error {
	if err := w.spawn(); err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.StartTimeout)
	defer cancel()

	var resp response
	if err := w.exchange(pingCtx, &request{Type: requestPing}, &resp, w.cfg.StartTimeout, false); err != nil {
		w.kill()
		return err
	}
	w.active.Store(true)
	return nil
}

// Ping checks that the worker answers
func (w *Worker) Ping(ctx context.Context) error {
	var resp response
	return w.roundTrip(ctx, &request{Type: requestPing}, &resp, w.cfg.StartTimeout)
}

// Detect sends the frame payload to the worker and returns its detections
func (w *Worker) Detect(ctx context.Context, f *types.Frame, confidence float64) ([]types.DetectionRecord, error) {
	req := &request{
		Type:       requestDetect,
		FrameData:  f.Data,
		Format:     f.Format,
		Width:      f.Width,
		Height:     f.Height,
		Confidence: confidence,
	}
	var resp response
	if err := w.roundTrip(ctx, req, &resp, w.cfg.RequestTimeout); err != nil {
		return nil, err
	}

	dets := make([]types.DetectionRecord, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		dets = append(dets, types.DetectionRecord{ClassName: d.ClassName, Confidence: d.Confidence, BBox: d.BBox})
	}
	return Filter(dets, f.Width, f.Height, confidence), nil
}

// ReadSpeedLimit asks the worker to read digits from a sign region.
// Any failure is reported as no value.
func (w *Worker) ReadSpeedLimit(ctx context.Context, f *types.Frame, region types.BoundingBox) (int, bool) {
	crop, err := frame.EncodeSignCrop(f, region)
	if err != nil {
		log.Debug("Sign crop failed: %v", err)
		return 0, false
	}
	req := &request{
		Type:      requestReadSpeedLimit,
		FrameData: crop,
		Format:    "png",
		Width:     f.Width,
		Height:    f.Height,
		Region:    &region,
	}
	var resp response
	if err := w.roundTrip(ctx, req, &resp, w.cfg.RequestTimeout); err != nil {
		log.Debug("Speed limit read failed: %v", err)
		return 0, false
	}
	if resp.SpeedLimit <= 0 {
		return 0, false
	}
	return resp.SpeedLimit, true
}

type result struct {
	resp response
	err  error
}

func (w *Worker) roundTrip(ctx context.Context, req *request, resp *response, timeout time.Duration) error {
	if !w.active.Load() {
		return ErrWorkerNotRunning
	}

	w.mu.Lock()
	if !w.active.Load() {
		w.mu.Unlock()
		return ErrWorkerNotRunning
	}
	err := w.exchange(ctx, req, resp, timeout, true)
	if !errors.Is(err, errDraining) {
		w.mu.Unlock()
	}

	if err == nil && !resp.OK {
		err = fmt.Errorf("detector error: %s", resp.Error)
	}
	if err != nil {
		w.failures.Add(1)
		if errors.Is(err, errDraining) {
			return ctx.Err()
		}
		return err
	}
	if resp.Model != "" {
		w.model.Store(resp.Model)
	}
	return nil
}

// errDraining means the caller gave up while the reply is still owed; the
// pipe lock has been handed to the drain goroutine.
var errDraining = errors.New("reply pending")

// exchange writes one request and reads its reply. Caller holds mu. When the
// context ends first and drain is set, the pending reply is drained in the
// background; otherwise the process is killed.
func (w *Worker) exchange(ctx context.Context, req *request, resp *response, timeout time.Duration, drain bool) error {
	stdin, stdout, exited := w.pipes()
	req.Seq = w.seq.Add(1)
	w.requests.Add(1)
	start := time.Now()

	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = writeMessage(stdin, req); r.err == nil {
			r.err = readMessage(stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			w.abandon(fmt.Sprintf("%s request failed: %v", req.Type, r.err))
			return r.err
		}
		if r.resp.Seq != req.Seq {
			w.abandon("response out of order")
			return fmt.Errorf("out of order response (seq %d, want %d)", r.resp.Seq, req.Seq)
		}
		*resp = r.resp
	case <-timer.C:
		w.abandon(fmt.Sprintf("%s request timed out", req.Type))
		return fmt.Errorf("%s request timed out after %s", req.Type, timeout)
	case <-ctx.Done():
		if !drain {
			w.kill()
			return ctx.Err()
		}
		go w.drain(done, req.Seq, timeout-time.Since(start))
		return errDraining
	case <-exited:
		return ErrWorkerNotRunning
	}

	w.lastLatency.Store(uint64(time.Since(start).Microseconds()))
	return nil
}

// drain consumes the reply to a request whose caller went away so the next
// request starts on a clean stream. It owns mu and releases it when done.
func (w *Worker) drain(done <-chan result, seq uint64, left time.Duration) {
	defer w.mu.Unlock()

	timer := time.NewTimer(left)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil || r.resp.Seq != seq {
			w.abandon("late reply unusable")
			return
		}
		log.Debug("Discarded reply seq=%d after caller left", seq)
	case <-timer.C:
		w.abandon("late reply never arrived")
	}
}

// abandon kills a process whose stream can no longer be trusted and starts
// a replacement. Caller holds mu.
func (w *Worker) abandon(reason string) {
	if !w.active.CompareAndSwap(true, false) {
		return
	}
	log.Error("Detector pipe out of sync (%s), restarting worker", reason)
	w.kill()
	go w.restart()
}

func (w *Worker) kill() {
	w.procMu.Lock()
	stdin, cmd := w.stdin, w.cmd
	w.procMu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// restart replaces the process with exponential backoff between attempts
func (w *Worker) restart() {
	if !w.restarting.CompareAndSwap(false, true) {
		return
	}
	defer w.restarting.Store(false)

	delay := restartBaseDelay
	for attempt := 1; attempt <= restartAttempts; attempt++ {
		if w.stopped() {
			return
		}
		w.mu.Lock()
		err := w.spawnReady(context.Background())
		w.mu.Unlock()
		if err == nil {
			if w.stopped() {
				w.active.Store(false)
				w.kill()
				return
			}
			w.restarts.Add(1)
			log.Info("Detector restarted (attempt %d)", attempt)
			return
		}
		log.Warn("Detector restart attempt %d failed: %v", attempt, err)

		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, restartMaxDelay)
	}
	log.Error("Detector restart gave up after %d attempts", restartAttempts)
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Active reports whether the worker can take requests
func (w *Worker) Active() bool {
	return w.active.Load()
}

// Stats returns worker counters
func (w *Worker) Stats() WorkerStats {
	model, _ := w.model.Load().(string)
	return WorkerStats{
		Requests:      w.requests.Load(),
		Failures:      w.failures.Load(),
		Restarts:      w.restarts.Load(),
		LastLatencyMS: float64(w.lastLatency.Load()) / 1000,
		Model:         model,
	}
}

// Stop closes stdin and waits briefly for the process to exit before killing it.
// No restart is attempted afterwards.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.active.Store(false)

	w.procMu.Lock()
	stdin, cmd, exited := w.stdin, w.cmd, w.exited
	w.procMu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	case <-time.After(stopTimeout):
		log.Warn("Detector did not exit in %s, killing", stopTimeout)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill detector: %w", err)
		}
		<-exited
		return nil
	}
}

func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			log.Error("worker: %s", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			log.Warn("worker: %s", line)
		default:
			log.Debug("worker: %s", line)
		}
	}
}

func (w *Worker) waitProcess(cmd *exec.Cmd, exited chan struct{}, gen uint64) {
	err := cmd.Wait()
	close(exited)

	w.procMu.Lock()
	current := w.gen == gen
	w.procMu.Unlock()

	if current && !w.stopped() && w.active.CompareAndSwap(true, false) {
		log.Error("Detector process exited unexpectedly: %v", err)
		go w.restart()
		return
	}
	log.Debug("Detector process exited: %v", err)
}
