package detector

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveguard/alert-server/pkg/types"
)

// fakeWorker answers requests on the far side of a pipe pair. A replaced
// worker gets a fresh pipe pair served by the same handler.
type fakeWorker struct {
	handle func(req request) response
	seen   chan request
}

func (fw *fakeWorker) serve(serverR io.Reader, serverW io.WriteCloser) {
	r := bufio.NewReader(serverR)
	for {
		var req request
		if err := readMessage(r, &req); err != nil {
			_ = serverW.Close()
			return
		}
		select {
		case fw.seen <- req:
		default:
		}
		resp := fw.handle(req)
		if resp.Seq == 0 {
			resp.Seq = req.Seq
		}
		if err := writeMessage(serverW, resp); err != nil {
			return
		}
	}
}

func startFakeWorker(t *testing.T, handle func(req request) response) (*Worker, *fakeWorker) {
	t.Helper()
	fw := &fakeWorker{handle: handle, seen: make(chan request, 16)}

	var mu sync.Mutex
	var closers []io.Closer
	connect := func() (io.Reader, io.WriteCloser, error) {
		clientR, serverW := io.Pipe()
		serverR, clientW := io.Pipe()
		mu.Lock()
		closers = append(closers, clientR, clientW)
		mu.Unlock()
		go fw.serve(serverR, serverW)
		return clientR, clientW, nil
	}

	w, err := newPipeWorker(connect, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Stop()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range closers {
			_ = c.Close()
		}
	})
	return w, fw
}

func testFrame() *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	img.Set(1, 1, color.White)
	return &types.Frame{Data: []byte{0xff, 0xd8}, Image: img, Format: "jpeg", Width: 640, Height: 480}
}

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := request{Type: requestDetect, Seq: 7, Width: 640, Height: 480, Confidence: 0.35}
	require.NoError(t, writeMessage(&buf, in))
	assert.Equal(t, byte(0), buf.Bytes()[0])

	var out request
	require.NoError(t, readMessage(bufio.NewReader(&buf), &out))
	assert.Equal(t, in, out)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff}
	var out response
	err := readMessage(bufio.NewReader(bytes.NewReader(data)), &out)
	assert.ErrorContains(t, err, "too large")
}

func TestWorkerPing(t *testing.T) {
	w, _ := startFakeWorker(t, func(req request) response {
		return response{OK: true, Model: "yolov8n"}
	})
	require.NoError(t, w.Ping(context.Background()))
	assert.Equal(t, "yolov8n", w.Stats().Model)
}

func TestWorkerDetect(t *testing.T) {
	w, fw := startFakeWorker(t, func(req request) response {
		return response{OK: true, Detections: []wireDetection{
			{ClassName: "person", Confidence: 0.9, BBox: types.BoundingBox{X: 300, Y: 200, W: 64, H: 120}},
			{ClassName: "cat", Confidence: 0.2, BBox: types.BoundingBox{X: 0, Y: 0, W: 10, H: 10}},
		}}
	})

	dets, err := w.Detect(context.Background(), testFrame(), 0.35)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].ClassName)
	assert.Equal(t, types.Point{X: 332, Y: 260}, dets[0].Center)
	assert.InDelta(t, 64.0*120/(640*480), dets[0].SizeFraction, 1e-12)

	req := <-fw.seen
	assert.Equal(t, requestDetect, req.Type)
	assert.Equal(t, 0.35, req.Confidence)
	assert.Equal(t, []byte{0xff, 0xd8}, req.FrameData)
}

func TestWorkerDetectError(t *testing.T) {
	w, _ := startFakeWorker(t, func(req request) response {
		return response{OK: false, Error: "cuda out of memory"}
	})
	_, err := w.Detect(context.Background(), testFrame(), 0.25)
	assert.ErrorContains(t, err, "cuda out of memory")
	assert.Equal(t, uint64(1), w.Stats().Failures)
	assert.True(t, w.Active())
}

func TestWorkerReadSpeedLimit(t *testing.T) {
	w, fw := startFakeWorker(t, func(req request) response {
		return response{OK: true, SpeedLimit: 80}
	})
	limit, ok := w.ReadSpeedLimit(context.Background(), testFrame(), types.BoundingBox{X: 10, Y: 10, W: 20, H: 20})
	require.True(t, ok)
	assert.Equal(t, 80, limit)

	req := <-fw.seen
	assert.Equal(t, requestReadSpeedLimit, req.Type)
	assert.Equal(t, "png", req.Format)
	require.NotNil(t, req.Region)
	assert.Equal(t, 20, req.Region.W)
}

func TestWorkerReadSpeedLimitNoValue(t *testing.T) {
	w, _ := startFakeWorker(t, func(req request) response {
		return response{OK: true}
	})
	_, ok := w.ReadSpeedLimit(context.Background(), testFrame(), types.BoundingBox{X: 10, Y: 10, W: 20, H: 20})
	assert.False(t, ok)
}

func TestWorkerTimeoutRestartsWorker(t *testing.T) {
	var detects atomic.Int32
	w, _ := startFakeWorker(t, func(req request) response {
		if req.Type == requestDetect && detects.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return response{OK: true}
	})
	w.cfg.RequestTimeout = 20 * time.Millisecond

	_, err := w.Detect(context.Background(), testFrame(), 0.25)
	assert.ErrorContains(t, err, "timed out")

	require.Eventually(t, func() bool {
		return w.Active() && w.Stats().Restarts == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.cfg.RequestTimeout = time.Second
	_, err = w.Detect(context.Background(), testFrame(), 0.25)
	require.NoError(t, err)
}

func TestWorkerCancelledCallerKeepsPipeInSync(t *testing.T) {
	var detects atomic.Int32
	w, _ := startFakeWorker(t, func(req request) response {
		n := detects.Add(1)
		if n == 1 {
			time.Sleep(100 * time.Millisecond)
			return response{OK: true, Detections: []wireDetection{
				{ClassName: "person", Confidence: 0.9, BBox: types.BoundingBox{X: 10, Y: 10, W: 50, H: 50}},
			}}
		}
		return response{OK: true, Detections: []wireDetection{
			{ClassName: "car", Confidence: 0.9, BBox: types.BoundingBox{X: 10, Y: 10, W: 50, H: 50}},
		}}
	})

	// first device gives up before the reply arrives
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Detect(ctx, testFrame(), 0.25)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, w.Active())

	// second device gets its own reply, not the late one
	dets, err := w.Detect(context.Background(), testFrame(), 0.25)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].ClassName)
	assert.Zero(t, w.Stats().Restarts)
}

func TestWorkerStoppedDoesNotRestart(t *testing.T) {
	w, _ := startFakeWorker(t, func(req request) response {
		return response{OK: true}
	})
	require.NoError(t, w.Stop())

	_, err := w.Detect(context.Background(), testFrame(), 0.25)
	assert.ErrorIs(t, err, ErrWorkerNotRunning)
	assert.False(t, w.Active())
	assert.Zero(t, w.Stats().Restarts)
}

func TestNewWorkerRequiresCommand(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
}

func TestFilterDropsLowConfidence(t *testing.T) {
	dets := []types.DetectionRecord{
		{ClassName: "car", Confidence: 0.5, BBox: types.BoundingBox{W: 10, H: 10}},
		{ClassName: "dog", Confidence: 0.1, BBox: types.BoundingBox{W: 10, H: 10}},
	}
	out := Filter(dets, 100, 100, 0.25)
	require.Len(t, out, 1)
	assert.Equal(t, "car", out[0].ClassName)
	assert.InDelta(t, 0.01, out[0].SizeFraction, 1e-12)
	assert.Len(t, dets, 2)
}
