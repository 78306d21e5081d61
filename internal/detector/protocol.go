package detector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/driveguard/alert-server/pkg/types"
)

// Request types understood by the worker
const (
	requestPing           = "ping"
	requestDetect         = "detect"
	requestReadSpeedLimit = "read_speed_limit"
)

// maxMessageSize bounds a single framed message (frames are at most a few MB)
const maxMessageSize = 32 << 20

type request struct {
	Type       string             `msgpack:"type"`
	Seq        uint64             `msgpack:"seq"`
	FrameData  []byte             `msgpack:"frame_data,omitempty"`
	Format     string             `msgpack:"format,omitempty"`
	Width      int                `msgpack:"width,omitempty"`
	Height     int                `msgpack:"height,omitempty"`
	Confidence float64            `msgpack:"confidence,omitempty"`
	Region     *types.BoundingBox `msgpack:"region,omitempty"`
}

type wireDetection struct {
	ClassName  string            `msgpack:"class_name"`
	Confidence float64           `msgpack:"confidence"`
	BBox       types.BoundingBox `msgpack:"bbox"`
}

type timing struct {
	TotalMS     float64 `msgpack:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

type response struct {
	Seq        uint64          `msgpack:"seq"`
	OK         bool            `msgpack:"ok"`
	Error      string          `msgpack:"error"`
	Detections []wireDetection `msgpack:"detections"`
	SpeedLimit int             `msgpack:"speed_limit"`
	Timing     timing          `msgpack:"timing"`
	Model      string          `msgpack:"model"`
}

// writeMessage writes a 4-byte big-endian length prefix followed by the msgpack body
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(body) > maxMessageSize {
		return fmt.Errorf("message too large (%d bytes)", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r *bufio.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return fmt.Errorf("message too large (%d bytes)", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
