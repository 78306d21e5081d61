// Package frame decodes uploaded camera frames and prepares image regions
// for the sign reader.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"time"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/driveguard/alert-server/pkg/types"
)

var (
	// ErrEmpty is returned for a zero-length payload
	ErrEmpty = errors.New("empty frame payload")
	// ErrUndecodable is returned when the payload is not a supported image
	ErrUndecodable = errors.New("undecodable frame payload")
)

// MaxDimension bounds accepted frame width and height
const MaxDimension = 8192

// Decode parses an encoded image payload into a Frame stamped with receivedAt
func Decode(data []byte, receivedAt time.Time) (*types.Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrUndecodable, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	b := img.Bounds()
	return &types.Frame{
		Data:       data,
		Image:      img,
		Format:     format,
		Width:      b.Dx(),
		Height:     b.Dy(),
		ReceivedAt: receivedAt,
	}, nil
}
