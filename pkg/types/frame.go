package types

import (
	"image"
	"time"
)

// Frame is a decoded camera frame uploaded by a device
type Frame struct {
	Data       []byte      // Encoded payload as received (JPEG, PNG, WebP, BMP)
	Image      image.Image // Decoded pixels
	Format     string      // Encoding name reported by the decoder
	Width      int         // Frame width in pixels
	Height     int         // Frame height in pixels
	ReceivedAt time.Time   // Ingest timestamp
}

// Bounds returns the frame rectangle anchored at the origin
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}
