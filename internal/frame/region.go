package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/driveguard/alert-server/pkg/types"
)

// SignScale is the upscale factor applied to sign crops before OCR
const SignScale = 3

// CropGray cuts region out of the frame, converts it to grayscale and
// scales it by factor with Catmull-Rom interpolation.
func CropGray(f *types.Frame, region types.BoundingBox, factor int) (*image.Gray, error) {
	if f == nil || f.Image == nil {
		return nil, fmt.Errorf("frame has no pixels")
	}
	if factor < 1 {
		factor = 1
	}

	origin := f.Image.Bounds().Min
	src := image.Rect(region.X, region.Y, region.X+region.W, region.Y+region.H).
		Add(origin).
		Intersect(f.Image.Bounds())
	if src.Empty() {
		return nil, fmt.Errorf("empty region %+v", region)
	}

	dst := image.NewGray(image.Rect(0, 0, src.Dx()*factor, src.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), f.Image, src, draw.Src, nil)
	return dst, nil
}

// EncodeSignCrop prepares a sign region as a PNG for the sign reader
func EncodeSignCrop(f *types.Frame, region types.BoundingBox) ([]byte, error) {
	gray, err := CropGray(f, region, SignScale)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode sign crop: %w", err)
	}
	return buf.Bytes(), nil
}
