package image

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// ErrUndecodable is returned for bytes that are not a supported image.
var ErrUndecodable = errors.New("unsupported or corrupt image")

// Orientation extracts the EXIF orientation tag, 1 when absent.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// Orient returns img as it should be displayed for the given EXIF orientation.
func Orient(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// Orientations 5..8 swap the axes.
	swap := orientation >= 5
	dw, dh := w, h
	if swap {
		dw, dh = h, w
	}
	out := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch orientation {
			case 2:
				dx, dy = w-1-x, y
			case 3:
				dx, dy = w-1-x, h-1-y
			case 4:
				dx, dy = x, h-1-y
			case 5:
				dx, dy = y, x
			case 6:
				dx, dy = h-1-y, x
			case 7:
				dx, dy = h-1-y, w-1-x
			case 8:
				dx, dy = y, w-1-x
			}
			out.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// PrepareForClassification decodes data, applies its EXIF orientation and
// scales it to fit within maxDim, returning a JPEG. The caller keeps the
// original bytes for evidence storage.
func PrepareForClassification(data []byte, maxDim int) ([]byte, error) {
	orientation := Orientation(data)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	img = Orient(img, orientation)

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUndecodable)
	}

	newWidth, newHeight := width, height
	if maxDim > 0 && (width > maxDim || height > maxDim) {
		if width >= height {
			newWidth = maxDim
			newHeight = max(1, height*maxDim/width)
		} else {
			newHeight = maxDim
			newWidth = max(1, width*maxDim/height)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	log.Debugf("Prepared %s image for classification: %dx%d -> %dx%d, orientation %d, %d -> %d bytes",
		format, width, height, newWidth, newHeight, orientation, len(data), buf.Len())
	return buf.Bytes(), nil
}
