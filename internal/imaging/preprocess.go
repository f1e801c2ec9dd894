// internal/imaging/preprocess.go
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrDecode is returned when the uploaded bytes are not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrInvalidImage is returned when a decoded image cannot be turned into
	// a tensor of the expected geometry.
	ErrInvalidImage = errors.New("invalid image")
)

// Layout is the memory order of the model input tensor.
type Layout string

const (
	// LayoutNHWC is (batch, height, width, channels), the Keras default.
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is (batch, channels, height, width).
	LayoutNCHW Layout = "nchw"
)

const channels = 3

// Options configures a Preprocessor.
type Options struct {
	Width         int
	Height        int
	Layout        Layout
	Interpolation resize.InterpolationFunction
	// MaxPixels bounds width*height of the decoded source image.
	MaxPixels int
	// MaxInFlightPixels bounds the pixels decoded at once across all
	// concurrent calls. Zero means four images at MaxPixels.
	MaxInFlightPixels int64
}

// Tensor is a dense float32 tensor ready to be fed to the model.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Preprocessor turns encoded image bytes into normalized model input.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	opts     Options
	inflight *semaphore.Weighted
}

// New validates opts and returns a Preprocessor.
func New(opts Options) (*Preprocessor, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", opts.Width, opts.Height)
	}
	switch opts.Layout {
	case LayoutNHWC, LayoutNCHW:
	case "":
		opts.Layout = LayoutNHWC
	default:
		return nil, fmt.Errorf("unknown layout %q", opts.Layout)
	}
	if opts.MaxPixels <= 0 {
		return nil, fmt.Errorf("max pixels must be positive")
	}
	if opts.MaxInFlightPixels == 0 {
		opts.MaxInFlightPixels = 4 * int64(opts.MaxPixels)
	}
	if opts.MaxInFlightPixels < int64(opts.MaxPixels) {
		return nil, fmt.Errorf("max in-flight pixels %d is below the per-image limit %d",
			opts.MaxInFlightPixels, opts.MaxPixels)
	}
	return &Preprocessor{
		opts:     opts,
		inflight: semaphore.NewWeighted(opts.MaxInFlightPixels),
	}, nil
}

// ParseInterpolation maps a config name onto a resampling filter.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch name {
	case "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic":
		return resize.Bicubic, nil
	case "mitchell":
		return resize.MitchellNetravali, nil
	case "lanczos2":
		return resize.Lanczos2, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", name)
	}
}

// ExpectedShape is the exact shape every produced tensor has.
func (p *Preprocessor) ExpectedShape() []int64 {
	h, w := int64(p.opts.Height), int64(p.opts.Width)
	if p.opts.Layout == LayoutNCHW {
		return []int64{1, channels, h, w}
	}
	return []int64{1, h, w, channels}
}

// Preprocess decodes data, converts it to RGB, resizes it to the target size
// and scales every channel value into [0, 1]. It blocks while other calls
// hold the in-flight pixel budget.
func (p *Preprocessor) Preprocess(ctx context.Context, data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %s image (%dx%d)", ErrInvalidImage, format, cfg.Width, cfg.Height)
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if pixels > int64(p.opts.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidImage, cfg.Width, cfg.Height, p.opts.MaxPixels)
	}

	if err := p.inflight.Acquire(ctx, pixels); err != nil {
		return nil, fmt.Errorf("waiting for decode capacity: %w", err)
	}
	defer p.inflight.Release(pixels)

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}

	// The decoded image is ours, so alpha can be dropped in place.
	return p.tensor(opaque(img, true))
}

// FromImage runs the pipeline on an already decoded image. img is not
// modified.
func (p *Preprocessor) FromImage(img image.Image) (*Tensor, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrInvalidImage)
	}
	return p.tensor(opaque(img, false))
}

// tensor resizes an opaque image and converts only the resized pixels.
func (p *Preprocessor) tensor(img image.Image) (*Tensor, error) {
	resized := resize.Resize(uint(p.opts.Width), uint(p.opts.Height), img, p.opts.Interpolation)
	out, ok := resized.(*image.RGBA)
	if !ok || out.Rect.Min != (image.Point{}) {
		out = toRGB(resized)
	}

	b := out.Bounds()
	if b.Dx() != p.opts.Width || b.Dy() != p.opts.Height {
		return nil, fmt.Errorf("%w: resized to %dx%d, expected %dx%d",
			ErrInvalidImage, b.Dx(), b.Dy(), p.opts.Width, p.opts.Height)
	}

	t := p.fill(out)

	if err := p.validate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Preprocessor) fill(img *image.RGBA) *Tensor {
	w, h := p.opts.Width, p.opts.Height
	plane := w * h
	data := make([]float32, plane*channels)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < channels; c++ {
				v := float32(px[c]) / 255.0
				if p.opts.Layout == LayoutNCHW {
					data[c*plane+y*w+x] = v
				} else {
					data[(y*w+x)*channels+c] = v
				}
			}
		}
	}

	return &Tensor{Data: data, Shape: p.ExpectedShape()}
}

func (p *Preprocessor) validate(t *Tensor) error {
	want := p.ExpectedShape()
	if len(t.Shape) != len(want) {
		return fmt.Errorf("%w: tensor rank %d, expected %d", ErrInvalidImage, len(t.Shape), len(want))
	}
	size := int64(1)
	for i := range want {
		if t.Shape[i] != want[i] {
			return fmt.Errorf("%w: tensor shape %v, expected %v", ErrInvalidImage, t.Shape, want)
		}
		size *= want[i]
	}
	if int64(len(t.Data)) != size {
		return fmt.Errorf("%w: tensor holds %d values, expected %d", ErrInvalidImage, len(t.Data), size)
	}
	return nil
}

// opaque returns an image whose pixels are all fully opaque while keeping the
// straight (non-premultiplied) color channels, so resampling never darkens
// translucent pixels. With inPlace set, the common decoder outputs are
// rewritten without copying the pixel buffer.
func opaque(img image.Image, inPlace bool) image.Image {
	if inPlace {
		switch m := img.(type) {
		case *image.NRGBA:
			for i := 3; i < len(m.Pix); i += 4 {
				m.Pix[i] = 0xff
			}
			return m
		case *image.NRGBA64:
			for i := 6; i < len(m.Pix); i += 8 {
				m.Pix[i], m.Pix[i+1] = 0xff, 0xff
			}
			return m
		case *image.Paletted:
			pal := make(color.Palette, len(m.Palette))
			for i, c := range m.Palette {
				n := color.NRGBAModel.Convert(c).(color.NRGBA)
				n.A = 0xff
				pal[i] = n
			}
			m.Palette = pal
			return m
		case *image.NYCbCrA:
			return &m.YCbCr
		}
	}

	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	return toRGB(img)
}

// toRGB flattens any color model onto an opaque RGBA image anchored at the
// origin. Alpha is dropped rather than composited, so the stored color
// channels are the straight (non-premultiplied) values.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			s := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			d := dst.Pix[y*dst.Stride:]
			for x := 0; x < b.Dx(); x++ {
				copy(d[x*4:x*4+3], s[x*4:x*4+3])
				d[x*4+3] = 0xff
			}
		}
		return dst
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[i] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}
