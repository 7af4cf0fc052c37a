// Package codec encodes, decodes and scales the intra-only (Motion JPEG)
// pictures the recorder stores in its view tracks.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/zsiec/replay/internal/media"
)

// CodecID is the Matroska codec identifier of every recorded track.
const CodecID = "V_MJPEG"

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// ErrEmptyPacket is returned when decoding a packet with no payload.
var ErrEmptyPacket = errors.New("codec: empty packet")

// Encoder is a persistent picture encoder for one output stream. Its time
// base is one tick per output frame; a packet's PTS and DTS are the PTS of
// the frame it encodes.
type Encoder struct {
	width, height int
	timeBase      media.Rational
	opts          jpeg.Options
	buf           bytes.Buffer
}

// NewEncoder returns an encoder for w×h pictures at fps. Quality outside
// 1..100 selects DefaultQuality.
func NewEncoder(w, h, fps, quality int) (*Encoder, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("codec: invalid geometry %dx%d", w, h)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("codec: invalid frame rate %d", fps)
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{
		width:    w,
		height:   h,
		timeBase: media.FrameRate(fps),
		opts:     jpeg.Options{Quality: quality},
	}, nil
}

// TimeBase returns the encoder's time base (1/fps).
func (e *Encoder) TimeBase() media.Rational { return e.timeBase }

// Encode compresses f into a keyframe packet. The frame must already have
// the encoder's geometry.
func (e *Encoder) Encode(f media.Frame) (media.Packet, error) {
	if f.Image == nil {
		return media.Packet{}, errors.New("codec: nil frame")
	}
	b := f.Image.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return media.Packet{}, fmt.Errorf("codec: frame is %dx%d, encoder is %dx%d",
			b.Dx(), b.Dy(), e.width, e.height)
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, f.Image, &e.opts); err != nil {
		return media.Packet{}, fmt.Errorf("codec: encode: %w", err)
	}
	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())

	return media.Packet{
		PTS:      f.PTS,
		DTS:      f.PTS,
		Duration: 1,
		Keyframe: true,
		Data:     data,
		TimeBase: e.timeBase,
	}, nil
}

// Decoder turns compressed pictures back into frames.
type Decoder struct {
	decoded int64
	errors  int64
}

// NewDecoder returns a ready decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decompresses one packet. Pictures that do not decode to YCbCr
// (grayscale or CMYK JPEGs) are converted to 4:2:0.
func (d *Decoder) Decode(data []byte) (*image.YCbCr, error) {
	if len(data) == 0 {
		d.errors++
		return nil, ErrEmptyPacket
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		d.errors++
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	d.decoded++
	if ycc, ok := img.(*image.YCbCr); ok {
		return ycc, nil
	}
	return toYCbCr(img), nil
}

// Flush discards decoder state. Every picture is intra-coded, so only the
// counters are reset; callers flush after every seek regardless.
func (d *Decoder) Flush() {
	d.decoded = 0
	d.errors = 0
}

// Decoded returns the number of pictures decoded since the last Flush.
func (d *Decoder) Decoded() int64 { return d.decoded }

func toYCbCr(src image.Image) *image.YCbCr {
	b := src.Bounds()
	dst := image.NewYCbCr(image.Rect(0, 0, b.Dx(), b.Dy()), image.YCbCrSubsampleRatio420)
	scaleInto(dst, src)
	return dst
}
