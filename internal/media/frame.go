// Package media defines the frame and packet types that flow through the
// replay recorder, from source capture through the muxer and back out of
// the tailing player.
package media

import (
	"image"
	"image/color"
	"math"
	"time"
)

// NoPTS marks a packet or frame without a usable timestamp.
const NoPTS int64 = math.MinInt64

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

// Millis is the millisecond time base used for the global recording timeline.
var Millis = Rational{Num: 1, Den: 1000}

// FrameRate returns the time base in which one tick is one frame at fps.
func FrameRate(fps int) Rational {
	return Rational{Num: 1, Den: int64(fps)}
}

// Valid reports whether the time base can be used for rescaling.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Duration converts ts ticks of r to a time.Duration.
func (r Rational) Duration(ts int64) time.Duration {
	return time.Duration(Rescale(ts, r, Rational{Num: 1, Den: int64(time.Second)}))
}

// Rescale converts ts from time base from to time base to, rounding to the
// nearest tick with halves away from zero. NoPTS passes through unchanged.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoPTS || !from.Valid() || !to.Valid() {
		return ts
	}
	if from == to {
		return ts
	}
	num := from.Num * to.Den
	den := from.Den * to.Num
	if ts >= 0 {
		return (ts*num + den/2) / den
	}
	return -((-ts*num + den/2) / den)
}

// Frame is a decoded picture. PTS is expressed in TimeBase.
type Frame struct {
	Image    *image.YCbCr
	PTS      int64
	TimeBase Rational
}

// Packet is one encoded picture addressed to an output stream.
// Every packet produced by this module is intra-coded.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Data        []byte
	TimeBase    Rational
}

// Clone returns a copy that shares the encoded payload. Payloads are never
// mutated after encoding, so sharing is safe across streams.
func (p Packet) Clone() Packet {
	return p
}

// RescaleTS moves every timestamp of the packet into time base to.
func (p *Packet) RescaleTS(to Rational) {
	from := p.TimeBase
	p.PTS = Rescale(p.PTS, from, to)
	p.DTS = Rescale(p.DTS, from, to)
	if p.Duration > 0 {
		p.Duration = Rescale(p.Duration, from, to)
	}
	p.TimeBase = to
}

// FillColor is the solid color painted over views with no live picture.
var FillColor = color.YCbCr{Y: 128, Cb: 255, Cr: 107}

// NewFillImage returns a w×h 4:2:0 picture filled with c.
func NewFillImage(w, h int, c color.YCbCr) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = c.Y
	}
	for i := range img.Cb {
		img.Cb[i] = c.Cb
	}
	for i := range img.Cr {
		img.Cr[i] = c.Cr
	}
	return img
}
