package codec

import (
	"fmt"

	"github.com/zsiec/replay/internal/media"
)

// Filler produces solid-color packets for views that have no source mapped.
// The picture is encoded once; every packet is a restamped copy.
type Filler struct {
	pkt media.Packet
}

// NewFiller encodes a solid w×h picture of media.FillColor.
func NewFiller(w, h, fps, quality int) (*Filler, error) {
	enc, err := NewEncoder(w, h, fps, quality)
	if err != nil {
		return nil, err
	}
	pkt, err := enc.Encode(media.Frame{
		Image:    media.NewFillImage(w, h, media.FillColor),
		TimeBase: enc.TimeBase(),
	})
	if err != nil {
		return nil, fmt.Errorf("codec: encode filler: %w", err)
	}
	return &Filler{pkt: pkt}, nil
}

// Packet returns the filler for frame index idx on stream, rescaled into tb.
func (f *Filler) Packet(stream int, idx int64, tb media.Rational) media.Packet {
	p := f.pkt.Clone()
	p.StreamIndex = stream
	p.PTS = idx
	p.DTS = idx
	p.RescaleTS(tb)
	return p
}

// Data returns the encoded picture. Callers must not modify it.
func (f *Filler) Data() []byte { return f.pkt.Data }
