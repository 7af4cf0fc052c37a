package mkv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"

	"github.com/zsiec/replay/internal/media"
)

const (
	defaultTimecodeScale = 1_000_000
	readChunk            = 64 << 10
	// maxElement bounds non-block elements the reader buffers to skip.
	maxElement = 64 << 20
)

// Track describes one track from the Tracks element.
type Track struct {
	Number          uint64
	UID             uint64
	Name            string
	CodecID         string
	Width           int
	Height          int
	DefaultDuration time.Duration
}

// Header is the segment-level metadata found before the first cluster.
type Header struct {
	TimecodeScale uint64
	Title         string
	MuxingApp     string
	WritingApp    string
	DateUTC       time.Time
	Tracks        []Track
}

// TrackIndex returns the zero-based position of track number n, or -1.
func (h *Header) TrackIndex(n uint64) int {
	for i, t := range h.Tracks {
		if t.Number == n {
			return i
		}
	}
	return -1
}

// Block is one frame read from a cluster.
type Block struct {
	Track    uint64
	Timecode int64
	TimeBase media.Rational
	Keyframe bool
	Data     []byte

	// ClusterOffset is the file offset of the enclosing cluster, a valid
	// SeekCluster target.
	ClusterOffset int64
	// ClusterTimecode is the cluster timecode in milliseconds.
	ClusterTimecode int64
}

// Ms returns the block timestamp in milliseconds.
func (b Block) Ms() int64 {
	return media.Rescale(b.Timecode, b.TimeBase, media.Millis)
}

// Reader parses a Matroska stream element by element.
type Reader struct {
	src  io.Reader
	buf  []byte
	pos  int
	base int64

	header    *Header
	pending   *Header
	seenEBML  bool
	inSegment bool
	timeBase  media.Rational

	clusterOff int64
	clusterTC  int64
}

// NewReader returns a Reader over src. SeekCluster requires src to implement
// io.Seeker.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:        src,
		timeBase:   media.Rational{Num: defaultTimecodeScale, Den: int64(time.Second)},
		clusterOff: -1,
	}
}

// Offset returns the file offset of the next unread element.
func (r *Reader) Offset() int64 {
	return r.base + int64(r.pos)
}

// Header returns the parsed header, or nil before ReadHeader succeeded.
func (r *Reader) Header() *Header {
	return r.header
}

// ReadHeader parses the EBML header, the segment start, Info and Tracks. It
// may be called again after ErrIncomplete or io.EOF and resumes where it
// stopped.
func (r *Reader) ReadHeader() (*Header, error) {
	if r.header != nil {
		return r.header, nil
	}
	if r.pending == nil {
		r.pending = &Header{TimecodeScale: defaultTimecodeScale}
	}
	h := r.pending
	for {
		id, size, hl, err := r.peekElement()
		if err != nil {
			return nil, err
		}
		switch {
		case !r.seenEBML:
			if id != idEBML {
				return nil, fmt.Errorf("%w: missing EBML header", ErrInvalid)
			}
			if err := r.skip(hl, size); err != nil {
				return nil, err
			}
			r.seenEBML = true
		case !r.inSegment:
			if id != idSegment {
				return nil, fmt.Errorf("%w: expected segment, found 0x%X", ErrInvalid, id)
			}
			r.pos += hl
			r.inSegment = true
		case id == idInfo:
			raw, err := r.element(hl, size)
			if err != nil {
				return nil, err
			}
			if err := parseInfo(raw, h); err != nil {
				return nil, err
			}
		case id == idTracks:
			raw, err := r.element(hl, size)
			if err != nil {
				return nil, err
			}
			if err := parseTracks(raw, h); err != nil {
				return nil, err
			}
			r.header = h
			r.pending = nil
			r.timeBase = media.Rational{Num: int64(h.TimecodeScale), Den: int64(time.Second)}
			return h, nil
		case id == idCluster:
			return nil, fmt.Errorf("%w: cluster before tracks", ErrInvalid)
		default:
			if err := r.skip(hl, size); err != nil {
				return nil, err
			}
		}
	}
}

// Next returns the next block. io.EOF means no further element has started;
// ErrIncomplete means an element is partially available. Both leave the
// reader positioned to retry.
func (r *Reader) Next() (Block, error) {
	if r.header == nil {
		if _, err := r.ReadHeader(); err != nil {
			return Block{}, err
		}
	}
	for {
		start := r.Offset()
		id, size, hl, err := r.peekElement()
		if err != nil {
			return Block{}, err
		}
		switch id {
		case idCluster:
			r.pos += hl
			r.clusterOff = start
			r.clusterTC = 0
		case idBlockGroup, idSegment:
			r.pos += hl
		case idTimecode:
			raw, err := r.element(hl, size)
			if err != nil {
				return Block{}, err
			}
			r.clusterTC = int64(readUint(raw))
		case idSimpleBlock, idBlock:
			raw, err := r.element(hl, size)
			if err != nil {
				return Block{}, err
			}
			return r.parseBlock(raw, id == idBlock)
		default:
			if err := r.skip(hl, size); err != nil {
				return Block{}, err
			}
		}
	}
}

// Cluster returns the offset and millisecond timecode of the cluster the
// reader is currently inside, or -1 before the first cluster.
func (r *Reader) Cluster() (int64, int64) {
	return r.clusterOff, media.Rescale(r.clusterTC, r.timeBase, media.Millis)
}

// SeekCluster repositions the reader at off, which must be the start of a cluster
// previously reported by the reader.
func (r *Reader) SeekCluster(off int64) error {
	s, ok := r.src.(io.Seeker)
	if !ok {
		return errors.New("mkv: source is not seekable")
	}
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("mkv: seek: %w", err)
	}
	r.buf = r.buf[:0]
	r.pos = 0
	r.base = off
	r.clusterOff = -1
	r.clusterTC = 0
	return nil
}

func (r *Reader) parseBlock(raw []byte, inGroup bool) (Block, error) {
	track, n, err := readVint(raw)
	if err != nil || n == 0 || len(raw) < n+3 {
		return Block{}, fmt.Errorf("%w: short block", ErrInvalid)
	}
	rel := int16(uint16(raw[n])<<8 | uint16(raw[n+1]))
	flags := raw[n+2]
	if flags&0x06 != 0 {
		return Block{}, ErrLaced
	}
	data := make([]byte, len(raw)-n-3)
	copy(data, raw[n+3:])

	tc := r.clusterTC + int64(rel)
	return Block{
		Track:           track,
		Timecode:        tc,
		TimeBase:        r.timeBase,
		Keyframe:        inGroup || flags&0x80 != 0,
		Data:            data,
		ClusterOffset:   r.clusterOff,
		ClusterTimecode: media.Rescale(r.clusterTC, r.timeBase, media.Millis),
	}, nil
}

// peekElement decodes the element header at the current position without
// consuming it.
func (r *Reader) peekElement() (id uint32, size int64, hl int, err error) {
	if err := r.fill(1); err != nil {
		return 0, 0, 0, err
	}
	for want := 2; ; want++ {
		b := r.buf[r.pos:]
		var idLen, sizeLen int
		id, idLen, err = readID(b)
		if err != nil {
			return 0, 0, 0, err
		}
		if idLen > 0 {
			size, sizeLen, err = readSize(b[idLen:])
			if err != nil {
				return 0, 0, 0, err
			}
			if sizeLen > 0 {
				return id, size, idLen + sizeLen, nil
			}
		}
		if want > 12 {
			return 0, 0, 0, ErrInvalid
		}
		if err := r.fill(want); err != nil {
			return 0, 0, 0, partial(err)
		}
	}
}

// element returns the payload of a sized element and consumes it.
func (r *Reader) element(hl int, size int64) ([]byte, error) {
	if size == unknownSize || size > maxElement {
		return nil, fmt.Errorf("%w: element size %d", ErrInvalid, size)
	}
	total := hl + int(size)
	if err := r.fill(total); err != nil {
		return nil, partial(err)
	}
	raw := r.buf[r.pos+hl : r.pos+total]
	r.pos += total
	return raw, nil
}

func (r *Reader) skip(hl int, size int64) error {
	if size == unknownSize {
		return fmt.Errorf("%w: cannot skip unknown-size element", ErrInvalid)
	}
	_, err := r.element(hl, size)
	return err
}

// fill makes at least n unread bytes available.
func (r *Reader) fill(n int) error {
	if len(r.buf)-r.pos >= n {
		return nil
	}
	if r.pos > 0 && r.pos >= len(r.buf)/2 {
		m := copy(r.buf, r.buf[r.pos:])
		r.buf = r.buf[:m]
		r.base += int64(r.pos)
		r.pos = 0
	}
	for len(r.buf)-r.pos < n {
		need := n - (len(r.buf) - r.pos)
		if need < readChunk {
			need = readChunk
		}
		if cap(r.buf)-len(r.buf) < need {
			nb := make([]byte, len(r.buf), len(r.buf)+need)
			copy(nb, r.buf)
			r.buf = nb
		}
		m, err := r.src.Read(r.buf[len(r.buf):cap(r.buf)])
		r.buf = r.buf[:len(r.buf)+m]
		if len(r.buf)-r.pos >= n {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		if m == 0 {
			return io.EOF
		}
	}
	return nil
}

// partial turns an end of data inside an element into ErrIncomplete.
func partial(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrIncomplete
	}
	return err
}

type infoElement struct {
	Info struct {
		TimecodeScale uint64    `ebml:"TimecodeScale"`
		Title         string    `ebml:"Title,omitempty"`
		MuxingApp     string    `ebml:"MuxingApp,omitempty"`
		WritingApp    string    `ebml:"WritingApp,omitempty"`
		DateUTC       time.Time `ebml:"DateUTC,omitempty"`
	} `ebml:"Info"`
}

type tracksElement struct {
	Tracks struct {
		TrackEntry []webm.TrackEntry `ebml:"TrackEntry"`
	} `ebml:"Tracks"`
}

// parseInfo decodes a complete Info element, header included.
func parseInfo(payload []byte, h *Header) error {
	var v infoElement
	if err := ebml.Unmarshal(bytes.NewReader(wrap(idInfo, payload)), &v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mkv: parse info: %w", err)
	}
	if v.Info.TimecodeScale > 0 {
		h.TimecodeScale = v.Info.TimecodeScale
	}
	h.Title = v.Info.Title
	h.MuxingApp = v.Info.MuxingApp
	h.WritingApp = v.Info.WritingApp
	h.DateUTC = v.Info.DateUTC
	return nil
}

func parseTracks(payload []byte, h *Header) error {
	var v tracksElement
	if err := ebml.Unmarshal(bytes.NewReader(wrap(idTracks, payload)), &v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mkv: parse tracks: %w", err)
	}
	h.Tracks = h.Tracks[:0]
	for _, te := range v.Tracks.TrackEntry {
		t := Track{
			Number:          te.TrackNumber,
			UID:             te.TrackUID,
			Name:            te.Name,
			CodecID:         te.CodecID,
			DefaultDuration: time.Duration(te.DefaultDuration),
		}
		if te.Video != nil {
			t.Width = int(te.Video.PixelWidth)
			t.Height = int(te.Video.PixelHeight)
		}
		h.Tracks = append(h.Tracks, t)
	}
	return nil
}

// wrap re-encodes an element header around payload with an 8-byte size.
func wrap(id uint32, payload []byte) []byte {
	var out []byte
	switch {
	case id > 0xFFFFFF:
		out = append(out, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFFFF:
		out = append(out, byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFF:
		out = append(out, byte(id>>8), byte(id))
	default:
		out = append(out, byte(id))
	}
	n := uint64(len(payload))
	out = append(out, 0x01, byte(n>>48), byte(n>>40), byte(n>>32), byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(out, payload...)
}
