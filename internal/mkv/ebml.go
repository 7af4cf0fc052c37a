// Package mkv reads Matroska streams incrementally. A Reader can follow a
// file that is still being written: an element cut off at the end of the
// available data is reported as ErrIncomplete and re-read on the next call
// once more bytes exist.
package mkv

import "errors"

// Element IDs used by the reader.
const (
	idEBML        = 0x1A45DFA3
	idSegment     = 0x18538067
	idSeekHead    = 0x114D9B74
	idInfo        = 0x1549A966
	idTracks      = 0x1654AE6B
	idCluster     = 0x1F43B675
	idTimecode    = 0xE7
	idSimpleBlock = 0xA3
	idBlockGroup  = 0xA0
	idBlock       = 0xA1
	idCues        = 0x1C53BB6B
	idTags        = 0x1254C367
	idVoid        = 0xEC
)

// unknownSize marks an element whose size was not known when written.
const unknownSize = -1

var (
	// ErrIncomplete means the next element is only partially available.
	ErrIncomplete = errors.New("mkv: incomplete element")
	// ErrInvalid means the stream is not well-formed Matroska.
	ErrInvalid = errors.New("mkv: invalid data")
	// ErrLaced means the block uses lacing, which the reader does not support.
	ErrLaced = errors.New("mkv: laced block")
)

// readID parses an element ID at the start of b, returning the ID with its
// marker bits and the encoded length. n == 0 means more bytes are needed.
func readID(b []byte) (id uint32, n int, err error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	l := vintLen(b[0])
	if l == 0 || l > 4 {
		return 0, 0, ErrInvalid
	}
	if len(b) < l {
		return 0, 0, nil
	}
	for i := 0; i < l; i++ {
		id = id<<8 | uint32(b[i])
	}
	return id, l, nil
}

// readSize parses an element data size. All-ones sizes decode to unknownSize.
func readSize(b []byte) (size int64, n int, err error) {
	v, n, err := readVint(b)
	if err != nil || n == 0 {
		return 0, n, err
	}
	if v == (uint64(1)<<(7*n))-1 {
		return unknownSize, n, nil
	}
	return int64(v), n, nil
}

// readVint parses a variable-length integer with its marker bit removed.
func readVint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	l := vintLen(b[0])
	if l == 0 {
		return 0, 0, ErrInvalid
	}
	if len(b) < l {
		return 0, 0, nil
	}
	v := uint64(b[0]) & (0xFF >> l)
	for i := 1; i < l; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, l, nil
}

func vintLen(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
