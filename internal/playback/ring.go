package playback

// entry is one compressed picture held for display. Pictures are decoded
// only when delivered; every picture is intra-coded so any entry decodes on
// its own.
type entry struct {
	pts  int64 // ms
	data []byte
}

// ring keeps the most recent pictures of one track in presentation order.
type ring struct {
	buf  []entry
	size int
}

func newRing(size int) *ring {
	return &ring{buf: make([]entry, 0, size), size: size}
}

// push inserts e in pts order, evicting the oldest entry when full.
func (r *ring) push(e entry) {
	if len(r.buf) == r.size {
		if e.pts < r.buf[0].pts {
			return
		}
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	i := len(r.buf)
	for i > 0 && r.buf[i-1].pts > e.pts {
		i--
	}
	r.buf = append(r.buf, entry{})
	copy(r.buf[i+1:], r.buf[i:])
	r.buf[i] = e
}

// at returns the latest entry with pts at or before ms.
func (r *ring) at(ms int64) (entry, bool) {
	for i := len(r.buf) - 1; i >= 0; i-- {
		if r.buf[i].pts <= ms {
			return r.buf[i], true
		}
	}
	return entry{}, false
}

func (r *ring) oldest() (int64, bool) {
	if len(r.buf) == 0 {
		return 0, false
	}
	return r.buf[0].pts, true
}

func (r *ring) newest() (int64, bool) {
	if len(r.buf) == 0 {
		return 0, false
	}
	return r.buf[len(r.buf)-1].pts, true
}

func (r *ring) len() int { return len(r.buf) }

func (r *ring) reset() {
	clear(r.buf)
	r.buf = r.buf[:0]
}
