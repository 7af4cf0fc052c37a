package playback

// cluster is one indexed cluster start.
type cluster struct {
	off int64
	ms  int64
}

// clusterIndex records cluster starts in file order as the reader meets
// them. Every picture is a keyframe, so every cluster is a seek point.
type clusterIndex struct {
	entries []cluster
}

// add records a cluster. Offsets already known are ignored.
func (x *clusterIndex) add(off, ms int64) {
	if off < 0 {
		return
	}
	if n := len(x.entries); n > 0 && off <= x.entries[n-1].off {
		return
	}
	x.entries = append(x.entries, cluster{off: off, ms: ms})
}

// lookup returns the last cluster starting at or before ms. Cluster
// timecodes are only approximately ordered when views interleave, so the
// search walks from the end.
func (x *clusterIndex) lookup(ms int64) (cluster, bool) {
	for i := len(x.entries) - 1; i >= 0; i-- {
		if x.entries[i].ms <= ms {
			return x.entries[i], true
		}
	}
	if len(x.entries) > 0 {
		return x.entries[0], true
	}
	return cluster{}, false
}

// covers reports whether the index reaches past ms.
func (x *clusterIndex) covers(ms int64) bool {
	n := len(x.entries)
	return n > 0 && x.entries[n-1].ms > ms
}

func (x *clusterIndex) first() (cluster, bool) {
	if len(x.entries) == 0 {
		return cluster{}, false
	}
	return x.entries[0], true
}

func (x *clusterIndex) last() (cluster, bool) {
	if len(x.entries) == 0 {
		return cluster{}, false
	}
	return x.entries[len(x.entries)-1], true
}
