package session

import (
	"errors"
	"fmt"
)

// ErrInvalidMapping is returned for a view map that is out of range or maps
// one source onto two views.
var ErrInvalidMapping = errors.New("session: invalid view mapping")

// Unmapped marks a view with no source, or a source on no view.
const Unmapped = -1

// ViewSlotMap maps each view to a source index, or Unmapped.
type ViewSlotMap []int

// NewViewSlotMap returns a map of n unmapped views.
func NewViewSlotMap(n int) ViewSlotMap {
	m := make(ViewSlotMap, n)
	for i := range m {
		m[i] = Unmapped
	}
	return m
}

// DefaultViewSlotMap maps the first enabled sources onto views in order.
func DefaultViewSlotMap(views int, enabled []bool) ViewSlotMap {
	m := NewViewSlotMap(views)
	v := 0
	for s, on := range enabled {
		if v >= views {
			break
		}
		if on {
			m[v] = s
			v++
		}
	}
	return m
}

// Clone returns a copy of m.
func (m ViewSlotMap) Clone() ViewSlotMap {
	return append(ViewSlotMap(nil), m...)
}

// Validate checks that m has views entries, every entry is Unmapped or a
// source index below sources, and no source appears twice.
func (m ViewSlotMap) Validate(views, sources int) error {
	if len(m) != views {
		return fmt.Errorf("%w: %d views, want %d", ErrInvalidMapping, len(m), views)
	}
	seen := make(map[int]int, len(m))
	for v, s := range m {
		if s == Unmapped {
			continue
		}
		if s < 0 || s >= sources {
			return fmt.Errorf("%w: view %d maps unknown source %d", ErrInvalidMapping, v, s)
		}
		if prev, ok := seen[s]; ok {
			return fmt.Errorf("%w: source %d on views %d and %d", ErrInvalidMapping, s, prev, v)
		}
		seen[s] = v
	}
	return nil
}

// Inverse returns, for each of sources, the view it is mapped to or Unmapped.
func (m ViewSlotMap) Inverse(sources int) []int {
	inv := make([]int, sources)
	for i := range inv {
		inv[i] = Unmapped
	}
	for v, s := range m {
		if s >= 0 && s < sources {
			inv[s] = v
		}
	}
	return inv
}

// ViewOf returns the view source s is mapped to, or Unmapped.
func (m ViewSlotMap) ViewOf(s int) int {
	for v, cur := range m {
		if cur == s {
			return v
		}
	}
	return Unmapped
}

// Assign maps source s onto view, removing it from any other view.
func (m ViewSlotMap) Assign(view, s int) {
	if s != Unmapped {
		for v := range m {
			if m[v] == s {
				m[v] = Unmapped
			}
		}
	}
	m[view] = s
}

// Release unmaps source s and returns the view it occupied, or Unmapped.
func (m ViewSlotMap) Release(s int) int {
	v := m.ViewOf(s)
	if v != Unmapped {
		m[v] = Unmapped
	}
	return v
}

// AutoFill maps the first enabled source not on any view onto view. It
// reports the chosen source, or Unmapped when none is available.
func (m ViewSlotMap) AutoFill(view int, enabled []bool) int {
	for s, on := range enabled {
		if on && m.ViewOf(s) == Unmapped {
			m[view] = s
			return s
		}
	}
	m[view] = Unmapped
	return Unmapped
}
