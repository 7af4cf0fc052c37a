package sink

import (
	"testing"
)

func TestBindPreloadsLatest(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)

	_, empty := h.Bind()
	if len(empty) != 0 {
		t.Fatalf("got %d queued frames before any delivery, want 0", len(empty))
	}

	h.Deliver(&Frame{PTS: 40})
	_, ch := h.Bind()
	select {
	case f := <-ch:
		if f.PTS != 40 {
			t.Errorf("preloaded PTS: got %d, want 40", f.PTS)
		}
	default:
		t.Fatal("late subscriber not preloaded with the latest frame")
	}
}

func TestDeliverDropsOldest(t *testing.T) {
	t.Parallel()
	h := NewHub(1, nil)
	_, ch := h.Bind()

	for pts := int64(0); pts < 5; pts++ {
		h.Deliver(&Frame{PTS: pts})
	}

	var got []int64
	for len(ch) > 0 {
		got = append(got, (<-ch).PTS)
	}
	if len(got) != DefaultBuffer || got[0] != 3 || got[1] != 4 {
		t.Errorf("queued frames: got %v, want [3 4]", got)
	}
	st := h.Stats()
	if st.Dropped != 3 {
		t.Errorf("dropped: got %d, want 3", st.Dropped)
	}
	if st.Delivered != 5 || st.LastPTS != 4 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestUnbindClosesChannel(t *testing.T) {
	t.Parallel()
	h := NewHub(0, nil)
	id, ch := h.Bind()
	h.Unbind(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unbind")
	}
	if h.Subscribers() != 0 {
		t.Errorf("subscribers: got %d, want 0", h.Subscribers())
	}
	// Delivering after unbind must not panic.
	h.Deliver(&Frame{})
	h.Unbind(id)
}

func TestResetClearsLatest(t *testing.T) {
	t.Parallel()
	hubs := NewHubs(2, nil)
	hubs[1].Deliver(&Frame{View: 1})
	hubs[1].Reset()
	if hubs[1].Latest() != nil {
		t.Error("Latest not cleared by Reset")
	}
}
