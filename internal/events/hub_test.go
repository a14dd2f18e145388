package events

import (
	"testing"
	"time"
)

func TestSinceWrapsBacklog(t *testing.T) {
	h := NewHub(3)
	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		h.Publish(typ, "", nil)
	}

	got := h.Since(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Type != want {
			t.Errorf("event %d = %q, want %q", i, got[i].Type, want)
		}
	}

	if got := h.Since(4); len(got) != 1 || got[0].Type != "e" {
		t.Errorf("Since(4) = %+v", got)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("status", "msg-1", map[string]string{"execution_state": "busy"})

	select {
	case ev := <-ch:
		if ev.Type != "status" || ev.Parent != "msg-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if string(ev.Content) != `{"execution_state":"busy"}` {
			t.Fatalf("unexpected content %s", ev.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCancelClosesFeed(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	h.Publish("status", "", nil)
}
