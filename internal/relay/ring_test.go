package relay

import (
	"fmt"
	"testing"
)

func TestRingPreservesOrderBelowCapacity(t *testing.T) {
	r := newMessageRing()
	for i := 0; i < 5; i++ {
		r.add(Message{Type: MsgSessionMessage, Content: fmt.Sprintf("m%d", i)})
	}
	got := r.list()
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, msg := range got {
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msg.Content)
		}
	}
}

func TestRingDropsOldestPastCapacity(t *testing.T) {
	r := newMessageRing()
	total := ringCapacity + 10
	for i := 0; i < total; i++ {
		r.add(Message{Type: MsgSessionMessage, Content: fmt.Sprintf("m%d", i)})
	}
	got := r.list()
	if len(got) != ringCapacity {
		t.Fatalf("expected %d messages, got %d", ringCapacity, len(got))
	}
	if got[0].Content != "m10" {
		t.Errorf("oldest survivor should be m10, got %s", got[0].Content)
	}
	if got[len(got)-1].Content != fmt.Sprintf("m%d", total-1) {
		t.Errorf("newest should be m%d, got %s", total-1, got[len(got)-1].Content)
	}
}

func TestRingEmptyList(t *testing.T) {
	r := newMessageRing()
	if got := r.list(); len(got) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(got))
	}
}
