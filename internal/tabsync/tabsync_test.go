package tabsync

import (
	"testing"

	"github.com/bedudley/swatch-it/internal/game"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	c := NewChannel()

	var a, b []game.StateDelta
	c.Subscribe(func(d game.StateDelta) { a = append(a, d) })
	c.Subscribe(func(d game.StateDelta) { b = append(b, d) })

	c.Broadcast(game.StateDelta{ShowAnswer: true, HasShowAnswer: true})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both subscribers to hear the delta, got %d and %d", len(a), len(b))
	}
	if !a[0].HasShowAnswer || !a[0].ShowAnswer {
		t.Fatalf("unexpected delta: %+v", a[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := NewChannel()

	var got int
	unsub := c.Subscribe(func(game.StateDelta) { got++ })

	c.Broadcast(game.StateDelta{})
	unsub()
	c.Broadcast(game.StateDelta{})

	if got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	c := NewChannel()

	c.Subscribe(func(game.StateDelta) { panic("listener bug") })
	var got int
	c.Subscribe(func(game.StateDelta) { got++ })

	c.Broadcast(game.StateDelta{})

	if got != 1 {
		t.Fatal("panicking listener starved its siblings")
	}
}

func TestBroadcastAfterCloseIsNoOp(t *testing.T) {
	c := NewChannel()

	var got int
	c.Subscribe(func(game.StateDelta) { got++ })
	c.Close()
	c.Broadcast(game.StateDelta{})

	if got != 0 {
		t.Fatalf("deliveries after close = %d, want 0", got)
	}
}
