package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bedudley/swatch-it/internal/game"
	"github.com/bedudley/swatch-it/internal/protocol"
	"github.com/bedudley/swatch-it/internal/rendezvous"
)

func startRelay(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	rendezvous.NewServer(rendezvous.DefaultConfig()).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestSession(t *testing.T, relayURL string) *Session {
	t.Helper()
	cfg := DefaultConfig(relayURL)
	cfg.DialTimeout = 2 * time.Second
	s := NewSession(cfg)
	t.Cleanup(s.Disconnect)
	return s
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func waitStatus(t *testing.T, s *Session, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == EventStatus && pred(ev.Status) {
				return ev.Status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status, last known %+v", s.Status())
		}
	}
}

func TestEnableHostCreatesRoom(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)

	roomID, err := host.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if roomID == "" {
		t.Fatal("empty room id")
	}

	st := host.Status()
	if !st.Connected || st.Role != RoleHost {
		t.Fatalf("unexpected status: %+v", st)
	}
	if host.RoomID() != roomID {
		t.Fatalf("RoomID() = %q, want %q", host.RoomID(), roomID)
	}

	if _, err := host.EnableHost(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second enable: %v, want ErrAlreadyInitialized", err)
	}
}

func TestJoinUnknownRoomFails(t *testing.T) {
	relayURL := startRelay(t)
	client := newTestSession(t, relayURL)

	err := client.JoinHost(context.Background(), "no-such-room")
	if err == nil {
		t.Fatal("expected join to fail")
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ConnectionError, got %T: %v", err, err)
	}
	if client.Active() {
		t.Fatal("failed join left the session active")
	}
}

func TestJoinUnreachableRelayFails(t *testing.T) {
	client := newTestSession(t, "ws://127.0.0.1:1")

	err := client.JoinHost(context.Background(), "room")
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ConnectionError, got %T: %v", err, err)
	}
}

func TestClientActionReachesHostAndOtherClient(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)
	clientA := newTestSession(t, relayURL)
	clientB := newTestSession(t, relayURL)

	roomID, err := host.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := clientA.JoinHost(context.Background(), roomID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	joinedA := waitEvent(t, host, EventPeerJoined)
	if err := clientB.JoinHost(context.Background(), roomID); err != nil {
		t.Fatalf("join b: %v", err)
	}
	waitEvent(t, host, EventPeerJoined)

	// Client A sends an action; it lands on the host stamped with A's id.
	msg, err := protocol.NewAction(protocol.ActionOpenQuestion,
		protocol.OpenQuestionPayload{CategoryID: "c1", Value: 100})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	if err := clientA.Broadcast(msg); err != nil {
		t.Fatalf("client broadcast: %v", err)
	}

	inbound := waitEvent(t, host, EventMessage)
	if inbound.PeerID != joinedA.PeerID {
		t.Fatalf("message stamped with %q, want %q", inbound.PeerID, joinedA.PeerID)
	}
	if inbound.Message.Action != protocol.ActionOpenQuestion {
		t.Fatalf("unexpected message: %+v", inbound.Message)
	}

	// Host relays it to everyone but A, the way the router does.
	if err := host.BroadcastExcept(inbound.PeerID, inbound.Message); err != nil {
		t.Fatalf("relay: %v", err)
	}

	got := waitEvent(t, clientB, EventMessage)
	if got.Message.Action != protocol.ActionOpenQuestion {
		t.Fatalf("client b received %+v", got.Message)
	}

	// And A stays quiet.
	select {
	case ev := <-clientA.Events():
		if ev.Kind == EventMessage {
			t.Fatalf("sender received its own relayed message: %+v", ev.Message)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendToReachesSingleClient(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)
	client := newTestSession(t, relayURL)

	roomID, err := host.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := client.JoinHost(context.Background(), roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined := waitEvent(t, host, EventPeerJoined)

	snap := protocol.NewStateUpdate(game.StateDelta{ShowAnswer: true, HasShowAnswer: true})
	if err := host.SendTo(joined.PeerID, snap); err != nil {
		t.Fatalf("send to: %v", err)
	}

	got := waitEvent(t, client, EventMessage)
	if got.Message.Kind != protocol.KindStateUpdate {
		t.Fatalf("client received %+v", got.Message)
	}

	if err := host.SendTo("ghost-peer", snap); err == nil {
		t.Fatal("SendTo unknown peer must fail")
	}
}

func TestHostSeesRosterShrinkOnClientExit(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)
	client := newTestSession(t, relayURL)

	roomID, err := host.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := client.JoinHost(context.Background(), roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined := waitEvent(t, host, EventPeerJoined)
	waitStatus(t, host, func(st Status) bool { return st.ConnectedDevices == 1 })

	client.Disconnect()

	left := waitEvent(t, host, EventPeerLeft)
	if left.PeerID != joined.PeerID {
		t.Fatalf("peer_left for %q, want %q", left.PeerID, joined.PeerID)
	}
	waitStatus(t, host, func(st Status) bool { return st.ConnectedDevices == 0 })
}

func TestClientKeepsRoleWhenHostVanishes(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)
	client := newTestSession(t, relayURL)

	roomID, err := host.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := client.JoinHost(context.Background(), roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitEvent(t, host, EventPeerJoined)

	host.Disconnect()

	st := waitStatus(t, client, func(st Status) bool { return !st.Connected })
	if st.Role != RoleClient {
		t.Fatalf("role after drop = %q, want client so reconnection can resume", st.Role)
	}

	if err := client.Broadcast(protocol.NewRequestState()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("broadcast while down: %v, want ErrNotConnected", err)
	}
}

func TestDisconnectedClientCanRejoin(t *testing.T) {
	relayURL := startRelay(t)
	hostA := newTestSession(t, relayURL)
	client := newTestSession(t, relayURL)

	roomA, err := hostA.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := client.JoinHost(context.Background(), roomA); err != nil {
		t.Fatalf("join: %v", err)
	}
	hostA.Disconnect()
	waitStatus(t, client, func(st Status) bool { return !st.Connected })

	// A new room stands in for the host coming back.
	hostB := newTestSession(t, relayURL)
	roomB, err := hostB.EnableHost(context.Background())
	if err != nil {
		t.Fatalf("enable host b: %v", err)
	}

	if err := client.JoinHost(context.Background(), roomB); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if st := client.Status(); !st.Connected || st.Role != RoleClient {
		t.Fatalf("unexpected status after rejoin: %+v", st)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	relayURL := startRelay(t)
	host := newTestSession(t, relayURL)

	if _, err := host.EnableHost(context.Background()); err != nil {
		t.Fatalf("enable host: %v", err)
	}
	host.Disconnect()
	host.Disconnect()

	if host.Active() {
		t.Fatal("session active after disconnect")
	}
	if _, err := host.EnableHost(context.Background()); err != nil {
		t.Fatalf("re-enable after disconnect: %v", err)
	}
}
