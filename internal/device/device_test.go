package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bedudley/swatch-it/internal/game"
	"github.com/bedudley/swatch-it/internal/pack"
	"github.com/bedudley/swatch-it/internal/persist"
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

func newTestDevice(t *testing.T, relayURL, statePath, entryURL string) *Device {
	t.Helper()
	d, err := New(Config{
		RelayURL:  relayURL,
		StatePath: statePath,
		EntryURL:  entryURL,
	})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func devicePack() *pack.Pack {
	return &pack.Pack{
		PackID: "p",
		Title:  "P",
		Board: pack.Board{Categories: []pack.Category{{
			ID:   "c1",
			Name: "One",
			Questions: []pack.Question{
				{Value: 100, Prompt: "q1", Answer: "a1"},
				{Value: 200, Prompt: "q2", Answer: "a2"},
			},
		}}},
	}
}

func TestHostAndClientConverge(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	host.Store.SetPack(devicePack())
	red := host.Store.AddTeam("Red")

	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	joinURL := "https://play.example.com/join?room=" + roomID
	client := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "client.db"), joinURL)
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}
	if err := client.Join(ctx, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}

	// The host pushes a snapshot on attach; the replica catches up.
	waitFor(t, "snapshot on client", func() bool {
		st := client.Store.State()
		return st.Pack != nil && len(st.Teams) == 1
	})

	// A host-side mutation replicates as a delta.
	if err := host.Store.OpenQuestion("c1", 200); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "open question on client", func() bool {
		st := client.Store.State()
		return st.Current != nil && st.Current.Value == 200
	})

	// A client-sent action lands on the host store, and the host's
	// resulting deltas replicate back.
	if err := client.SendAction(protocol.ActionMarkCorrect,
		protocol.MarkCorrectPayload{TeamID: red.ID}); err != nil {
		t.Fatalf("send action: %v", err)
	}
	waitFor(t, "score on host", func() bool {
		return host.Store.State().Teams[0].Score == 200
	})
	waitFor(t, "score on client", func() bool {
		st := client.Store.State()
		return len(st.Teams) == 1 && st.Teams[0].Score == 200 && st.Current == nil
	})
}

func TestNavigatePropagates(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	client := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "client.db"),
		"https://play.example.com/join?room="+roomID)
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}

	gotPath := make(chan string, 1)
	client.OnNavigate(func(p string) { gotPath <- p })

	if err := client.Join(ctx, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "host roster", func() bool {
		return host.ConnectionState().ConnectedDevices == 1
	})

	host.Navigate("/board")

	select {
	case p := <-gotPath:
		if p != "/board" {
			t.Fatalf("navigated to %q, want /board", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("navigation never reached the client")
	}
}

func TestClientSessionResumesAcrossRestart(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()
	clientState := filepath.Join(t.TempDir(), "client.db")

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	host.Store.SetPack(devicePack())
	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	// First life of the client: join, then go away.
	first := newTestDevice(t, relayURL, clientState,
		"https://play.example.com/join?room="+roomID)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := first.Join(ctx, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "first client connected", func() bool {
		return first.ConnectionState().Phase == PhaseConnected
	})
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Second life: no join link, the stored session drives the resume.
	second := newTestDevice(t, relayURL, clientState, "")
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}

	waitFor(t, "resumed connection", func() bool {
		return second.ConnectionState().Phase == PhaseConnected
	})
	waitFor(t, "snapshot after resume", func() bool {
		return second.Store.State().Pack != nil
	})
	if st := second.Store.State(); st.Mode != game.ModeClient || st.HostRoomID != roomID {
		t.Fatalf("resumed session fields wrong: mode=%q room=%q", st.Mode, st.HostRoomID)
	}
}

func TestStaleSessionIsNotResumed(t *testing.T) {
	relayURL := startRelay(t)
	statePath := filepath.Join(t.TempDir(), "client.db")

	// Write a stale client session directly.
	db, err := persist.Open(statePath)
	if err != nil {
		t.Fatalf("open persist store: %v", err)
	}
	err = db.Save(persist.Record{Session: persist.SessionRecord{
		Mode:            game.ModeClient,
		RoomID:          "room-long-gone",
		LastConnectedAt: time.Now().Add(-(persist.MaxSessionAge + time.Minute)),
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	d := newTestDevice(t, relayURL, statePath, "")
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := d.ConnectionState().Phase; got != PhaseSessionExpired {
		t.Fatalf("phase = %q, want %q", got, PhaseSessionExpired)
	}
	if d.Store.State().Mode != game.ModeDisabled {
		t.Fatal("stale session restored the client role")
	}
}

func TestContinueOfflineClearsStoredSession(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "client.db")

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	client := newTestDevice(t, relayURL, statePath,
		"https://play.example.com/join?room="+roomID)
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Join(ctx, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}

	client.ContinueOffline()

	if client.Store.State().Mode != game.ModeDisabled {
		t.Fatal("continue offline left the client role set")
	}
	if got := client.ConnectionState().Phase; got != PhaseDisconnected {
		t.Fatalf("phase = %q, want %q", got, PhaseDisconnected)
	}

	// The stored session is gone, so a restart stays solo.
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reborn := newTestDevice(t, relayURL, statePath, "")
	if err := reborn.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if st := reborn.Store.State(); st.Mode != game.ModeDisabled {
		t.Fatalf("cleared session resumed anyway: %+v", st.Mode)
	}
}

func TestLateRejoinAfterContinueOfflineIsTornDown(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	client := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "client.db"), "")
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}

	// The user walked away while a reconnect attempt was mid-attach: by the
	// time the attach lands, the round's context is cancelled.
	client.ContinueOffline()
	roundCtx, cancel := context.WithCancel(context.Background())
	if err := client.session.JoinHost(roundCtx, roomID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	cancel()

	if err := client.commitRejoin(roundCtx); err == nil {
		t.Fatal("cancelled round committed its attach")
	}
	if client.session.Active() {
		t.Fatal("session stayed attached after the round was cancelled")
	}
	if got := client.ConnectionState().Phase; got == PhaseConnected {
		t.Fatal("device reports connected after continue offline")
	}
	if got := client.Store.State().Mode; got != game.ModeDisabled {
		t.Fatalf("mode = %q after continue offline, want %q", got, game.ModeDisabled)
	}
}

func TestClientReconnectsWhenSessionDrops(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	host := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "host.db"), "")
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	roomID, err := host.EnableHost(ctx)
	if err != nil {
		t.Fatalf("enable host: %v", err)
	}

	client := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "client.db"),
		"https://play.example.com/join?room="+roomID)
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}
	if err := client.Join(ctx, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "client connected", func() bool {
		return client.ConnectionState().Phase == PhaseConnected
	})

	// The host goes away; the client must start automatic recovery.
	if err := host.Close(); err != nil {
		t.Fatalf("close host: %v", err)
	}
	waitFor(t, "reconnecting phase", func() bool {
		return client.ConnectionState().Phase == PhaseReconnecting
	})
}

func TestJoinFailureIsReturnedNotRetried(t *testing.T) {
	relayURL := startRelay(t)

	d := newTestDevice(t, relayURL, filepath.Join(t.TempDir(), "client.db"),
		"https://play.example.com/join?room=no-such-room")
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := d.Join(context.Background(), "no-such-room"); err == nil {
		t.Fatal("expected join failure for unknown room")
	}
	// First-ever join failure must not kick off automatic reconnection.
	time.Sleep(100 * time.Millisecond)
	if got := d.ConnectionState().Phase; got == PhaseReconnecting {
		t.Fatal("first join failure triggered auto-reconnect")
	}
}
