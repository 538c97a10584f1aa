package persist

import (
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bedudley/swatch-it/internal/game"
)

// MaxSessionAge is how long a client session stays resumable. Past it the
// stored room is treated as expired and no silent reconnection is tried.
const MaxSessionAge = 30 * time.Minute

// JoinRoomFromURL extracts the room id from a join link. A present room
// query parameter means "act as client, attempt to join this room".
func JoinRoomFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("room")
}

// Gate applies the load-time and save-time persistence rules for a device.
type Gate struct {
	store *Store
	clock clockwork.Clock

	// joinRoom is the room id carried by the entry URL, if any.
	joinRoom string
}

// NewGate creates a gate. joinRoom is the room id from the entry link,
// empty when the device was opened directly. A nil clock selects the real
// clock.
func NewGate(store *Store, clock clockwork.Clock, joinRoom string) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{store: store, clock: clock, joinRoom: joinRoom}
}

// JoinRoom returns the room id this device was asked to join via its entry
// link, if any.
func (g *Gate) JoinRoom() string {
	return g.joinRoom
}

// HydrateResult reports what the gate decided at load time.
type HydrateResult struct {
	// Hydrated is true when stored state was applied.
	Hydrated bool
	// Session is the stored session record, zero when none survived.
	Session SessionRecord
	// SessionExpired is true when a stored client session exceeded the
	// staleness ceiling and was cleared; the UI should offer "join a new
	// game" instead of silently reconnecting.
	SessionExpired bool
}

// Hydrate decides synchronously whether to load durable state into the
// store. Arriving through a join link skips hydration entirely: the host
// will push a full snapshot right after connecting, and stale local state
// would only flash wrong data first.
func (g *Gate) Hydrate(st *game.Store) (HydrateResult, error) {
	if g.joinRoom != "" {
		log.Info().Str("room_id", g.joinRoom).Msg("join link present, skipping state hydration")
		return HydrateResult{}, nil
	}

	rec, found, err := g.store.Load()
	if err != nil {
		return HydrateResult{}, err
	}
	if !found {
		return HydrateResult{}, nil
	}

	st.ApplyDelta(game.StateDelta{
		Teams: rec.Teams, HasTeams: true,
		Pack: rec.Pack, HasPack: true,
		Opened: rec.Opened, HasOpened: true,
	})

	res := HydrateResult{Hydrated: true, Session: rec.Session}

	if rec.Session.Mode == game.ModeClient && rec.Session.RoomID != "" {
		age := g.clock.Now().Sub(rec.Session.LastConnectedAt)
		if rec.Session.LastConnectedAt.IsZero() || age > MaxSessionAge {
			log.Info().
				Dur("session_age", age).
				Str("room_id", rec.Session.RoomID).
				Msg("stored client session expired, clearing")
			rec.Session = SessionRecord{Mode: game.ModeDisabled}
			if err := g.store.Save(rec); err != nil {
				log.Warn().Err(err).Msg("failed to clear expired session")
			}
			res.Session = rec.Session
			res.SessionExpired = true
			return res, nil
		}
		st.SetMode(game.ModeClient, rec.Session.RoomID)
		st.SetLastConnectedAt(rec.Session.LastConnectedAt)
	}

	return res, nil
}

// Persist writes the durable slice of a state change. Persistence is
// suppressed entirely in client mode: a client's durable copy would only go
// stale relative to the host. The session record is always written so role
// resume and staleness detection work across reloads.
func (g *Gate) Persist(s game.State) error {
	rec := Record{
		Session: SessionRecord{
			Mode:            s.Mode,
			RoomID:          s.HostRoomID,
			LastConnectedAt: s.LastConnectedAt,
		},
	}
	if s.Mode != game.ModeClient {
		rec.Teams = s.Teams
		rec.Pack = s.Pack
		rec.Opened = s.Opened
	} else if prev, found, err := g.store.Load(); err == nil && found {
		// Keep the host-mode game data that was on disk before this
		// device became a client.
		rec.Teams = prev.Teams
		rec.Pack = prev.Pack
		rec.Opened = prev.Opened
	}
	return g.store.Save(rec)
}

// ClearSession drops the stored mode/room so no further auto-reconnect is
// attempted ("continue offline" / "join a new game").
func (g *Gate) ClearSession() error {
	rec, found, err := g.store.Load()
	if err != nil || !found {
		return err
	}
	rec.Session = SessionRecord{Mode: game.ModeDisabled}
	return g.store.Save(rec)
}
