package protocol

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/bedudley/swatch-it/internal/game"
)

// Relay is the outbound half the router needs when this device is the host:
// answering snapshot requests and forwarding client traffic to the rest of
// the room.
type Relay interface {
	SendTo(peerID string, m Message) error
	BroadcastExcept(peerID string, m Message) error
}

// Router applies inbound sync messages to the local store and, on the host,
// enforces the relay rules: everything a client sends is applied locally and
// then re-broadcast verbatim to every other client, except request_state,
// which is intercepted and answered with a snapshot to the requester only.
type Router struct {
	store    *game.Store
	role     func() game.Mode
	relay    Relay
	navigate func(path string)
}

// RouterConfig wires a router's collaborators. Relay and Navigate may be nil
// (single-device play has neither).
type RouterConfig struct {
	Store    *game.Store
	Role     func() game.Mode
	Relay    Relay
	Navigate func(path string)
}

// NewRouter creates a message router.
func NewRouter(cfg RouterConfig) *Router {
	role := cfg.Role
	if role == nil {
		role = func() game.Mode { return game.ModeDisabled }
	}
	return &Router{
		store:    cfg.Store,
		role:     role,
		relay:    cfg.Relay,
		navigate: cfg.Navigate,
	}
}

// HandleFrom processes one inbound message. from is the sending peer's id;
// it is empty for messages that did not arrive over the peer transport
// (local tabs), which are applied but never relayed.
func (r *Router) HandleFrom(from string, m Message) {
	if m.Kind == KindRequestState {
		if r.role() == game.ModeHost && r.relay != nil && from != "" {
			snap := NewStateUpdate(r.store.Snapshot())
			if err := r.relay.SendTo(from, snap); err != nil {
				log.Warn().Err(err).Str("peer_id", from).Msg("failed to answer state request")
			}
		}
		return
	}

	switch m.Kind {
	case KindStateUpdate:
		if m.State != nil {
			r.store.ApplyDelta(*m.State)
		}
	case KindAction:
		r.applyAction(m)
	case KindNavigate:
		if r.navigate != nil {
			r.navigate(m.Path)
		}
	default:
		// Decode already screens kinds; this covers messages constructed
		// in-process with a bad tag.
		log.Warn().Str("type", string(m.Kind)).Msg("ignoring unknown sync message type")
		return
	}

	if r.role() == game.ModeHost && r.relay != nil && from != "" {
		if err := r.relay.BroadcastExcept(from, m); err != nil {
			log.Warn().Err(err).Str("peer_id", from).Msg("failed to relay message")
		}
	}
}

// applyAction replays a named mutation against the local store. Store
// preconditions double as replay idempotency: reopening an opened question
// or scoring with no open question are ignored, so duplicate or reordered
// replays cannot corrupt state.
func (r *Router) applyAction(m Message) {
	switch m.Action {
	case ActionOpenQuestion:
		var p OpenQuestionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("bad openQuestion payload")
			return
		}
		if err := r.store.OpenQuestion(p.CategoryID, p.Value); err != nil {
			log.Debug().Err(err).Str("category_id", p.CategoryID).Int("value", p.Value).
				Msg("openQuestion replay ignored")
		}
	case ActionCloseQuestion:
		r.store.CloseQuestion()
	case ActionRevealAnswer:
		r.store.RevealAnswer()
	case ActionMarkCorrect:
		var p MarkCorrectPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("bad markCorrect payload")
			return
		}
		if err := r.store.MarkCorrect(p.TeamID); err != nil {
			log.Debug().Err(err).Str("team_id", p.TeamID).Msg("markCorrect replay ignored")
		}
	case ActionMarkIncorrect:
		r.store.MarkIncorrect()
	case ActionUndo:
		r.store.Undo()
	default:
		log.Warn().Str("action", m.Action).Msg("ignoring unknown sync action")
	}
}
