package game

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bedudley/swatch-it/internal/pack"
)

// Precondition errors returned by store mutations. Callers that mirror the
// original UI flow may ignore them; tests and the message router rely on
// being able to tell an applied mutation from an ignored one.
var (
	ErrNoPack            = errors.New("game: no pack loaded")
	ErrUnknownQuestion   = errors.New("game: unknown category/value pair")
	ErrUnknownTeam       = errors.New("game: unknown team id")
	ErrNoCurrentQuestion = errors.New("game: no question is open")
)

// Store holds the canonical game state for one device and owns the
// broadcast-after-mutate policy: every mutation computes the minimal delta
// of changed fields and hands it to the broadcast hook before releasing the
// state lock, so peers never observe a mutate/broadcast interleaving.
//
// Stores are constructed explicitly and passed by reference; there is no
// package-level instance.
type Store struct {
	mu    sync.Mutex
	state State
	clock clockwork.Clock

	// broadcast fans a delta out to peers and local tabs. It runs with the
	// state lock held and must not call back into the store.
	broadcast func(StateDelta)

	// onChange observes every state change, broadcast-worthy or not. The
	// persistence gate hangs off this hook. Same reentrancy rule applies.
	onChange func(State)
}

// NewStore creates a store with all-empty defaults. A nil clock selects the
// real clock.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		state: NewState(),
		clock: clock,
	}
}

// SetBroadcast installs the delta broadcast hook.
func (s *Store) SetBroadcast(fn func(StateDelta)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = fn
}

// SetOnChange installs the state observer hook.
func (s *Store) SetOnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Snapshot returns the full shared state as a delta, suitable for catching
// up a late-joining client.
func (s *Store) Snapshot() StateDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot(s.state.clone())
}

// changed runs the hooks for a completed mutation. Caller holds s.mu.
func (s *Store) changed(d StateDelta) {
	if s.broadcast != nil && !d.IsZero() {
		s.broadcast(d.clone())
	}
	if s.onChange != nil {
		s.onChange(s.state.clone())
	}
}

// SetPack replaces the loaded pack and resets board progress.
func (s *Store) SetPack(p *pack.Pack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Pack = p
	s.state.Opened = map[string]bool{}
	s.state.History = []HistoryEntry{}
	s.state.Current = nil
	s.state.ShowAnswer = false

	s.changed(StateDelta{
		Pack: p, HasPack: true,
		Opened: map[string]bool{}, HasOpened: true,
		History: []HistoryEntry{}, HasHistory: true,
		Current: nil, HasCurrent: true,
		ShowAnswer: false, HasShowAnswer: true,
	})
}

// AddTeam appends a team with a fresh id and zero score. Ids are time+random
// composites; collisions are improbable enough for this domain, no
// cryptographic guarantee intended.
func (s *Store) AddTeam(name string) Team {
	s.mu.Lock()
	defer s.mu.Unlock()

	team := Team{
		ID:   fmt.Sprintf("team-%d-%s", s.clock.Now().UnixMilli(), randSuffix(9)),
		Name: name,
	}
	s.state.Teams = append(s.state.Teams, team)
	s.changed(StateDelta{Teams: s.state.Teams, HasTeams: true})
	return team
}

// RemoveTeam drops a team from the roster.
func (s *Store) RemoveTeam(teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.state.TeamByID(teamID)
	if i < 0 {
		return ErrUnknownTeam
	}
	s.state.Teams = append(s.state.Teams[:i], s.state.Teams[i+1:]...)
	s.changed(StateDelta{Teams: s.state.Teams, HasTeams: true})
	return nil
}

// UpdateTeamName renames a team in place.
func (s *Store) UpdateTeamName(teamID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.state.TeamByID(teamID)
	if i < 0 {
		return ErrUnknownTeam
	}
	s.state.Teams[i].Name = name
	s.changed(StateDelta{Teams: s.state.Teams, HasTeams: true})
	return nil
}

// UpdateTeamScore sets a team's score directly. Manual edits are not
// journaled to history, so Undo cannot revert them; only question scoring
// is reversible.
func (s *Store) UpdateTeamScore(teamID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.state.TeamByID(teamID)
	if i < 0 {
		return ErrUnknownTeam
	}
	s.state.Teams[i].Score = score
	s.changed(StateDelta{Teams: s.state.Teams, HasTeams: true})
	return nil
}

// OpenQuestion reveals a question: it becomes the current question, its key
// is marked opened, the board locks, and an open marker lands in history.
// Opening an already-opened key is a no-op, which makes replayed open
// actions safe regardless of arrival order.
func (s *Store) OpenQuestion(categoryID string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Pack == nil {
		return ErrNoPack
	}
	q, ok := s.state.Pack.Question(categoryID, value)
	if !ok {
		return ErrUnknownQuestion
	}

	key := Key(categoryID, value)
	if s.state.Opened[key] {
		return nil
	}

	s.state.Current = &CurrentQuestion{CategoryID: categoryID, Value: value, Question: *q}
	s.state.ShowAnswer = false
	s.state.Opened[key] = true
	s.state.BoardDisabled = true
	s.state.History = append(s.state.History, HistoryEntry{Key: key, Timestamp: s.clock.Now()})

	s.changed(StateDelta{
		Current: s.state.Current, HasCurrent: true,
		ShowAnswer: false, HasShowAnswer: true,
		Opened: s.state.Opened, HasOpened: true,
		BoardDisabled: true, HasBoardDisabled: true,
		History: s.state.History, HasHistory: true,
	})
	return nil
}

// CloseQuestion dismisses the current question. If nobody scored on it, the
// opened mark is removed so the tile can be picked again (question voided);
// a scored question stays consumed.
func (s *Store) CloseQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeQuestionLocked()
}

func (s *Store) closeQuestionLocked() {
	openedChanged := false
	if s.state.Current != nil {
		key := Key(s.state.Current.CategoryID, s.state.Current.Value)
		scored := false
		for _, e := range s.state.History {
			if e.Key == key && e.Scoring() {
				scored = true
				break
			}
		}
		if !scored {
			delete(s.state.Opened, key)
			openedChanged = true
		}
	}

	s.state.Current = nil
	s.state.ShowAnswer = false
	s.state.BoardDisabled = false

	d := StateDelta{
		Current: nil, HasCurrent: true,
		ShowAnswer: false, HasShowAnswer: true,
		BoardDisabled: false, HasBoardDisabled: true,
	}
	if openedChanged {
		d.Opened = s.state.Opened
		d.HasOpened = true
	}
	s.changed(d)
}

// RevealAnswer flips the answer visible on the current question.
func (s *Store) RevealAnswer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ShowAnswer = true
	s.changed(StateDelta{ShowAnswer: true, HasShowAnswer: true})
}

// MarkCorrect credits the current question's value to a team, journals the
// attribution, and closes the question.
func (s *Store) MarkCorrect(teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Current == nil {
		return ErrNoCurrentQuestion
	}
	i := s.state.TeamByID(teamID)
	if i < 0 {
		return ErrUnknownTeam
	}

	points := s.state.Current.Value
	key := Key(s.state.Current.CategoryID, s.state.Current.Value)

	s.state.Teams[i].Score += points
	s.state.History = append(s.state.History, HistoryEntry{
		Key:       key,
		TeamID:    teamID,
		Delta:     points,
		Timestamp: s.clock.Now(),
	})

	s.changed(StateDelta{
		Teams: s.state.Teams, HasTeams: true,
		History: s.state.History, HasHistory: true,
	})

	s.closeQuestionLocked()
	return nil
}

// MarkIncorrect closes the current question with no scoring entry.
func (s *Store) MarkIncorrect() {
	s.CloseQuestion()
}

// Undo pops the last history entry and reverses it: scoring entries give the
// points back, and if the popped entry was the only one referencing its key
// the opened mark is removed too. Empty history is a no-op.
func (s *Store) Undo() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.History) == 0 {
		return
	}

	last := s.state.History[len(s.state.History)-1]

	if last.Scoring() {
		if i := s.state.TeamByID(last.TeamID); i >= 0 {
			s.state.Teams[i].Score -= last.Delta
		}
	}

	refs := 0
	for _, e := range s.state.History {
		if e.Key == last.Key {
			refs++
		}
	}
	if refs == 1 {
		delete(s.state.Opened, last.Key)
	}

	s.state.History = s.state.History[:len(s.state.History)-1]

	s.changed(StateDelta{
		Teams: s.state.Teams, HasTeams: true,
		Opened: s.state.Opened, HasOpened: true,
		History: s.state.History, HasHistory: true,
	})
}

// ClearHistory drops the undo log without touching anything else.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.History = []HistoryEntry{}
	s.changed(StateDelta{History: s.state.History, HasHistory: true})
}

// ResetGame zeroes every score and clears board progress while keeping the
// pack and team identities.
func (s *Store) ResetGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.Teams {
		s.state.Teams[i].Score = 0
	}
	s.state.Opened = map[string]bool{}
	s.state.History = []HistoryEntry{}
	s.state.Current = nil
	s.state.ShowAnswer = false
	s.state.BoardDisabled = false

	s.changed(StateDelta{
		Teams: s.state.Teams, HasTeams: true,
		Opened: s.state.Opened, HasOpened: true,
		History: s.state.History, HasHistory: true,
		Current: nil, HasCurrent: true,
		ShowAnswer: false, HasShowAnswer: true,
		BoardDisabled: false, HasBoardDisabled: true,
	})
}

// ApplyDelta shallow-merges remote fields into local state. This is the only
// path remote changes take into a non-authoritative device. It performs no
// validation: the sender is the authoritative host. It never re-broadcasts,
// which is what keeps relay traffic from echoing forever.
func (s *Store) ApplyDelta(d StateDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.applyTo(&s.state)
	if s.onChange != nil {
		s.onChange(s.state.clone())
	}
}

// IsOpened reports whether a question key has been consumed.
func (s *Store) IsOpened(categoryID string, value int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Opened[Key(categoryID, value)]
}

// SetMode records the device's sync role and room. Connection roles are
// peer-specific, so this is never broadcast.
func (s *Store) SetMode(mode Mode, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Mode = mode
	s.state.HostRoomID = roomID
	if s.onChange != nil {
		s.onChange(s.state.clone())
	}
}

// TouchConnected stamps a successful peer handshake.
func (s *Store) TouchConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastConnectedAt = s.clock.Now()
	if s.onChange != nil {
		s.onChange(s.state.clone())
	}
}

// SetLastConnectedAt restores a persisted handshake timestamp.
func (s *Store) SetLastConnectedAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastConnectedAt = t
}

// SetBoardDisabled gates tile selection without opening a question.
func (s *Store) SetBoardDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.BoardDisabled = disabled
}

// SelectCategory tracks the mobile drilldown pointer. Local only.
func (s *Store) SelectCategory(categoryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SelectedCategoryID = categoryID
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}
