package game

import (
	"fmt"
	"time"

	"github.com/bedudley/swatch-it/internal/pack"
)

// Mode identifies which sync role this device plays.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeHost     Mode = "host"
	ModeClient   Mode = "client"
)

// Team is one scoring unit. The id is assigned at creation and stays stable
// for the lifetime of the match.
type Team struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// HistoryEntry records one reversible mutation. An entry with no TeamID is
// an open marker; an entry with TeamID and Delta is a scoring attribution.
type HistoryEntry struct {
	Key       string    `json:"key"`
	TeamID    string    `json:"teamId,omitempty"`
	Delta     int       `json:"delta,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Scoring reports whether the entry attributes points to a team.
func (e HistoryEntry) Scoring() bool {
	return e.TeamID != "" && e.Delta != 0
}

// CurrentQuestion is the single open question, if any.
type CurrentQuestion struct {
	CategoryID string        `json:"categoryId"`
	Value      int           `json:"value"`
	Question   pack.Question `json:"question"`
}

// Key builds the opened/history key for a question.
func Key(categoryID string, value int) string {
	return fmt.Sprintf("%s:%d", categoryID, value)
}

// State is the authoritative representation of a match on one device.
// In multi-device play the host's copy is ground truth and clients hold a
// host-derived replica.
type State struct {
	Teams         []Team          `json:"teams"`
	Pack          *pack.Pack      `json:"pack"`
	Opened        map[string]bool `json:"opened"`
	History       []HistoryEntry  `json:"history"`
	Current       *CurrentQuestion `json:"currentQuestion"`
	ShowAnswer    bool            `json:"showAnswer"`
	BoardDisabled bool            `json:"boardDisabled"`

	// Peer-local fields. These never travel in a StateDelta: each device
	// manages its own connection role and UI drilldown.
	Mode               Mode      `json:"multiDeviceMode"`
	HostRoomID         string    `json:"hostRoomId"`
	LastConnectedAt    time.Time `json:"lastConnectedAt"`
	SelectedCategoryID string    `json:"selectedCategoryId"`
}

// NewState returns the all-empty defaults a device starts from.
func NewState() State {
	return State{
		Teams:   []Team{},
		Opened:  map[string]bool{},
		History: []HistoryEntry{},
		Mode:    ModeDisabled,
	}
}

// TeamByID returns the index of a team, or -1 if unknown.
func (s *State) TeamByID(id string) int {
	for i := range s.Teams {
		if s.Teams[i].ID == id {
			return i
		}
	}
	return -1
}

// clone returns a copy whose slices and maps do not alias the receiver.
// Pack and question pointers are shared: packs are immutable once loaded.
func (s *State) clone() State {
	out := *s
	out.Teams = append([]Team(nil), s.Teams...)
	out.History = append([]HistoryEntry(nil), s.History...)
	out.Opened = make(map[string]bool, len(s.Opened))
	for k, v := range s.Opened {
		out.Opened[k] = v
	}
	if s.Current != nil {
		cq := *s.Current
		out.Current = &cq
	}
	return out
}
