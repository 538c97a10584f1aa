package game

import (
	"encoding/json"
	"fmt"

	"github.com/bedudley/swatch-it/internal/pack"
)

// StateDelta is a partial snapshot of shared game state. Only fields whose
// Has flag is set are encoded on the wire, so a receiver can tell "field
// absent, leave mine alone" apart from "field present and empty/null". That
// distinction is what makes field-level last-write-wins merges safe: clearing
// the opened set or nulling the current question must survive a round trip.
type StateDelta struct {
	Teams    []Team
	HasTeams bool

	Pack    *pack.Pack
	HasPack bool

	Opened    map[string]bool
	HasOpened bool

	History    []HistoryEntry
	HasHistory bool

	Current    *CurrentQuestion
	HasCurrent bool

	ShowAnswer    bool
	HasShowAnswer bool

	BoardDisabled    bool
	HasBoardDisabled bool
}

// IsZero reports whether the delta carries no fields at all.
func (d StateDelta) IsZero() bool {
	return !d.HasTeams && !d.HasPack && !d.HasOpened && !d.HasHistory &&
		!d.HasCurrent && !d.HasShowAnswer && !d.HasBoardDisabled
}

// Snapshot captures the full shared state as a delta. Peer-local fields
// (mode, room id, timestamps, UI drilldown) are deliberately left out.
func Snapshot(s State) StateDelta {
	return StateDelta{
		Teams: s.Teams, HasTeams: true,
		Pack: s.Pack, HasPack: true,
		Opened: s.Opened, HasOpened: true,
		History: s.History, HasHistory: true,
		Current: s.Current, HasCurrent: true,
		ShowAnswer: s.ShowAnswer, HasShowAnswer: true,
		BoardDisabled: s.BoardDisabled, HasBoardDisabled: true,
	}
}

// clone returns a copy whose slices and maps do not alias the receiver,
// so a delta can outlive the store mutation that produced it.
func (d StateDelta) clone() StateDelta {
	out := d
	if d.HasTeams {
		out.Teams = append([]Team(nil), d.Teams...)
	}
	if d.HasOpened {
		out.Opened = make(map[string]bool, len(d.Opened))
		for k, v := range d.Opened {
			out.Opened[k] = v
		}
	}
	if d.HasHistory {
		out.History = append([]HistoryEntry(nil), d.History...)
	}
	if d.HasCurrent && d.Current != nil {
		cq := *d.Current
		out.Current = &cq
	}
	return out
}

// applyTo merges the delta's present fields into a state, replacing each
// named field wholesale.
func (d StateDelta) applyTo(s *State) {
	if d.HasTeams {
		s.Teams = append([]Team(nil), d.Teams...)
	}
	if d.HasPack {
		s.Pack = d.Pack
	}
	if d.HasOpened {
		opened := make(map[string]bool, len(d.Opened))
		for k, v := range d.Opened {
			opened[k] = v
		}
		s.Opened = opened
	}
	if d.HasHistory {
		s.History = append([]HistoryEntry(nil), d.History...)
	}
	if d.HasCurrent {
		if d.Current != nil {
			cq := *d.Current
			s.Current = &cq
		} else {
			s.Current = nil
		}
	}
	if d.HasShowAnswer {
		s.ShowAnswer = d.ShowAnswer
	}
	if d.HasBoardDisabled {
		s.BoardDisabled = d.BoardDisabled
	}
}

// MarshalJSON encodes only the fields that are present.
func (d StateDelta) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, 7)
	if d.HasTeams {
		teams := d.Teams
		if teams == nil {
			teams = []Team{}
		}
		fields["teams"] = teams
	}
	if d.HasPack {
		fields["pack"] = d.Pack
	}
	if d.HasOpened {
		opened := d.Opened
		if opened == nil {
			opened = map[string]bool{}
		}
		fields["opened"] = opened
	}
	if d.HasHistory {
		history := d.History
		if history == nil {
			history = []HistoryEntry{}
		}
		fields["history"] = history
	}
	if d.HasCurrent {
		fields["currentQuestion"] = d.Current
	}
	if d.HasShowAnswer {
		fields["showAnswer"] = d.ShowAnswer
	}
	if d.HasBoardDisabled {
		fields["boardDisabled"] = d.BoardDisabled
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a partial state object, flagging each present field.
func (d *StateDelta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("state delta: %w", err)
	}

	*d = StateDelta{}
	for key, val := range raw {
		var err error
		switch key {
		case "teams":
			err = json.Unmarshal(val, &d.Teams)
			d.HasTeams = err == nil
		case "pack":
			err = json.Unmarshal(val, &d.Pack)
			d.HasPack = err == nil
		case "opened":
			err = json.Unmarshal(val, &d.Opened)
			d.HasOpened = err == nil
		case "history":
			err = json.Unmarshal(val, &d.History)
			d.HasHistory = err == nil
		case "currentQuestion":
			err = json.Unmarshal(val, &d.Current)
			d.HasCurrent = err == nil
		case "showAnswer":
			err = json.Unmarshal(val, &d.ShowAnswer)
			d.HasShowAnswer = err == nil
		case "boardDisabled":
			err = json.Unmarshal(val, &d.BoardDisabled)
			d.HasBoardDisabled = err == nil
		default:
			// Unknown fields are skipped so newer senders stay compatible.
			continue
		}
		if err != nil {
			return fmt.Errorf("state delta field %q: %w", key, err)
		}
	}
	return nil
}
