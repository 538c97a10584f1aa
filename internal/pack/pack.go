package pack

import "fmt"

// QuestionType enumerates the supported question formats.
type QuestionType string

const (
	TypeText           QuestionType = "text"
	TypeMultipleChoice QuestionType = "multipleChoice"
	TypeImage          QuestionType = "image"
	TypeAudio          QuestionType = "audio"
)

// Media points at an external asset attached to a question.
type Media struct {
	Src string `json:"src" yaml:"src"`
	Alt string `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// Question is a single board tile: the value it is worth, the prompt shown
// to players, and the expected answer.
type Question struct {
	Value       int          `json:"value" yaml:"value"`
	Type        QuestionType `json:"type,omitempty" yaml:"type,omitempty"`
	Prompt      string       `json:"prompt" yaml:"prompt"`
	Answer      string       `json:"answer" yaml:"answer"`
	Choices     []string     `json:"choices,omitempty" yaml:"choices,omitempty"`
	Media       *Media       `json:"media,omitempty" yaml:"media,omitempty"`
	DailyDouble bool         `json:"dailyDouble,omitempty" yaml:"dailyDouble,omitempty"`
	Notes       string       `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Category is a named column of questions.
type Category struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Board is the category grid.
type Board struct {
	Columns    int        `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows       int        `json:"rows,omitempty" yaml:"rows,omitempty"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// Theme carries the pack's display colors. The sync core never reads it.
type Theme struct {
	Primary string `json:"primary" yaml:"primary"`
	Accent  string `json:"accent" yaml:"accent"`
}

// FinalRound is the optional closing question.
type FinalRound struct {
	Prompt string `json:"prompt" yaml:"prompt"`
	Answer string `json:"answer" yaml:"answer"`
}

// Pack is the loaded game content. It is immutable once loaded; the game
// store treats it as opaque lookup data.
type Pack struct {
	PackID     string      `json:"packId" yaml:"packId"`
	Title      string      `json:"title" yaml:"title"`
	Logo       string      `json:"logo,omitempty" yaml:"logo,omitempty"`
	Theme      *Theme      `json:"theme,omitempty" yaml:"theme,omitempty"`
	Board      Board       `json:"board" yaml:"board"`
	FinalRound *FinalRound `json:"finalRound,omitempty" yaml:"finalRound,omitempty"`
}

// Question looks up a question by category id and point value.
func (p *Pack) Question(categoryID string, value int) (*Question, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Board.Categories {
		cat := &p.Board.Categories[i]
		if cat.ID != categoryID {
			continue
		}
		for j := range cat.Questions {
			if cat.Questions[j].Value == value {
				return &cat.Questions[j], true
			}
		}
	}
	return nil, false
}

// CategoryCount returns the number of categories on the board.
func (p *Pack) CategoryCount() int {
	if p == nil {
		return 0
	}
	return len(p.Board.Categories)
}

// QuestionCount returns the total number of questions across all categories.
func (p *Pack) QuestionCount() int {
	if p == nil {
		return 0
	}
	total := 0
	for i := range p.Board.Categories {
		total += len(p.Board.Categories[i].Questions)
	}
	return total
}

// Summary returns a short human-readable description of the pack contents.
func (p *Pack) Summary() string {
	if p == nil {
		return "no pack loaded"
	}
	return fmt.Sprintf("%d categories, %d questions total", p.CategoryCount(), p.QuestionCount())
}
