package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAI        Speaker = "ai"
	SpeakerCandidate Speaker = "candidate"
)

// Sentinel texts recorded in place of a candidate answer.
const (
	NoResponseText     = "[No response]"
	NotTranscribedText = "[Spoken during offline, not transcribed]"
)

// ErrTurnOrder is returned when a turn would break transcript ordering.
var ErrTurnOrder = errors.New("turn out of order")

// Turn is one entry in the transcript.
type Turn struct {
	Speaker       Speaker   `json:"speaker"`
	Text          string    `json:"text"`
	QuestionIndex int       `json:"question_index"`
	At            time.Time `json:"at"`
}

// IsSentinel returns true when the turn stands in for a missing answer.
func (t Turn) IsSentinel() bool {
	return t.Speaker == SpeakerCandidate && (t.Text == NoResponseText || t.Text == NotTranscribedText)
}

// Transcript is the ordered, append-only log of turns.
type Transcript []Turn

// Append adds a turn. Question indices never decrease and a candidate turn
// must follow the AI turn for the same question.
func (tr *Transcript) Append(t Turn) error {
	if n := len(*tr); n > 0 {
		last := (*tr)[n-1]
		if t.QuestionIndex < last.QuestionIndex {
			return fmt.Errorf("%w: question %d after %d", ErrTurnOrder, t.QuestionIndex, last.QuestionIndex)
		}
	}
	if t.Speaker == SpeakerCandidate && !tr.asked(t.QuestionIndex) {
		return fmt.Errorf("%w: answer for question %d before it was asked", ErrTurnOrder, t.QuestionIndex)
	}
	*tr = append(*tr, t)
	return nil
}

func (tr Transcript) asked(index int) bool {
	for i := len(tr) - 1; i >= 0; i-- {
		if tr[i].QuestionIndex < index {
			return false
		}
		if tr[i].QuestionIndex == index && tr[i].Speaker == SpeakerAI {
			return true
		}
	}
	return false
}

// Clone returns a copy of the transcript.
func (tr Transcript) Clone() Transcript {
	if tr == nil {
		return nil
	}
	cp := make(Transcript, len(tr))
	copy(cp, tr)
	return cp
}

// Text renders the plain-text form delivered to the collection service.
func (tr Transcript) Text() string {
	var b strings.Builder
	for _, t := range tr {
		switch t.Speaker {
		case SpeakerAI:
			b.WriteString("AI: ")
			b.WriteString(t.Text)
			b.WriteString("\n")
		case SpeakerCandidate:
			b.WriteString("Candidate: ")
			b.WriteString(t.Text)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}
