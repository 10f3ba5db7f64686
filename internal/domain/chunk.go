package domain

import "time"

// MediaChunk is one time slice of the recorded stream.
type MediaChunk struct {
	SessionID     string    `json:"session_id"`
	SequenceIndex int       `json:"sequence_index"`
	Payload       []byte    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// QuestionSet is the ordered list of interview questions.
type QuestionSet []string

// NewQuestionSet copies qs so later mutation of the source has no effect.
func NewQuestionSet(qs []string) QuestionSet {
	out := make(QuestionSet, len(qs))
	copy(out, qs)
	return out
}

// Len returns the number of questions.
func (q QuestionSet) Len() int { return len(q) }
