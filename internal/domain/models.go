package domain

import "fmt"

// Event statuses.
const (
	EventWaiting  = "waiting"
	EventActive   = "active"
	EventFinished = "finished"
)

// NoAnswerIndex is the sentinel answer index recorded when the question
// timer expires with no option selected.
const NoAnswerIndex = -1

// Event is one scheduled trivia session with its own code, question set,
// and participant roster. Created by the admin; mutated only through admin
// control actions; immutable once finished.
type Event struct {
	ID                   string `json:"id"`
	Code                 string `json:"code"` // unique, stored uppercase
	Name                 string `json:"name"`
	Topic                string `json:"topic"`
	Difficulty           string `json:"difficulty"`
	Status               string `json:"status"`
	CurrentQuestionIndex int    `json:"current_question_index"` // -1 before the first reveal
	TimePerQuestionSec   int    `json:"time_per_question"`
	QuestionCount        int    `json:"question_count"`
}

// Participant is one registered player in an event. At most one participant
// exists per (event_id, player_id); the score field is the accumulator
// mutated through the atomic-increment path only.
type Participant struct {
	ID       string  `json:"id"`
	EventID  string  `json:"event_id"`
	PlayerID string  `json:"player_id"` // unique per event, stored uppercase
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
}

// Question is an MCQ question within an event, immutable after creation.
type Question struct {
	ID            string   `json:"id"`
	EventID       string   `json:"event_id"`
	OrderIndex    int      `json:"order_index"` // unique per event, defines sequence
	Text          string   `json:"question_text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"` // index into Options
	Explanation   string   `json:"explanation"`
	Category      string   `json:"category"`
}

// Answer records one participant's response to one question. At most one
// answer exists per (participant_id, question_id); never mutated.
type Answer struct {
	EventID        string  `json:"event_id"`
	ParticipantID  string  `json:"participant_id"`
	QuestionID     string  `json:"question_id"`
	AnswerIndex    int     `json:"answer_index"`
	IsCorrect      bool    `json:"is_correct"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	Score          float64 `json:"score"`
}

// LeaderboardEntry is a derived view over participants, never stored.
type LeaderboardEntry struct {
	ParticipantID string  `json:"participant_id"`
	Name          string  `json:"name"`
	Score         float64 `json:"score"`
}

// QuestionDraft is a generated question candidate before it is accepted
// into an event.
type QuestionDraft struct {
	Text          string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
	Category      string   `json:"category"`
}

// Validate rejects malformed drafts. Invalid drafts are dropped from a
// generated batch, never defaulted.
func (d QuestionDraft) Validate() error {
	if d.Text == "" {
		return fmt.Errorf("%w: empty question text", ErrInvalidDraft)
	}
	if len(d.Options) < 2 {
		return fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidDraft, len(d.Options))
	}
	if d.CorrectAnswer < 0 || d.CorrectAnswer >= len(d.Options) {
		return fmt.Errorf("%w: correct_answer %d out of range", ErrInvalidDraft, d.CorrectAnswer)
	}
	return nil
}
