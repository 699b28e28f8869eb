package game

import (
	"time"

	"mind-matrix/internal/domain"
)

// Phase is the participant-visible game phase. Review is a sub-mode of an
// active round, reachable only while a question is on screen.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseWaiting  Phase = "waiting"
	PhaseActive   Phase = "active"
	PhaseReview   Phase = "review"
	PhaseFinished Phase = "finished"
)

// State is everything one participant knows about the game. It is owned by
// a single Client and only ever changed through reduce, so every timer tick
// and broadcast handler sees the latest state, never a stale captured copy.
type State struct {
	Phase       Phase               `json:"phase"`
	Event       *domain.Event       `json:"event,omitempty"`
	Participant *domain.Participant `json:"participant,omitempty"`
	Questions   []domain.Question   `json:"questions,omitempty"`

	CurrentIndex      int       `json:"current_question_index"`
	Selected          int       `json:"selected_answer"`
	Submitted         bool      `json:"answer_submitted"`
	QuestionStartedAt time.Time `json:"question_started_at"`
	TimeLeft          int       `json:"time_left"`

	RoundScore float64         `json:"round_score"`
	TotalScore float64         `json:"total_score"`
	History    []domain.Answer `json:"answers"`

	Leaderboard []domain.LeaderboardEntry `json:"leaderboard,omitempty"`
	Countdown   int                       `json:"next_question_countdown"`
}

func newState() State {
	return State{
		Phase:        PhaseIdle,
		CurrentIndex: -1,
		Selected:     domain.NoAnswerIndex,
	}
}

// CurrentQuestion returns the question on screen, if any.
func (s State) CurrentQuestion() *domain.Question {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return nil
	}
	q := s.Questions[s.CurrentIndex]
	return &q
}

func (s State) answered(questionID string) bool {
	for _, a := range s.History {
		if a.QuestionID == questionID {
			return true
		}
	}
	return false
}

// Actions form a tagged union consumed by reduce.
type action interface{ isAction() }

type joined struct {
	event       domain.Event
	participant domain.Participant
	questions   []domain.Question
}

type showQuestion struct {
	index int
	at    time.Time
}

type selectAnswer struct{ index int }

// answerRecorded is the local effect of a submission; persistence happens
// outside the reducer.
type answerRecorded struct{ answer domain.Answer }

type setStatus struct{ status string }
type updateEvent struct{ event domain.Event }
type setReview struct{}
type setLeaderboard struct{ entries []domain.LeaderboardEntry }
type setCountdown struct{ seconds int }
type tickCountdown struct{}
type tick struct{}
type finish struct{}
type reset struct{}

func (joined) isAction()         {}
func (showQuestion) isAction()   {}
func (selectAnswer) isAction()   {}
func (answerRecorded) isAction() {}
func (setStatus) isAction()      {}
func (updateEvent) isAction()    {}
func (setReview) isAction()      {}
func (setLeaderboard) isAction() {}
func (setCountdown) isAction()   {}
func (tickCountdown) isAction()  {}
func (tick) isAction()           {}
func (finish) isAction()         {}
func (reset) isAction()          {}

// reduce is the pure transition function. The second return value reports
// whether anything changed; callers use it to decide side effects such as
// (re)arming timers. Broadcast replay must be idempotent: a duplicate
// showQuestion for the current or an already-answered question returns the
// state untouched and, critically, changed=false so no timer is re-armed
// and no score is counted twice.
func reduce(s State, a action) (State, bool) {
	switch a := a.(type) {
	case joined:
		event := a.event
		participant := a.participant
		s = newState()
		s.Phase = PhaseWaiting
		s.Event = &event
		s.Participant = &participant
		s.Questions = a.questions
		return s, true

	case showQuestion:
		if a.index < 0 || a.index >= len(s.Questions) {
			return s, false
		}
		if s.answered(s.Questions[a.index].ID) {
			return s, false
		}
		if a.index == s.CurrentIndex {
			return s, false
		}
		s.Phase = PhaseActive
		s.CurrentIndex = a.index
		s.Selected = domain.NoAnswerIndex
		s.Submitted = false
		s.QuestionStartedAt = a.at
		s.RoundScore = 0
		s.TimeLeft = s.timePerQuestion()
		s.Countdown = 0
		return s, true

	case selectAnswer:
		if s.Phase != PhaseActive || s.Submitted {
			return s, false
		}
		q := s.CurrentQuestion()
		if q == nil || a.index < 0 || a.index >= len(q.Options) {
			return s, false
		}
		s.Selected = a.index
		return s, true

	case answerRecorded:
		s.Submitted = true
		s.RoundScore = a.answer.Score
		s.TotalScore += a.answer.Score
		s.History = append(append([]domain.Answer(nil), s.History...), a.answer)
		return s, true

	case setStatus:
		switch a.status {
		case domain.EventWaiting:
			s.Phase = PhaseWaiting
		case domain.EventActive:
			s.Phase = PhaseActive
		case domain.EventFinished:
			return reduce(s, finish{})
		default:
			return s, false
		}
		return s, true

	case updateEvent:
		event := a.event
		s.Event = &event
		return s, true

	case setReview:
		if s.Phase == PhaseReview {
			return s, false
		}
		s.Phase = PhaseReview
		return s, true

	case setLeaderboard:
		s.Leaderboard = a.entries
		return s, true

	case setCountdown:
		s.Countdown = a.seconds
		return s, true

	case tickCountdown:
		if s.Countdown <= 0 {
			return s, false
		}
		s.Countdown--
		return s, true

	case tick:
		if s.Phase != PhaseActive || s.Submitted || s.TimeLeft <= 0 {
			return s, false
		}
		s.TimeLeft--
		return s, true

	case finish:
		s.Phase = PhaseFinished
		s.Countdown = 0
		return s, true

	case reset:
		return newState(), true
	}
	return s, false
}

func (s State) timePerQuestion() int {
	if s.Event != nil && s.Event.TimePerQuestionSec > 0 {
		return s.Event.TimePerQuestionSec
	}
	return domain.DefaultTimeLimitSec
}
