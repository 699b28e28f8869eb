package domain

import "errors"

var (
	// ErrEventNotFound is returned when an event code cannot be resolved.
	ErrEventNotFound = errors.New("event not found")
	// ErrEventFinished rejects joins against an event that already ended.
	ErrEventFinished = errors.New("event has already finished")
	// ErrDuplicateJoin rejects a second registration for the same
	// (event, player id) pair, whichever side of the insert race loses.
	ErrDuplicateJoin = errors.New("player id already joined this event")
	// ErrDuplicateAnswer rejects a second answer for the same question.
	ErrDuplicateAnswer = errors.New("question already answered")
	// ErrParticipantNotFound is returned when a player acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in event")
	// ErrQuestionNotFound indicates a question index outside the event's set.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidDraft marks a generated question that failed validation.
	ErrInvalidDraft = errors.New("invalid question draft")
)
