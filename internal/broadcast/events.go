package broadcast

// Event types carried over a game channel.
const (
	EventUpdate           = "event_update"
	QuestionReveal        = "question_reveal"
	RoundReview           = "round_review"
	LeaderboardUpdate     = "leaderboard_update"
	NextQuestionCountdown = "next_question_countdown"
	GameEnd               = "game_end"
)

// EventChannel names the channel for one trivia event.
func EventChannel(eventID string) string {
	return "event-" + eventID
}
