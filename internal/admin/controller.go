// Package admin drives an event through its lifecycle: creation with
// generated questions, question reveals, reviews, countdowns and the final
// results, all announced to participants over the broadcast bus.
package admin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/singleflight"

	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/domain"
	"mind-matrix/internal/questiongen"
	"mind-matrix/internal/store"
)

const (
	defaultQuestionCount = 10
	questionInsertBatch  = 5
	codeAttempts         = 5
)

// Controller exposes the host-side operations. It is safe for concurrent
// use; the only shared mutable state is the singleflight group that
// deduplicates concurrent leaderboard reads.
type Controller struct {
	store *store.Store
	bus   broadcast.Bus
	gen   questiongen.Generator

	leaderboards singleflight.Group
}

func NewController(st *store.Store, bus broadcast.Bus, gen questiongen.Generator) *Controller {
	return &Controller{store: st, bus: bus, gen: gen}
}

// CreateEventParams configures event creation. Zero values fall back to
// sensible defaults.
type CreateEventParams struct {
	Name               string
	Topic              string
	Difficulty         string
	QuestionCount      int
	TimePerQuestionSec int
}

// CreateEvent generates questions for the topic, then stores the event in
// waiting state together with its question set. Invalid generated drafts
// are dropped; the event's question count reflects what was actually kept.
func (c *Controller) CreateEvent(ctx context.Context, params CreateEventParams) (domain.Event, error) {
	if strings.TrimSpace(params.Name) == "" {
		return domain.Event{}, fmt.Errorf("create event: name is required")
	}
	if params.QuestionCount <= 0 {
		params.QuestionCount = defaultQuestionCount
	}
	if params.TimePerQuestionSec <= 0 {
		params.TimePerQuestionSec = domain.DefaultTimeLimitSec
	}
	topic := params.Topic
	if topic == "" {
		topic = params.Name
	}

	drafts, err := c.gen.Generate(ctx, questiongen.Request{
		Topic:      topic,
		Difficulty: params.Difficulty,
		Count:      params.QuestionCount,
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("create event: %w", err)
	}
	if len(drafts) == 0 {
		return domain.Event{}, fmt.Errorf("create event: generator produced no usable questions")
	}

	event, err := c.insertEvent(ctx, params, topic, len(drafts))
	if err != nil {
		return domain.Event{}, err
	}
	if err := c.insertQuestions(ctx, event.ID, drafts); err != nil {
		// Leave no half-created event behind.
		if purgeErr := c.PurgeEvent(ctx, event.ID); purgeErr != nil {
			log.Printf("[admin] purge after failed creation of %s: %v", event.ID, purgeErr)
		}
		return domain.Event{}, err
	}
	return event, nil
}

// insertEvent retries with a fresh code when the generated one collides.
func (c *Controller) insertEvent(ctx context.Context, params CreateEventParams, topic string, questionCount int) (domain.Event, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		event := domain.Event{
			Code:                 generateCode(params.Name),
			Name:                 strings.TrimSpace(params.Name),
			Topic:                topic,
			Difficulty:           params.Difficulty,
			Status:               domain.EventWaiting,
			CurrentQuestionIndex: -1,
			TimePerQuestionSec:   params.TimePerQuestionSec,
			QuestionCount:        questionCount,
		}
		rec, err := store.Encode(event)
		if err != nil {
			return domain.Event{}, fmt.Errorf("encode event: %w", err)
		}
		inserted, err := c.store.From("events").Insert(ctx, rec)
		if err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				continue
			}
			return domain.Event{}, fmt.Errorf("insert event: %w", err)
		}
		if err := store.Decode(inserted[0], &event); err != nil {
			return domain.Event{}, fmt.Errorf("decode event: %w", err)
		}
		return event, nil
	}
	return domain.Event{}, fmt.Errorf("insert event: could not find a free code in %d attempts", codeAttempts)
}

func (c *Controller) insertQuestions(ctx context.Context, eventID string, drafts []domain.QuestionDraft) error {
	batch := make([]store.Record, 0, questionInsertBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := c.store.From("questions").Insert(ctx, batch...); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for i, d := range drafts {
		rec, err := store.Encode(domain.Question{
			EventID:       eventID,
			OrderIndex:    i,
			Text:          d.Text,
			Options:       d.Options,
			CorrectAnswer: d.CorrectAnswer,
			Explanation:   d.Explanation,
			Category:      d.Category,
		})
		if err != nil {
			return fmt.Errorf("encode question %d: %w", i, err)
		}
		batch = append(batch, rec)
		if len(batch) == questionInsertBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// generateCode builds a join code from the event name's first letters plus
// random digits, uppercase.
func generateCode(name string) string {
	var prefix strings.Builder
	for _, r := range strings.ToUpper(name) {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			prefix.WriteRune(r)
			if prefix.Len() >= 4 {
				break
			}
		}
	}
	if prefix.Len() == 0 {
		prefix.WriteString("QUIZ")
	}
	return fmt.Sprintf("%s%04d", prefix.String(), rand.Intn(10000))
}

// StartEvent activates a waiting event and reveals the first question.
func (c *Controller) StartEvent(ctx context.Context, eventID string) error {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == domain.EventFinished {
		return domain.ErrEventFinished
	}
	if err := c.updateEvent(ctx, eventID, store.Record{
		"status":                 domain.EventActive,
		"current_question_index": 0,
	}); err != nil {
		return err
	}
	event.Status = domain.EventActive
	event.CurrentQuestionIndex = 0

	ch := c.channel(eventID)
	if err := ch.Send(ctx, broadcast.QuestionReveal, revealPayload{QuestionIndex: 0}); err != nil {
		return err
	}
	return ch.Send(ctx, broadcast.EventUpdate, eventUpdatePayload{Status: domain.EventActive, Event: &event})
}

// RevealQuestion moves the event to the given question and announces it.
func (c *Controller) RevealQuestion(ctx context.Context, eventID string, index int) error {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != domain.EventActive {
		return fmt.Errorf("reveal question on %s event: %w", event.Status, domain.ErrEventFinished)
	}
	if index < 0 || index >= event.QuestionCount {
		return fmt.Errorf("reveal question: index %d out of range [0,%d)", index, event.QuestionCount)
	}
	if err := c.updateEvent(ctx, eventID, store.Record{"current_question_index": index}); err != nil {
		return err
	}
	return c.channel(eventID).Send(ctx, broadcast.QuestionReveal, revealPayload{QuestionIndex: index})
}

// ShowReview announces the answer review for the current question and
// pushes fresh standings alongside it.
func (c *Controller) ShowReview(ctx context.Context, eventID string) error {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	ch := c.channel(eventID)
	if err := ch.Send(ctx, broadcast.RoundReview, revealPayload{QuestionIndex: event.CurrentQuestionIndex}); err != nil {
		return err
	}
	return c.sendLeaderboard(ctx, ch, eventID)
}

// StartCountdown announces the countdown to the next question, preceded by
// fresh standings so every screen shows the same scores while waiting.
func (c *Controller) StartCountdown(ctx context.Context, eventID string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("start countdown: seconds must be positive, got %d", seconds)
	}
	ch := c.channel(eventID)
	if err := c.sendLeaderboard(ctx, ch, eventID); err != nil {
		return err
	}
	return ch.Send(ctx, broadcast.NextQuestionCountdown, countdownPayload{Seconds: seconds})
}

// EndEvent finishes the event and announces the final standings. Finishing
// twice is harmless; the terminal state is simply re-published.
func (c *Controller) EndEvent(ctx context.Context, eventID string) error {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if err := c.updateEvent(ctx, eventID, store.Record{"status": domain.EventFinished}); err != nil {
		return err
	}
	event.Status = domain.EventFinished

	ch := c.channel(eventID)
	if err := c.sendLeaderboard(ctx, ch, eventID); err != nil {
		return err
	}
	if err := ch.Send(ctx, broadcast.GameEnd, struct{}{}); err != nil {
		return err
	}
	return ch.Send(ctx, broadcast.EventUpdate, eventUpdatePayload{Status: domain.EventFinished, Event: &event})
}

// Leaderboard returns participants ranked by score, best first. Concurrent
// calls for the same event share one storage read.
func (c *Controller) Leaderboard(ctx context.Context, eventID string) ([]domain.LeaderboardEntry, error) {
	v, err, _ := c.leaderboards.Do(eventID, func() (any, error) {
		records, err := c.store.From("participants").
			Filter("event_id", store.Eq, eventID).
			Order("score", store.Desc).
			Order("name", store.Asc).
			Execute(ctx)
		if err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
		participants, err := store.DecodeAll[domain.Participant](records)
		if err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		entries := make([]domain.LeaderboardEntry, 0, len(participants))
		for _, p := range participants {
			entries = append(entries, domain.LeaderboardEntry{
				ParticipantID: p.ID,
				Name:          p.Name,
				Score:         p.Score,
			})
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.LeaderboardEntry), nil
}

// QuestionStats summarizes the answers to one question.
type QuestionStats struct {
	QuestionID string `json:"question_id"`
	Total      int    `json:"total"`
	Correct    int    `json:"correct"`
	NoAnswer   int    `json:"no_answer"`
	Counts     []int  `json:"counts"` // per option index
}

func (c *Controller) Stats(ctx context.Context, eventID, questionID string) (QuestionStats, error) {
	qRec, err := c.store.From("questions").
		Filter("event_id", store.Eq, eventID).
		Filter("id", store.Eq, questionID).
		MaybeSingle(ctx)
	if err != nil {
		return QuestionStats{}, fmt.Errorf("load question: %w", err)
	}
	if qRec == nil {
		return QuestionStats{}, domain.ErrQuestionNotFound
	}
	var question domain.Question
	if err := store.Decode(qRec, &question); err != nil {
		return QuestionStats{}, fmt.Errorf("decode question: %w", err)
	}

	records, err := c.store.From("answers").
		Filter("question_id", store.Eq, questionID).
		Execute(ctx)
	if err != nil {
		return QuestionStats{}, fmt.Errorf("load answers: %w", err)
	}
	answers, err := store.DecodeAll[domain.Answer](records)
	if err != nil {
		return QuestionStats{}, fmt.Errorf("decode answers: %w", err)
	}

	stats := QuestionStats{
		QuestionID: questionID,
		Counts:     make([]int, len(question.Options)),
	}
	for _, a := range answers {
		stats.Total++
		if a.IsCorrect {
			stats.Correct++
		}
		switch {
		case a.AnswerIndex == domain.NoAnswerIndex:
			stats.NoAnswer++
		case a.AnswerIndex >= 0 && a.AnswerIndex < len(stats.Counts):
			stats.Counts[a.AnswerIndex]++
		}
	}
	return stats, nil
}

// PurgeEvent deletes an event and everything hanging off it, children
// first so a partial failure never orphans rows behind a deleted event.
func (c *Controller) PurgeEvent(ctx context.Context, eventID string) error {
	if _, err := c.store.From("answers").Filter("event_id", store.Eq, eventID).Delete(ctx); err != nil {
		return fmt.Errorf("purge answers: %w", err)
	}
	if _, err := c.store.From("questions").Filter("event_id", store.Eq, eventID).Delete(ctx); err != nil {
		return fmt.Errorf("purge questions: %w", err)
	}
	if _, err := c.store.From("participants").Filter("event_id", store.Eq, eventID).Delete(ctx); err != nil {
		return fmt.Errorf("purge participants: %w", err)
	}
	if _, err := c.store.From("events").Filter("id", store.Eq, eventID).Delete(ctx); err != nil {
		return fmt.Errorf("purge event: %w", err)
	}
	return nil
}

// ExportResultsCSV writes the final standings as CSV: rank, name, player
// id, score, correct answers, total questions.
func (c *Controller) ExportResultsCSV(ctx context.Context, eventID string, w io.Writer) error {
	event, err := c.getEvent(ctx, eventID)
	if err != nil {
		return err
	}
	records, err := c.store.From("participants").
		Filter("event_id", store.Eq, eventID).
		Order("score", store.Desc).
		Order("name", store.Asc).
		Execute(ctx)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	participants, err := store.DecodeAll[domain.Participant](records)
	if err != nil {
		return fmt.Errorf("decode participants: %w", err)
	}

	aRecs, err := c.store.From("answers").Filter("event_id", store.Eq, eventID).Execute(ctx)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	answers, err := store.DecodeAll[domain.Answer](aRecs)
	if err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	correctByParticipant := make(map[string]int)
	for _, a := range answers {
		if a.IsCorrect {
			correctByParticipant[a.ParticipantID]++
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Rank", "Name", "Player ID", "Score", "Correct", "Total"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, p := range participants {
		row := []string{
			strconv.Itoa(i + 1),
			p.Name,
			p.PlayerID,
			domain.FormatScore(p.Score),
			strconv.Itoa(correctByParticipant[p.ID]),
			strconv.Itoa(event.QuestionCount),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (c *Controller) getEvent(ctx context.Context, eventID string) (domain.Event, error) {
	rec, err := c.store.From("events").Filter("id", store.Eq, eventID).MaybeSingle(ctx)
	if err != nil {
		return domain.Event{}, fmt.Errorf("load event: %w", err)
	}
	if rec == nil {
		return domain.Event{}, domain.ErrEventNotFound
	}
	var event domain.Event
	if err := store.Decode(rec, &event); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

func (c *Controller) updateEvent(ctx context.Context, eventID string, patch store.Record) error {
	n, err := c.store.From("events").Filter("id", store.Eq, eventID).Update(ctx, patch)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (c *Controller) channel(eventID string) *broadcast.Channel {
	return broadcast.NewChannel(c.bus, broadcast.EventChannel(eventID))
}

func (c *Controller) sendLeaderboard(ctx context.Context, ch *broadcast.Channel, eventID string) error {
	entries, err := c.Leaderboard(ctx, eventID)
	if err != nil {
		return err
	}
	return ch.Send(ctx, broadcast.LeaderboardUpdate, leaderboardPayload{Leaderboard: entries})
}

type revealPayload struct {
	QuestionIndex int `json:"questionIndex"`
}

type eventUpdatePayload struct {
	Status string        `json:"status"`
	Event  *domain.Event `json:"event,omitempty"`
}

type countdownPayload struct {
	Seconds int `json:"seconds"`
}

type leaderboardPayload struct {
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
}
