// Package game holds the per-participant game session: a pure state machine
// plus the Client that drives it from storage, broadcasts and timers.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/domain"
	"mind-matrix/internal/store"
)

// Client is one participant's live session. All state changes flow through
// the reducer under a single mutex; broadcast handlers and timer ticks
// therefore always act on the latest state.
type Client struct {
	store    *store.Store
	bus      broadcast.Bus
	clock    clockwork.Clock
	onChange func(State)

	mu              sync.Mutex
	state           State
	channel         *broadcast.Channel
	questionTicker  *tickerHandle
	countdownTicker *tickerHandle
}

// Option configures a Client.
type Option func(*Client)

// WithClock substitutes the wall clock, used by tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithOnChange registers a snapshot callback invoked after every state
// change. The callback must not call back into the Client.
func WithOnChange(fn func(State)) Option {
	return func(c *Client) { c.onChange = fn }
}

func NewClient(st *store.Store, bus broadcast.Bus, opts ...Option) *Client {
	c := &Client{
		store: st,
		bus:   bus,
		clock: clockwork.NewRealClock(),
		state: newState(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a snapshot of the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join registers the player in the event identified by code and subscribes
// to its broadcast channel. Codes and player ids are case-insensitive. The
// pre-check for an existing registration gives a friendly error in the
// common case; the storage uniqueness constraint is what actually decides
// races, surfacing as ErrDuplicateJoin here too.
func (c *Client) Join(ctx context.Context, code, playerID, name string) (State, error) {
	c.teardown()

	code = strings.ToUpper(strings.TrimSpace(code))
	playerID = strings.ToUpper(strings.TrimSpace(playerID))
	name = strings.TrimSpace(name)
	if code == "" || playerID == "" {
		return c.State(), fmt.Errorf("join: code and player id are required")
	}
	if name == "" {
		name = playerID
	}

	rec, err := c.store.From("events").Filter("code", store.Eq, code).MaybeSingle(ctx)
	if err != nil {
		return c.State(), fmt.Errorf("look up event %s: %w", code, err)
	}
	if rec == nil {
		return c.State(), domain.ErrEventNotFound
	}
	var event domain.Event
	if err := store.Decode(rec, &event); err != nil {
		return c.State(), fmt.Errorf("decode event: %w", err)
	}
	if event.Status == domain.EventFinished {
		return c.State(), domain.ErrEventFinished
	}

	existing, err := c.store.From("participants").
		Filter("event_id", store.Eq, event.ID).
		Filter("player_id", store.Eq, playerID).
		MaybeSingle(ctx)
	if err != nil {
		return c.State(), fmt.Errorf("check registration: %w", err)
	}
	if existing != nil {
		return c.State(), domain.ErrDuplicateJoin
	}

	pRec, err := store.Encode(domain.Participant{
		EventID:  event.ID,
		PlayerID: playerID,
		Name:     name,
	})
	if err != nil {
		return c.State(), fmt.Errorf("encode participant: %w", err)
	}
	inserted, err := c.store.From("participants").Insert(ctx, pRec)
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return c.State(), domain.ErrDuplicateJoin
		}
		return c.State(), fmt.Errorf("register participant: %w", err)
	}
	var participant domain.Participant
	if err := store.Decode(inserted[0], &participant); err != nil {
		return c.State(), fmt.Errorf("decode participant: %w", err)
	}

	qRecs, err := c.store.From("questions").
		Filter("event_id", store.Eq, event.ID).
		Order("order_index", store.Asc).
		Execute(ctx)
	if err != nil {
		return c.State(), fmt.Errorf("load questions: %w", err)
	}
	questions, err := store.DecodeAll[domain.Question](qRecs)
	if err != nil {
		return c.State(), fmt.Errorf("decode questions: %w", err)
	}

	c.dispatch(joined{event: event, participant: participant, questions: questions})

	// Catch up before subscribing: a game already in progress shows its
	// current question immediately instead of waiting for the next reveal.
	if event.Status == domain.EventActive && event.CurrentQuestionIndex >= 0 {
		c.showQuestion(event.CurrentQuestionIndex)
	}

	ch := broadcast.NewChannel(c.bus, broadcast.EventChannel(event.ID))
	ch.On(broadcast.EventUpdate, c.onEventUpdate).
		On(broadcast.QuestionReveal, c.onQuestionReveal).
		On(broadcast.RoundReview, c.onRoundReview).
		On(broadcast.LeaderboardUpdate, c.onLeaderboardUpdate).
		On(broadcast.NextQuestionCountdown, c.onCountdown).
		On(broadcast.GameEnd, c.onGameEnd)
	if err := ch.Subscribe(ctx); err != nil {
		// The catch-up above may already have armed the question timer;
		// a session that failed to join must not keep ticking or submit.
		c.teardown()
		return c.State(), fmt.Errorf("subscribe to %s: %w", ch.Name(), err)
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	return c.State(), nil
}

// Select marks an option without submitting it. A no-op outside an active
// unanswered question.
func (c *Client) Select(index int) {
	c.dispatch(selectAnswer{index: index})
}

// Submit locks in the answer for the current question, scores it locally
// and persists the answer row and the score increment in parallel. Repeat
// submissions for the same question are no-ops. A persistence failure is
// returned to the caller but never rolls back the locally visible score.
func (c *Client) Submit(ctx context.Context, answerIndex int) error {
	c.mu.Lock()
	s := c.state
	q := s.CurrentQuestion()
	if s.Phase != PhaseActive || q == nil || s.Submitted || s.answered(q.ID) {
		c.mu.Unlock()
		return nil
	}

	responseMs := c.clock.Now().Sub(s.QuestionStartedAt).Milliseconds()
	correct := answerIndex >= 0 && answerIndex == q.CorrectAnswer
	answer := domain.Answer{
		EventID:        s.Event.ID,
		ParticipantID:  s.Participant.ID,
		QuestionID:     q.ID,
		AnswerIndex:    answerIndex,
		IsCorrect:      correct,
		ResponseTimeMs: responseMs,
		Score:          domain.Score(responseMs, correct, s.Event.TimePerQuestionSec),
	}
	c.state, _ = reduce(c.state, answerRecorded{answer: answer})
	c.mu.Unlock()

	c.stopQuestionTicker()
	c.notify()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rec, err := store.Encode(answer)
		if err != nil {
			return fmt.Errorf("encode answer: %w", err)
		}
		if _, err := c.store.From("answers").Insert(gctx, rec); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return domain.ErrDuplicateAnswer
			}
			return fmt.Errorf("save answer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return c.addScore(gctx, answer.ParticipantID, answer.Score)
	})
	if err := g.Wait(); err != nil {
		log.Printf("[game] persist answer for participant %s: %v", answer.ParticipantID, err)
		return err
	}
	return nil
}

// addScore prefers the backend's atomic add; backends without one fall back
// to read-then-write, accepting the small lost-update window.
func (c *Client) addScore(ctx context.Context, participantID string, amount float64) error {
	if amount == 0 {
		return nil
	}
	_, err := c.store.AtomicIncrement(ctx, "participants", participantID, "score", amount)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrIncrementUnsupported) {
		return fmt.Errorf("increment score: %w", err)
	}
	rec, err := c.store.From("participants").Filter("id", store.Eq, participantID).Single(ctx)
	if err != nil {
		return fmt.Errorf("read score for fallback: %w", err)
	}
	var p domain.Participant
	if err := store.Decode(rec, &p); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}
	_, err = c.store.From("participants").
		Filter("id", store.Eq, participantID).
		Update(ctx, store.Record{"score": p.Score + amount})
	if err != nil {
		return fmt.Errorf("write score for fallback: %w", err)
	}
	return nil
}

// Close tears down the subscription and all timers. Safe to call more than
// once; must not be called from inside a broadcast handler.
func (c *Client) Close() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	ch := c.channel
	qt, ct := c.questionTicker, c.countdownTicker
	c.channel, c.questionTicker, c.countdownTicker = nil, nil, nil
	c.state, _ = reduce(c.state, reset{})
	c.mu.Unlock()
	if ch != nil {
		ch.Unsubscribe()
	}
	if qt != nil {
		qt.stop()
	}
	if ct != nil {
		ct.stop()
	}
}

// dispatch runs one action through the reducer and notifies on change.
func (c *Client) dispatch(a action) bool {
	c.mu.Lock()
	next, changed := reduce(c.state, a)
	if changed {
		c.state = next
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return changed
}

func (c *Client) notify() {
	if c.onChange != nil {
		c.onChange(c.State())
	}
}

// showQuestion transitions to the given question and arms the countdown
// timer. When the reducer reports no change, the reveal was a replay or a
// duplicate and no timer is touched.
func (c *Client) showQuestion(index int) {
	c.mu.Lock()
	next, changed := reduce(c.state, showQuestion{index: index, at: c.clock.Now()})
	if !changed {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.stopCountdownTicker()
	c.startQuestionTicker()
	c.notify()
}

func (c *Client) onQuestionTick() {
	if !c.dispatch(tick{}) {
		return
	}
	c.mu.Lock()
	expired := c.state.Phase == PhaseActive && !c.state.Submitted && c.state.TimeLeft <= 0
	selected := c.state.Selected
	c.mu.Unlock()
	if !expired {
		return
	}
	if err := c.Submit(context.Background(), selected); err != nil {
		log.Printf("[game] auto-submit on timeout: %v", err)
	}
}

func (c *Client) onCountdownTick() {
	if !c.dispatch(tickCountdown{}) {
		c.stopCountdownTicker()
		return
	}
	c.mu.Lock()
	done := c.state.Countdown <= 0
	c.mu.Unlock()
	if done {
		c.stopCountdownTicker()
	}
}

// Broadcast handlers. Payload shapes mirror what the admin controller sends.

func (c *Client) onEventUpdate(payload json.RawMessage) {
	var body struct {
		Status string        `json:"status"`
		Event  *domain.Event `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[game] bad event_update payload: %v", err)
		return
	}
	if body.Event != nil {
		c.dispatch(updateEvent{event: *body.Event})
	}
	if body.Status != "" {
		c.dispatch(setStatus{status: body.Status})
		if body.Status == domain.EventFinished {
			c.stopQuestionTicker()
			c.stopCountdownTicker()
		}
	}
}

func (c *Client) onQuestionReveal(payload json.RawMessage) {
	var body struct {
		QuestionIndex int `json:"questionIndex"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[game] bad question_reveal payload: %v", err)
		return
	}
	c.showQuestion(body.QuestionIndex)
}

func (c *Client) onRoundReview(json.RawMessage) {
	c.dispatch(setReview{})
	c.stopQuestionTicker()
}

func (c *Client) onLeaderboardUpdate(payload json.RawMessage) {
	var body struct {
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[game] bad leaderboard_update payload: %v", err)
		return
	}
	c.dispatch(setLeaderboard{entries: body.Leaderboard})
}

func (c *Client) onCountdown(payload json.RawMessage) {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		log.Printf("[game] bad next_question_countdown payload: %v", err)
		return
	}
	if !c.dispatch(setCountdown{seconds: body.Seconds}) {
		return
	}
	if body.Seconds > 0 {
		c.startCountdownTicker()
	} else {
		c.stopCountdownTicker()
	}
}

func (c *Client) onGameEnd(json.RawMessage) {
	c.dispatch(finish{})
	c.stopQuestionTicker()
	c.stopCountdownTicker()
}

// tickerHandle pairs a clock ticker with its drain goroutine's stop signal.
type tickerHandle struct {
	ticker   clockwork.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (h *tickerHandle) stop() {
	h.stopOnce.Do(func() {
		h.ticker.Stop()
		close(h.stopCh)
	})
}

func (c *Client) startQuestionTicker() {
	h := &tickerHandle{ticker: c.clock.NewTicker(time.Second), stopCh: make(chan struct{})}
	c.mu.Lock()
	old := c.questionTicker
	c.questionTicker = h
	c.mu.Unlock()
	if old != nil {
		old.stop()
	}
	go c.runTicker(h, c.onQuestionTick)
}

func (c *Client) startCountdownTicker() {
	h := &tickerHandle{ticker: c.clock.NewTicker(time.Second), stopCh: make(chan struct{})}
	c.mu.Lock()
	old := c.countdownTicker
	c.countdownTicker = h
	c.mu.Unlock()
	if old != nil {
		old.stop()
	}
	go c.runTicker(h, c.onCountdownTick)
}

func (c *Client) stopQuestionTicker() {
	c.mu.Lock()
	h := c.questionTicker
	c.questionTicker = nil
	c.mu.Unlock()
	if h != nil {
		h.stop()
	}
}

func (c *Client) stopCountdownTicker() {
	c.mu.Lock()
	h := c.countdownTicker
	c.countdownTicker = nil
	c.mu.Unlock()
	if h != nil {
		h.stop()
	}
}

func (c *Client) runTicker(h *tickerHandle, fn func()) {
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.ticker.Chan():
			fn()
		}
	}
}
