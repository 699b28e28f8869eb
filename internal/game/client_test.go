package game

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/domain"
	"mind-matrix/internal/infra/memory"
	"mind-matrix/internal/store"
)

type testEnv struct {
	store *store.Store
	bus   *memory.Bus
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		store: store.New(memory.NewBackend(store.DefaultConstraints())),
		bus:   memory.NewBus(),
		clock: clockwork.NewFakeClock(),
	}
}

func (e *testEnv) newClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(e.store, e.bus, WithClock(e.clock))
	t.Cleanup(c.Close)
	return c
}

func (e *testEnv) seedEvent(t *testing.T, ev domain.Event, questions ...domain.Question) domain.Event {
	t.Helper()
	ctx := context.Background()
	rec, err := store.Encode(ev)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	inserted, err := e.store.From("events").Insert(ctx, rec)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := store.Decode(inserted[0], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	for i, q := range questions {
		q.EventID = ev.ID
		q.OrderIndex = i
		qRec, err := store.Encode(q)
		if err != nil {
			t.Fatalf("encode question: %v", err)
		}
		if _, err := e.store.From("questions").Insert(ctx, qRec); err != nil {
			t.Fatalf("insert question: %v", err)
		}
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func twoQuestions() []domain.Question {
	return []domain.Question{
		{Text: "2+2?", Options: []string{"3", "4", "5"}, CorrectAnswer: 1},
		{Text: "capital of France?", Options: []string{"Paris", "Lyon"}, CorrectAnswer: 0},
	}
}

func TestJoinHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "QUIZME", Status: domain.EventWaiting,
		CurrentQuestionIndex: -1, TimePerQuestionSec: 30,
	}, twoQuestions()...)

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "  quizme ", "alice", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if state.Phase != PhaseWaiting {
		t.Fatalf("phase = %s", state.Phase)
	}
	if state.Participant.PlayerID != "ALICE" {
		t.Fatalf("player id not normalized: %q", state.Participant.PlayerID)
	}
	if len(state.Questions) != 2 || state.Questions[0].OrderIndex != 0 {
		t.Fatalf("questions not loaded in order: %+v", state.Questions)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "NOPE", "alice", "Alice"); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestJoinFinishedEvent(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{Code: "OVER", Status: domain.EventFinished})
	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "over", "alice", "Alice"); !errors.Is(err, domain.ErrEventFinished) {
		t.Fatalf("err = %v, want ErrEventFinished", err)
	}
}

func TestJoinDuplicatePlayer(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{Code: "TWICE", Status: domain.EventWaiting, CurrentQuestionIndex: -1})

	first := env.newClient(t)
	if _, err := first.Join(context.Background(), "TWICE", "alice", "Alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	second := env.newClient(t)
	if _, err := second.Join(context.Background(), "twice", "ALICE", "Alice"); !errors.Is(err, domain.ErrDuplicateJoin) {
		t.Fatalf("err = %v, want ErrDuplicateJoin", err)
	}
}

// The pre-check can miss a racing insert; the storage constraint still has
// to turn the collision into ErrDuplicateJoin.
func TestJoinRaceFallsBackToConstraint(t *testing.T) {
	env := newTestEnv(t)
	ev := env.seedEvent(t, domain.Event{Code: "RACE", Status: domain.EventWaiting, CurrentQuestionIndex: -1})

	racing := &racingBackend{Backend: memory.NewBackend(store.DefaultConstraints())}
	st := store.New(racing)
	seed, _ := store.Encode(ev)
	if _, err := st.From("events").Insert(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	racing.onList = func(collection string) {
		// Sneak the same registration in between pre-check and insert.
		if collection == "participants" && !racing.raced {
			racing.raced = true
			rec, _ := store.Encode(domain.Participant{EventID: ev.ID, PlayerID: "ALICE", Name: "other tab"})
			if _, err := racing.Backend.Insert(context.Background(), "participants", []store.Record{rec}); err != nil {
				t.Errorf("racing insert: %v", err)
			}
		}
	}

	c := NewClient(st, env.bus, WithClock(env.clock))
	t.Cleanup(c.Close)
	if _, err := c.Join(context.Background(), "RACE", "alice", "Alice"); !errors.Is(err, domain.ErrDuplicateJoin) {
		t.Fatalf("err = %v, want ErrDuplicateJoin", err)
	}
}

type racingBackend struct {
	*memory.Backend
	onList func(collection string)
	raced  bool
}

func (b *racingBackend) List(ctx context.Context, collection string, filters []store.Filter) ([]store.Record, error) {
	out, err := b.Backend.List(ctx, collection, filters)
	if b.onList != nil {
		b.onList(collection)
	}
	return out, err
}

func TestJoinMidGameCatchesUp(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "LIVE", Status: domain.EventActive,
		CurrentQuestionIndex: 1, TimePerQuestionSec: 15,
	}, twoQuestions()...)

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "LIVE", "bob", "Bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if state.Phase != PhaseActive || state.CurrentIndex != 1 {
		t.Fatalf("phase %s index %d, want active question 1", state.Phase, state.CurrentIndex)
	}
	if state.TimeLeft != 15 {
		t.Fatalf("time left = %d", state.TimeLeft)
	}
}

func TestSubmitScoresAndPersistsOnce(t *testing.T) {
	env := newTestEnv(t)
	ev := env.seedEvent(t, domain.Event{
		Code: "SCORE", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "SCORE", "alice", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	env.clock.Advance(900 * time.Millisecond)
	if err := c.Submit(context.Background(), 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 900ms of a 10s window scores 9.1.
	state = c.State()
	if state.RoundScore != 9.1 || state.TotalScore != 9.1 {
		t.Fatalf("round %v total %v, want 9.1", state.RoundScore, state.TotalScore)
	}
	if !state.Submitted {
		t.Fatal("state not marked submitted")
	}

	// A repeat submit is a no-op both locally and in storage.
	if err := c.Submit(context.Background(), 0); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	answers, err := c.store.From("answers").
		Filter("participant_id", store.Eq, state.Participant.ID).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("stored %d answers, want 1", len(answers))
	}

	pRec, err := c.store.From("participants").
		Filter("event_id", store.Eq, ev.ID).
		Filter("player_id", store.Eq, "ALICE").
		Single(context.Background())
	if err != nil {
		t.Fatalf("load participant: %v", err)
	}
	var p domain.Participant
	if err := store.Decode(pRec, &p); err != nil {
		t.Fatalf("decode participant: %v", err)
	}
	if p.Score != 9.1 {
		t.Fatalf("stored score = %v, want 9.1", p.Score)
	}
}

func TestSubmitWrongAnswerScoresZero(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "WRONG", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "WRONG", "alice", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Submit(context.Background(), 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	state := c.State()
	if state.RoundScore != 0 || state.TotalScore != 0 {
		t.Fatalf("wrong answer scored %v", state.RoundScore)
	}
	if state.History[0].IsCorrect || state.History[0].Score != 0 {
		t.Fatalf("answer row = %+v", state.History[0])
	}
}

func TestSubmitRacingDuplicateSurfacesError(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "DUPE", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "DUPE", "alice", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Another session already stored an answer for this question.
	rival, _ := store.Encode(domain.Answer{
		EventID:       state.Event.ID,
		ParticipantID: state.Participant.ID,
		QuestionID:    state.Questions[0].ID,
		AnswerIndex:   0,
	})
	if _, err := c.store.From("answers").Insert(context.Background(), rival); err != nil {
		t.Fatalf("rival insert: %v", err)
	}

	if err := c.Submit(context.Background(), 1); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("err = %v, want ErrDuplicateAnswer", err)
	}
}

func TestTimeoutAutoSubmitsNoAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "SLOW", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 2,
	}, twoQuestions()...)

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "SLOW", "alice", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	env.clock.BlockUntil(1)
	env.clock.Advance(time.Second)
	waitFor(t, "first tick", func() bool { return c.State().TimeLeft == 1 })
	env.clock.Advance(time.Second)
	waitFor(t, "auto-submit", func() bool { return c.State().Submitted })

	answers, err := c.store.From("answers").
		Filter("participant_id", store.Eq, state.Participant.ID).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("stored %d answers, want 1", len(answers))
	}
	var a domain.Answer
	if err := store.Decode(answers[0], &a); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if a.AnswerIndex != domain.NoAnswerIndex || a.IsCorrect || a.Score != 0 {
		t.Fatalf("timeout answer = %+v", a)
	}
}

func TestTimeoutSubmitsSelectedAnswer(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "PICKED", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 1,
	}, twoQuestions()...)

	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "PICKED", "alice", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Select(1)

	env.clock.BlockUntil(1)
	env.clock.Advance(time.Second)
	waitFor(t, "auto-submit", func() bool { return c.State().Submitted })

	state := c.State()
	if len(state.History) != 1 || state.History[0].AnswerIndex != 1 || !state.History[0].IsCorrect {
		t.Fatalf("history = %+v", state.History)
	}
}

func TestBroadcastDrivesTheSession(t *testing.T) {
	env := newTestEnv(t)
	ev := env.seedEvent(t, domain.Event{
		Code: "DRIVEN", Status: domain.EventWaiting,
		CurrentQuestionIndex: -1, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "DRIVEN", "alice", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	admin := broadcast.NewChannel(env.bus, broadcast.EventChannel(ev.ID))
	ctx := context.Background()

	send := func(eventType string, payload any) {
		t.Helper()
		if err := admin.Send(ctx, eventType, payload); err != nil {
			t.Fatalf("send %s: %v", eventType, err)
		}
	}

	send(broadcast.QuestionReveal, map[string]any{"questionIndex": 0})
	waitFor(t, "question 0", func() bool {
		s := c.State()
		return s.Phase == PhaseActive && s.CurrentIndex == 0
	})

	if err := c.Submit(ctx, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	send(broadcast.RoundReview, map[string]any{})
	waitFor(t, "review", func() bool { return c.State().Phase == PhaseReview })

	send(broadcast.LeaderboardUpdate, map[string]any{
		"leaderboard": []domain.LeaderboardEntry{{Name: "Alice", Score: 10}},
	})
	waitFor(t, "leaderboard", func() bool { return len(c.State().Leaderboard) == 1 })

	send(broadcast.QuestionReveal, map[string]any{"questionIndex": 1})
	waitFor(t, "question 1", func() bool {
		s := c.State()
		return s.Phase == PhaseActive && s.CurrentIndex == 1 && !s.Submitted
	})

	send(broadcast.GameEnd, map[string]any{})
	waitFor(t, "game end", func() bool { return c.State().Phase == PhaseFinished })
}

func TestLateJoinerSkipsInitialSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ev := env.seedEvent(t, domain.Event{
		Code: "SNAP", Status: domain.EventWaiting,
		CurrentQuestionIndex: -1, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	// A reveal published before anyone subscribes sits in the channel
	// record. Joining must not replay it as a fresh event.
	admin := broadcast.NewChannel(env.bus, broadcast.EventChannel(ev.ID))
	if err := admin.Send(context.Background(), broadcast.QuestionReveal, map[string]any{"questionIndex": 0}); err != nil {
		t.Fatalf("send: %v", err)
	}

	c := env.newClient(t)
	state, err := c.Join(context.Background(), "SNAP", "carol", "Carol")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if state.Phase != PhaseWaiting || state.CurrentIndex != -1 {
		t.Fatalf("initial snapshot replayed: phase %s index %d", state.Phase, state.CurrentIndex)
	}
}

func TestCountdownTicksDown(t *testing.T) {
	env := newTestEnv(t)
	ev := env.seedEvent(t, domain.Event{
		Code: "TICK", Status: domain.EventWaiting,
		CurrentQuestionIndex: -1, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "TICK", "dave", "Dave"); err != nil {
		t.Fatalf("join: %v", err)
	}

	admin := broadcast.NewChannel(env.bus, broadcast.EventChannel(ev.ID))
	if err := admin.Send(context.Background(), broadcast.NextQuestionCountdown, map[string]any{"seconds": 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "countdown set", func() bool { return c.State().Countdown == 3 })

	env.clock.BlockUntil(1)
	env.clock.Advance(time.Second)
	waitFor(t, "countdown 2", func() bool { return c.State().Countdown == 2 })
	env.clock.Advance(time.Second)
	waitFor(t, "countdown 1", func() bool { return c.State().Countdown == 1 })
	env.clock.Advance(time.Second)
	waitFor(t, "countdown 0", func() bool { return c.State().Countdown == 0 })
}

func TestOnChangeSnapshots(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "WATCH", Status: domain.EventWaiting,
		CurrentQuestionIndex: -1, TimePerQuestionSec: 10,
	}, twoQuestions()...)

	snapshots := make(chan State, 16)
	c := NewClient(env.store, env.bus, WithClock(env.clock), WithOnChange(func(s State) {
		select {
		case snapshots <- s:
		default:
		}
	}))
	t.Cleanup(c.Close)

	if _, err := c.Join(context.Background(), "WATCH", "erin", "Erin"); err != nil {
		t.Fatalf("join: %v", err)
	}
	select {
	case s := <-snapshots:
		if s.Phase != PhaseWaiting {
			t.Fatalf("first snapshot phase = %s", s.Phase)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after join")
	}
}

// A subscribe failure after the mid-game catch-up must not leave the
// question timer running: a session that never joined has no business
// ticking down and auto-submitting answers.
func TestJoinSubscribeFailureStopsTimers(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{
		Code: "DEAF", Status: domain.EventActive,
		CurrentQuestionIndex: 0, TimePerQuestionSec: 2,
	}, twoQuestions()...)

	c := NewClient(env.store, &failingWatchBus{Bus: env.bus}, WithClock(env.clock))
	t.Cleanup(c.Close)
	if _, err := c.Join(context.Background(), "DEAF", "gail", "Gail"); err == nil {
		t.Fatal("join succeeded with a broken watch")
	}
	if got := c.State().Phase; got != PhaseIdle {
		t.Fatalf("phase after failed join = %s", got)
	}

	env.clock.Advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	answers, err := env.store.From("answers").Execute(context.Background())
	if err != nil {
		t.Fatalf("list answers: %v", err)
	}
	if len(answers) != 0 {
		t.Fatalf("dead session persisted %d answers", len(answers))
	}
}

type failingWatchBus struct {
	*memory.Bus
}

func (b *failingWatchBus) Watch(context.Context, string) (<-chan struct{}, func(), error) {
	return nil, nil, errors.New("watch refused")
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedEvent(t, domain.Event{Code: "BYE", Status: domain.EventWaiting, CurrentQuestionIndex: -1})
	c := env.newClient(t)
	if _, err := c.Join(context.Background(), "BYE", "fred", "Fred"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Close()
	c.Close()
	if got := c.State().Phase; got != PhaseIdle {
		t.Fatalf("phase after close = %s", got)
	}
}
