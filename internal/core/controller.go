package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mirai-compass/internal/catalog"
	"mirai-compass/internal/metrics"
	"mirai-compass/pkg"
)

// ErrClosed is returned by operations on a controller that has been closed.
var ErrClosed = errors.New("conversation closed")

// subscriberBufferSize is the channel buffer for each snapshot subscriber.
const subscriberBufferSize = 16

// Options configures a Controller.  Zero values select the defaults.
type Options struct {
	ID            string
	GreetingDelay time.Duration
	QuestionDelay time.Duration
	Scheduler     Scheduler
	Logger        *zerolog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Controller runs one questionnaire conversation.  All state is owned by a
// single goroutine that drains the events channel; public methods, timer
// continuations and the diagnosis completion post closures onto it.  The busy
// flag gates every user operation.
type Controller struct {
	id        string
	questions []pkg.Question
	requester Requester
	opts      Options
	log       zerolog.Logger

	events   chan func()
	quit     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	// owned by the loop goroutine
	generation int
	version    int
	pointer    int
	phase      pkg.Phase
	busy       bool
	transcript []pkg.Message
	answers    []pkg.Answer
	draft      string
	selections []string
	timer      Timer
	requested  bool

	subMu sync.Mutex
	subs  map[string]chan pkg.Snapshot
}

// NewController validates the questionnaire and starts the controller's event
// loop.  The conversation itself begins with Start.
func NewController(questions []pkg.Question, requester Requester, opts Options) (*Controller, error) {
	if err := catalog.Validate(questions); err != nil {
		return nil, err
	}
	if requester == nil {
		return nil, errors.New("core: nil diagnosis requester")
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = WallClock
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:        opts.ID,
		questions: questions,
		requester: requester,
		opts:      opts,
		log:       l.With().Str("conversation_id", opts.ID).Logger(),
		events:    make(chan func()),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		pointer:   -1,
		phase:     pkg.PhaseNotStarted,
		subs:      make(map[string]chan pkg.Snapshot),
	}
	go c.run()
	return c, nil
}

// ID returns the conversation id.
func (c *Controller) ID() string { return c.id }

// Start begins the greeting sequence.  Calling it on a conversation that has
// already started does nothing.
func (c *Controller) Start() (pkg.Snapshot, error) {
	return c.apply(func() {
		if c.phase != pkg.PhaseNotStarted || c.busy || len(c.transcript) > 0 {
			return
		}
		c.begin()
	})
}

// SubmitFreeText submits typed text.  Empty text with a non-empty selection
// buffer confirms the selection instead.
func (c *Controller) SubmitFreeText(text string) (pkg.Snapshot, error) {
	return c.apply(func() {
		if strings.TrimSpace(text) != "" {
			c.submitAnswer(text)
			return
		}
		if len(c.selections) > 0 {
			c.submitAnswer(strings.Join(c.selections, SelectionSeparator))
			return
		}
		c.ignored("empty submission")
	})
}

// UpdateDraft stores the text currently typed but not yet sent.
func (c *Controller) UpdateDraft(text string) (pkg.Snapshot, error) {
	return c.apply(func() {
		if !c.acceptingInput() {
			c.ignored("draft while not accepting input")
			return
		}
		if c.draft != text {
			c.draft = text
			c.version++
		}
	})
}

// ToggleOption handles a click on one of the current question's options.  A
// single-select question is answered immediately; a multi-select question
// adds or removes the label from the selection buffer.
func (c *Controller) ToggleOption(label string) (pkg.Snapshot, error) {
	return c.apply(func() {
		if !c.acceptingInput() {
			c.ignored("option while not accepting input")
			return
		}
		q := c.questions[c.pointer]
		if !q.HasOption(label) {
			c.ignored("unknown option")
			return
		}
		if !q.MultiSelect {
			c.submitAnswer(label)
			return
		}
		c.toggle(label)
	})
}

// ConfirmSelection submits the multi-select buffer joined with
// SelectionSeparator.
func (c *Controller) ConfirmSelection() (pkg.Snapshot, error) {
	return c.apply(func() {
		if len(c.selections) == 0 {
			c.ignored("confirm with empty selection")
			return
		}
		c.submitAnswer(strings.Join(c.selections, SelectionSeparator))
	})
}

// Reset discards the transcript and answers and replays the greeting.  A
// pending timer is stopped; a pending diagnosis still completes but its
// result is dropped.
func (c *Controller) Reset() (pkg.Snapshot, error) {
	return c.apply(func() {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.generation++
		c.pointer = -1
		c.phase = pkg.PhaseNotStarted
		c.busy = false
		c.transcript = nil
		c.answers = nil
		c.draft = ""
		c.selections = nil
		c.requested = false
		c.version++
		c.opts.Metrics.RecordReset()
		c.log.Info().Int("generation", c.generation).Msg("conversation reset")
		c.begin()
	})
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() (pkg.Snapshot, error) {
	var s pkg.Snapshot
	if !c.do(func() { s = c.snapshot() }) {
		return pkg.Snapshot{}, ErrClosed
	}
	return s, nil
}

// Subscribe returns a channel that receives the current snapshot and then a
// new snapshot after every state change.  Slow subscribers miss updates
// rather than block the conversation.  The channel is closed when ctx is
// cancelled or the controller is closed.
func (c *Controller) Subscribe(ctx context.Context) (<-chan pkg.Snapshot, error) {
	subID := uuid.New().String()
	ch := make(chan pkg.Snapshot, subscriberBufferSize)
	ok := c.do(func() {
		c.subMu.Lock()
		c.subs[subID] = ch
		c.subMu.Unlock()
		ch <- c.snapshot()
	})
	if !ok {
		return nil, ErrClosed
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.quit:
		}
		c.unsubscribe(subID)
	}()
	return ch, nil
}

// Close stops the event loop and cancels an in-flight diagnosis request.
// Further operations return ErrClosed.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.cancel()
		c.subMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
	})
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.  It must never be
// called from the loop itself.
func (c *Controller) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(done) }:
	case <-c.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

// mutate runs fn on the loop and publishes a snapshot if it changed state.
func (c *Controller) mutate(fn func()) bool {
	return c.do(func() {
		before := c.version
		fn()
		if c.version != before {
			c.publish()
		}
	})
}

func (c *Controller) apply(fn func()) (pkg.Snapshot, error) {
	var s pkg.Snapshot
	if !c.mutate(func() { fn(); s = c.snapshot() }) {
		return pkg.Snapshot{}, ErrClosed
	}
	return s, nil
}

// begin enters NotStarted with the greeting pending.
func (c *Controller) begin() {
	c.busy = true
	c.version++
	c.opts.Metrics.RecordStart()
	c.log.Debug().Msg("greeting scheduled")
	c.schedule(c.opts.GreetingDelay, func() {
		c.appendMessage(pkg.SenderAssistant, GreetingMessage, false)
		c.appendMessage(pkg.SenderAssistant, IntroMessage, false)
		c.enter(0)
	})
}

// enter moves the pointer to i and either schedules question i or, once every
// question is answered, starts the diagnosis.
func (c *Controller) enter(i int) {
	c.pointer = i
	c.version++
	if i >= len(c.questions) {
		c.diagnose()
		return
	}
	c.phase = pkg.PhaseAwaitingAnswer
	c.busy = true
	q := c.questions[i]
	c.schedule(c.opts.QuestionDelay, func() {
		c.appendMessage(pkg.SenderAssistant, fmt.Sprintf("%s. %s", q.ID, q.Text), false)
		c.busy = false
		c.log.Debug().Str("question_id", q.ID).Msg("question asked")
	})
}

// schedule runs fn on the loop after d unless the conversation was reset in
// the meantime.
func (c *Controller) schedule(d time.Duration, fn func()) {
	gen := c.generation
	c.timer = c.opts.Scheduler.AfterFunc(d, func() {
		c.mutate(func() {
			if c.generation != gen {
				return
			}
			c.timer = nil
			c.version++
			fn()
		})
	})
}

// submitAnswer is the single funnel for every kind of answer.
func (c *Controller) submitAnswer(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || c.busy || c.pointer < 0 || c.pointer >= len(c.questions) {
		c.ignored("submission rejected")
		return
	}
	q := c.questions[c.pointer]
	c.appendMessage(pkg.SenderUser, trimmed, false)
	c.answers = append(c.answers, pkg.Answer{
		QuestionID:    q.ID,
		QuestionText:  q.Text,
		AnswerText:    trimmed,
		AnswerIndices: []int{},
	})
	c.draft = ""
	c.selections = nil
	c.opts.Metrics.RecordAnswer(q.ID)
	c.log.Debug().Str("question_id", q.ID).Int("answered", len(c.answers)).Msg("answer recorded")
	c.enter(c.pointer + 1)
}

func (c *Controller) toggle(label string) {
	for i, s := range c.selections {
		if s == label {
			c.selections = append(c.selections[:i:i], c.selections[i+1:]...)
			c.version++
			return
		}
	}
	c.selections = append(c.selections, label)
	c.version++
}

// diagnose appends the wait message and requests the diagnosis exactly once
// per generation.
func (c *Controller) diagnose() {
	if c.requested {
		return
	}
	c.requested = true
	c.phase = pkg.PhaseDiagnosing
	c.appendMessage(pkg.SenderAssistant, WaitMessage, false)
	c.busy = true

	answers := make([]pkg.Answer, len(c.answers))
	copy(answers, c.answers)
	gen := c.generation
	ctx := c.ctx
	c.log.Info().Int("answers", len(answers)).Msg("requesting diagnosis")

	go func() {
		start := time.Now()
		text, err := c.requester.RequestDiagnosis(ctx, answers)
		elapsed := time.Since(start)
		c.mutate(func() {
			if c.generation != gen {
				c.log.Debug().Int("generation", gen).Msg("dropping diagnosis from before reset")
				return
			}
			c.finishDiagnosis(text, err, elapsed)
		})
	}()
}

func (c *Controller) finishDiagnosis(text string, err error, elapsed time.Duration) {
	c.busy = false
	c.version++
	switch {
	case err == nil:
		c.phase = pkg.PhaseDone
		c.appendMessage(pkg.SenderAssistant, text, true)
		c.opts.Metrics.RecordDiagnosis(metrics.OutcomeSuccess, elapsed)
		c.log.Info().Dur("duration", elapsed).Msg("diagnosis completed")
	case errors.Is(err, ErrConfiguration):
		c.phase = pkg.PhaseFailed
		c.appendMessage(pkg.SenderAssistant, ConfigurationMessage, false)
		c.opts.Metrics.RecordDiagnosis(metrics.OutcomeConfiguration, elapsed)
		c.log.Error().Err(err).Msg("diagnosis not attempted")
	default:
		c.phase = pkg.PhaseFailed
		c.appendMessage(pkg.SenderAssistant, ApologyMessage, false)
		c.opts.Metrics.RecordDiagnosis(metrics.OutcomeCommunication, elapsed)
		c.log.Error().Err(err).Dur("duration", elapsed).Msg("diagnosis failed")
	}
}

func (c *Controller) appendMessage(sender pkg.Sender, text string, isDiagnosis bool) {
	c.transcript = append(c.transcript, pkg.Message{
		ID:          uuid.New().String(),
		Sender:      sender,
		Text:        text,
		IsDiagnosis: isDiagnosis,
		CreatedAt:   c.opts.Now(),
	})
	c.version++
}

func (c *Controller) acceptingInput() bool {
	return !c.busy && c.pointer >= 0 && c.pointer < len(c.questions)
}

func (c *Controller) ignored(reason string) {
	c.log.Debug().Str("reason", reason).Int("pointer", c.pointer).Bool("busy", c.busy).Msg("input ignored")
}

func (c *Controller) snapshot() pkg.Snapshot {
	s := pkg.Snapshot{
		ConversationID: c.id,
		Phase:          c.phase,
		Pointer:        c.pointer,
		TotalQuestions: len(c.questions),
		Busy:           c.busy,
		Transcript:     make([]pkg.Message, len(c.transcript)),
		Answers:        make([]pkg.Answer, len(c.answers)),
		Draft:          c.draft,
		Selections:     make([]string, len(c.selections)),
	}
	copy(s.Transcript, c.transcript)
	copy(s.Answers, c.answers)
	copy(s.Selections, c.selections)
	if c.pointer >= 0 && c.pointer < len(c.questions) {
		q := c.questions[c.pointer]
		q.Options = append([]string(nil), q.Options...)
		s.CurrentQuestion = &q
		s.CanConfirm = !c.busy && q.MultiSelect && len(c.selections) > 0 && strings.TrimSpace(c.draft) == ""
	}
	return s
}

func (c *Controller) publish() {
	s := c.snapshot()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- s:
		default:
			c.log.Debug().Str("sub_id", id).Msg("dropped snapshot for slow subscriber")
		}
	}
}

func (c *Controller) unsubscribe(subID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[subID]; ok {
		close(ch)
		delete(c.subs, subID)
	}
}
