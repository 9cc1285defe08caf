// Package scheduler drives the search, pick, reply and wait loop.
//
// The loop is an explicit state machine stepped by a single goroutine.
// Every blocking wait goes through a Clock so cancellation interrupts it
// and tests can run the machine on fake time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/replyrun/internal/config"
	"github.com/sawpanic/replyrun/internal/ledger"
	"github.com/sawpanic/replyrun/internal/metrics"
	"github.com/sawpanic/replyrun/internal/platform"
)

// Service is the slice of the platform API the loop needs
type Service interface {
	Search(ctx context.Context, query string, limit int) ([]platform.Post, error)
	Reply(ctx context.Context, text, inReplyTo string) (string, error)
}

// TagResolver supplies the optional tag appended to each reply
type TagResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// SingleShotMaxErrors bounds retries of a single-shot run when
// MaxConsecutiveErrors is left at 0
const SingleShotMaxErrors = 3

// Config holds the loop parameters, all derived from the loaded configuration
type Config struct {
	Mode                 config.Mode
	Query                string
	PageSize             int
	Texts                []string
	ReplyInterval        time.Duration
	SearchInterval       time.Duration
	SafetyMargin         time.Duration
	CallTimeout          time.Duration
	MaxConsecutiveErrors int
}

// ConfigFrom extracts the loop parameters from a validated configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Mode:                 cfg.Mode,
		Query:                cfg.Query,
		PageSize:             cfg.PageSize,
		Texts:                append([]string(nil), cfg.Texts...),
		ReplyInterval:        cfg.ReplyInterval(),
		SearchInterval:       cfg.SearchInterval(),
		SafetyMargin:         cfg.SafetyMargin,
		CallTimeout:          cfg.Platform.CallTimeout,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}
}

// Snapshot is a point-in-time view of the loop for the status endpoint
type Snapshot struct {
	State         string    `json:"state"`
	Cycle         string    `json:"cycle,omitempty"`
	Mode          string    `json:"mode"`
	Replies       int       `json:"replies"`
	LedgerSize    int       `json:"ledger_size"`
	LastPostID    string    `json:"last_post_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	WakeAt        time.Time `json:"wake_at,omitempty"`
}

// Option customises a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithRand sets the source used to pick reply texts
func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rand = r } }

// WithLogger replaces the global zerolog logger
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics records calls, transitions and waits on m
func WithMetrics(m *metrics.Registry) Option { return func(s *Scheduler) { s.metrics = m } }

// WithTags appends the resolved tag to every reply
func WithTags(t TagResolver) Option { return func(s *Scheduler) { s.tags = t } }

// Scheduler is the poll/act state machine. Step and Run must be called
// from one goroutine; Snapshot is safe from any.
type Scheduler struct {
	cfg     Config
	service Service
	ledger  ledger.Ledger
	tags    TagResolver
	clock   Clock
	rand    *rand.Rand
	logger  zerolog.Logger
	metrics *metrics.Registry

	state     State
	resume    State // where RateLimited and ErrorBackoff return to
	cycle     string
	queue     []platform.Post
	candidate string
	rejected  map[string]struct{} // refused by the platform this run, never recorded
	tag       string
	wait      time.Duration
	reason    string
	failures  int
	replies   int

	mu   sync.Mutex
	snap Snapshot
}

// New builds a scheduler in the Idle state. An empty text pool is a
// ConfigError and no call is ever attempted.
func New(cfg Config, service Service, l ledger.Ledger, opts ...Option) (*Scheduler, error) {
	if len(cfg.Texts) == 0 {
		return nil, &config.ConfigError{Field: "texts", Reason: "reply text pool is empty"}
	}
	if cfg.Mode != config.ModeSingleShot && cfg.Mode != config.ModeContinuous {
		return nil, &config.ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
	if service == nil || l == nil {
		return nil, errors.New("scheduler needs a platform service and a ledger")
	}

	s := &Scheduler{
		cfg:      cfg,
		service:  service,
		ledger:   l,
		clock:    RealClock(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   log.Logger,
		state:    StateIdle,
		rejected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.snap = Snapshot{State: s.state.String(), Mode: string(cfg.Mode), LedgerSize: l.Len()}
	if s.metrics != nil {
		s.metrics.LedgerSize.Set(float64(l.Len()))
	}
	return s, nil
}

// State returns the current state
func (s *Scheduler) State() State { return s.state }

// Replies returns the number of replies sent by this scheduler
func (s *Scheduler) Replies() int { return s.replies }

// Snapshot returns a copy of the latest published status
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Run steps the machine until it terminates or ctx is cancelled. Both end
// with a nil error. A non-nil error is fatal: a ledger write failed after a
// reply was sent, or the consecutive error limit was reached.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Str("mode", string(s.cfg.Mode)).
		Str("query", s.cfg.Query).
		Dur("reply_interval", s.cfg.ReplyInterval).
		Dur("search_interval", s.cfg.SearchInterval).
		Int("ledger_size", s.ledger.Len()).
		Msg("Reply loop starting")

	for s.state != StateTerminated {
		if ctx.Err() != nil {
			s.logger.Info().Str("state", s.state.String()).Int("replies", s.replies).Msg("Shutdown requested, stopping reply loop")
			return nil
		}
		if err := s.Step(ctx); err != nil {
			s.logger.Error().Err(err).Str("state", s.state.String()).Msg("Reply loop aborted")
			return err
		}
	}

	s.logger.Info().Int("replies", s.replies).Msg("Reply loop finished")
	return nil
}

// Step performs the action of the current state and moves to the next one
func (s *Scheduler) Step(ctx context.Context) error {
	switch s.state {
	case StateIdle:
		s.cycle = uuid.NewString()
		s.transition(StateSearching)
		return nil
	case StateSearching:
		return s.search(ctx)
	case StateEvaluating:
		s.evaluate()
		return nil
	case StateReplying:
		return s.reply(ctx)
	case StateWaiting, StateRateLimited, StateErrorBackoff:
		return s.sleep(ctx)
	case StateTerminated:
		return nil
	default:
		return fmt.Errorf("scheduler in unknown state %d", s.state)
	}
}

func (s *Scheduler) search(ctx context.Context) error {
	s.resolveTag(ctx)

	callCtx, cancel := s.callContext(ctx)
	posts, err := s.service.Search(callCtx, s.cfg.Query, s.cfg.PageSize)
	cancel()
	s.recordCall(platform.EndpointSearch, err)
	if err != nil {
		s.queue = nil
		return s.fail(ctx, StateSearching, err)
	}

	s.failures = 0
	s.queue = posts
	s.logger.Info().Str("cycle", s.cycle).Int("results", len(posts)).Msg("Search completed")
	s.transition(StateEvaluating)
	return nil
}

// resolveTag refreshes the reply tag. Failure only drops the tag.
func (s *Scheduler) resolveTag(ctx context.Context) {
	if s.tags == nil {
		return
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	tag, err := s.tags.Resolve(callCtx)
	if err != nil {
		s.logger.Warn().Err(err).Str("cycle", s.cycle).Msg("Tag lookup failed, replying without tag")
		s.tag = ""
		return
	}
	s.tag = tag
}

// evaluate takes the first result that was neither replied to nor
// refused earlier in this run.
func (s *Scheduler) evaluate() {
	for len(s.queue) > 0 {
		post := s.queue[0]
		s.queue = s.queue[1:]

		if s.ledger.Contains(post.ID) {
			s.logger.Debug().Str("post_id", post.ID).Msg("Already replied, skipping")
			if s.metrics != nil {
				s.metrics.Skipped.Inc()
			}
			continue
		}
		if _, ok := s.rejected[post.ID]; ok {
			continue
		}

		s.candidate = post.ID
		s.transition(StateReplying)
		return
	}

	s.queue = nil
	if s.cfg.Mode == config.ModeSingleShot {
		s.logger.Info().Str("cycle", s.cycle).Msg("No unreplied post found")
		s.transition(StateTerminated)
		return
	}
	s.waitFor(s.cfg.SearchInterval, reasonSearchInterval, StateWaiting)
}

func (s *Scheduler) reply(ctx context.Context) error {
	id := s.candidate

	// The ledger may have grown since evaluation (e.g. a RateLimited retry)
	if s.ledger.Contains(id) {
		s.candidate = ""
		s.transition(StateEvaluating)
		return nil
	}

	text := s.pickText()
	callCtx, cancel := s.callContext(ctx)
	replyID, err := s.service.Reply(callCtx, text, id)
	cancel()
	s.recordCall(platform.EndpointReply, err)

	if err != nil {
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) {
			// The platform refused this post; retrying it would fail the same way
			s.rejected[id] = struct{}{}
			s.candidate = ""
		}
		return s.fail(ctx, StateReplying, err)
	}

	// Recording must not be interrupted by shutdown once the reply exists
	if err := s.ledger.Record(context.WithoutCancel(ctx), id); err != nil {
		s.publishError(err)
		return fmt.Errorf("reply %s to post %s sent but not recorded: %w", replyID, id, err)
	}

	s.failures = 0
	s.replies++
	s.candidate = ""
	s.logger.Info().
		Str("cycle", s.cycle).
		Str("post_id", id).
		Str("reply_id", replyID).
		Str("text", text).
		Int("replies", s.replies).
		Msg("Replied")

	s.mu.Lock()
	s.snap.Replies = s.replies
	s.snap.LastPostID = id
	s.snap.LedgerSize = s.ledger.Len()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.LedgerSize.Set(float64(s.ledger.Len()))
	}

	if s.cfg.Mode == config.ModeSingleShot {
		s.transition(StateTerminated)
		return nil
	}
	s.waitFor(s.cfg.ReplyInterval, reasonReplyInterval, StateWaiting)
	return nil
}

// fail routes a failed call from state from. Rate limits wait for the
// reset and never count as errors; everything else backs off and counts
// towards MaxConsecutiveErrors.
func (s *Scheduler) fail(ctx context.Context, from State, err error) error {
	if ctx.Err() != nil {
		// Cancelled mid-call; Run notices and stops
		return nil
	}
	s.publishError(err)

	var rl *platform.RateLimitError
	if errors.As(err, &rl) {
		wait := RateLimitWait(s.clock.Now(), rl.Reset, s.cfg.SafetyMargin, s.cfg.SearchInterval)
		s.logger.Warn().
			Str("cycle", s.cycle).
			Str("state", from.String()).
			Bool("local", rl.Local).
			Time("reset", rl.Reset).
			Dur("wait", wait).
			Msg("Rate limited")
		s.resume = from
		s.waitFor(wait, reasonRateLimit, StateRateLimited)
		return nil
	}

	s.failures++
	s.logger.Warn().
		Err(err).
		Str("cycle", s.cycle).
		Str("state", from.String()).
		Str("kind", platform.Kind(err)).
		Int("consecutive", s.failures).
		Msg("Call failed, backing off")

	var apiErr *platform.APIError
	if s.cfg.Mode == config.ModeSingleShot && from == StateSearching && errors.As(err, &apiErr) {
		return fmt.Errorf("search refused, nothing to do in single-shot mode: %w", err)
	}
	if limit := s.errorLimit(); limit > 0 && s.failures >= limit {
		return fmt.Errorf("giving up after %d consecutive errors: %w", s.failures, err)
	}

	s.resume = from
	if from == StateReplying && s.candidate == "" {
		// candidate was refused; pick another from what is left
		s.resume = StateEvaluating
	}
	s.waitFor(s.cfg.SearchInterval, reasonBackoff, StateErrorBackoff)
	return nil
}

// errorLimit is the consecutive error budget. Single-shot runs are always
// bounded so a cron invocation cannot outlive the next one.
func (s *Scheduler) errorLimit() int {
	if s.cfg.MaxConsecutiveErrors == 0 && s.cfg.Mode == config.ModeSingleShot {
		return SingleShotMaxErrors
	}
	return s.cfg.MaxConsecutiveErrors
}

// RateLimitWait is the delay before retrying after a rate limit: until the
// reset plus margin, or fallback plus margin when no reset is known.
func RateLimitWait(now, reset time.Time, margin, fallback time.Duration) time.Duration {
	if reset.IsZero() {
		return fallback + margin
	}
	wait := reset.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait + margin
}

func (s *Scheduler) waitFor(d time.Duration, reason string, next State) {
	s.wait = d
	s.reason = reason
	wake := s.clock.Now().Add(d)

	s.mu.Lock()
	s.snap.WakeAt = wake
	s.mu.Unlock()

	s.transition(next)
}

func (s *Scheduler) sleep(ctx context.Context) error {
	s.logger.Info().
		Str("cycle", s.cycle).
		Str("reason", s.reason).
		Dur("wait", s.wait).
		Msg("Waiting")
	if s.metrics != nil {
		s.metrics.RecordWait(s.reason, s.wait)
	}

	if err := s.clock.Sleep(ctx, s.wait); err != nil {
		// ctx is done; Run exits on the next iteration
		return nil
	}

	s.mu.Lock()
	s.snap.WakeAt = time.Time{}
	s.mu.Unlock()

	switch s.state {
	case StateRateLimited, StateErrorBackoff:
		s.transition(s.resume)
	default:
		if len(s.queue) > 0 {
			s.transition(StateEvaluating)
		} else {
			s.transition(StateIdle)
		}
	}
	return nil
}

func (s *Scheduler) pickText() string {
	text := s.cfg.Texts[s.rand.Intn(len(s.cfg.Texts))]
	if s.tag != "" {
		text += " " + s.tag
	}
	return text
}

func (s *Scheduler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func (s *Scheduler) transition(next State) {
	prev := s.state
	s.state = next

	s.logger.Info().
		Str("cycle", s.cycle).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("State transition")
	if s.metrics != nil {
		s.metrics.RecordTransition(prev.String(), next.String())
	}

	s.mu.Lock()
	s.snap.State = next.String()
	s.snap.Cycle = s.cycle
	s.mu.Unlock()
}

func (s *Scheduler) recordCall(endpoint string, err error) {
	if s.metrics == nil {
		return
	}
	result := platform.Kind(err)
	if err == nil {
		result = "ok"
	}
	s.metrics.RecordCall(endpoint, result)
}

func (s *Scheduler) publishError(err error) {
	s.mu.Lock()
	s.snap.LastError = err.Error()
	s.snap.LastErrorKind = platform.Kind(err)
	s.mu.Unlock()
}
