// Package scheduler runs one platform's cadence loop: post when due, ingest
// replies, respond within the hourly cap, then sleep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"personago/internal/clock"
	"personago/internal/config"
	"personago/internal/memory"
	"personago/internal/metrics"
	"personago/internal/models"
	"personago/internal/platform"
	"personago/internal/poller"
	"personago/internal/settings"
)

var (
	// ErrSettings marks a failed settings write; the cycle is abandoned.
	ErrSettings = errors.New("settings persistence failed")
	// ErrStorage marks a published post that could not be stored.
	ErrStorage = errors.New("message persistence failed")
)

// State is the loop's position within a cycle.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingDue     State = "checking_due"
	StatePosting         State = "posting"
	StateCheckingReplies State = "checking_replies"
	StateResponding      State = "responding"
	StateSleeping        State = "sleeping"
)

// Generator writes content in the character's voice.
type Generator interface {
	GeneratePost(ctx context.Context, character *config.Character, platform, timeOfDay string) (*models.Generated, error)
	// GenerateResponse returns nil when the message should not be answered.
	GenerateResponse(ctx context.Context, character *config.Character, message *models.Message, conversation []*models.Message) (*models.Generated, error)
}

type ReplySource interface {
	Poll(ctx context.Context, character poller.Character) ([]*models.Message, error)
}

type Assembler interface {
	Assemble(ctx context.Context, conversationID, platform string) ([]*models.Message, error)
}

// Timing holds the loop's fixed waits.
type Timing struct {
	PublishFailureBackoff time.Duration
	ForbiddenBackoff      time.Duration
	ReplyPauseMin         time.Duration
	ReplyPauseMax         time.Duration
	CycleSleepMin         time.Duration
	CycleSleepMax         time.Duration
}

// DefaultTiming returns the production waits.
func DefaultTiming() Timing {
	return Timing{
		PublishFailureBackoff: 30 * time.Second,
		ForbiddenBackoff:      600 * time.Second,
		ReplyPauseMin:         20 * time.Second,
		ReplyPauseMax:         40 * time.Second,
		CycleSleepMin:         20 * time.Second,
		CycleSleepMax:         40 * time.Second,
	}
}

type Deps struct {
	Character *config.Character
	Client    platform.Client
	Messages  *memory.Store
	Settings  *settings.Store
	Generator Generator
	Replies   ReplySource
	Assembler Assembler
	Clock     clock.Clock
	Log       *slog.Logger
}

type Option func(*Scheduler)

func WithTiming(t Timing) Option {
	return func(s *Scheduler) { s.timing = t }
}

// WithRand fixes the source used for shuffling and jitter.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rand = r }
}

// Status is a snapshot for the admin API.
type Status struct {
	Platform     string    `json:"platform"`
	State        State     `json:"state"`
	Cycles       int       `json:"cycles"`
	LastCycleAt  time.Time `json:"last_cycle_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextPostTime time.Time `json:"next_post_time,omitempty"`
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string
	Posted    *models.Message
	Ingested  int
	Responded []*models.Message
	Deferred  []string
}

type Scheduler struct {
	character *config.Character
	client    platform.Client
	messages  *memory.Store
	settings  *settings.Store
	generator Generator
	replies   ReplySource
	assembler Assembler
	clock     clock.Clock
	log       *slog.Logger
	timing    Timing
	wake      chan struct{}

	randMu sync.Mutex
	rand   *rand.Rand

	mu     sync.Mutex
	status Status
}

func New(d Deps, opts ...Option) *Scheduler {
	s := &Scheduler{
		character: d.Character,
		client:    d.Client,
		messages:  d.Messages,
		settings:  d.Settings,
		generator: d.Generator,
		replies:   d.Replies,
		assembler: d.Assembler,
		clock:     d.Clock,
		log:       d.Log,
		timing:    DefaultTiming(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.log = s.log.With("platform", s.client.Name(), "character", s.character.NameID)
	s.status = Status{Platform: s.client.Name(), State: StateIdle}
	return s
}

func (s *Scheduler) Platform() string { return s.client.Name() }

// Handle is the character's author name on this platform.
func (s *Scheduler) Handle() string {
	if h := s.character.Username(s.client.Name()); h != "" {
		return h
	}
	return s.character.NameID
}

// Trigger cuts the current end-of-cycle sleep short.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
}

// Run cycles until ctx is cancelled. Cycle errors are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.setState(StateIdle)
	for {
		if err := s.safeCycle(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("cycle abandoned", "error", err)
		}
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped")
			return nil
		}
		s.sleepCycle(ctx)
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

// safeCycle runs one cycle, turning a panic into an abandoned cycle so the
// loop keeps going.
func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			s.mu.Lock()
			s.status.Cycles++
			s.status.LastError = err.Error()
			s.mu.Unlock()
		}
	}()
	_, err = s.RunCycle(ctx)
	return err
}

// RunCycle performs one pass of the state machine, without the final sleep.
func (s *Scheduler) RunCycle(ctx context.Context) (*Report, error) {
	report := &Report{CycleID: uuid.NewString()}
	log := s.log.With("cycle", report.CycleID)
	start := s.clock.Now()

	err := s.cycle(ctx, log, report)

	metrics.CycleDuration.WithLabelValues(s.client.Name()).Observe(s.clock.Now().Sub(start).Seconds())
	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycleAt = start
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	return report, err
}

func (s *Scheduler) cycle(ctx context.Context, log *slog.Logger, report *Report) error {
	s.setState(StateCheckingDue)
	st, err := s.settings.Get(ctx, s.character.NameID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	now := s.clock.Now()
	next := st.NextPostTime(s.client.Name())
	s.recordNextPost(next, now)

	if !now.Before(next) {
		s.setState(StatePosting)
		msg, err := s.post(ctx, log)
		switch {
		case err == nil:
			report.Posted = msg
		case errors.Is(err, ErrSettings), errors.Is(err, ErrStorage):
			return err
		case errors.Is(err, platform.ErrForbidden), errors.Is(err, platform.ErrTransient):
			log.Warn("publish failed, backing off", "error", err, "backoff", s.timing.PublishFailureBackoff)
			if err := clock.Sleep(ctx, s.clock, s.timing.PublishFailureBackoff); err != nil {
				return err
			}
		default:
			log.Warn("post skipped", "error", err)
		}
	} else {
		log.Info("post not due", "next_post", humanize.RelTime(now, next, "ago", "from now"))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.setState(StateCheckingReplies)
	if !s.character.Responding.Enabled {
		return nil
	}
	fresh, err := s.replies.Poll(ctx, poller.Character{Name: s.character.Name, Handle: s.Handle()})
	report.Ingested = len(fresh)
	if err != nil {
		return err
	}

	s.setState(StateResponding)
	return s.respond(ctx, log, fresh, report)
}

// PostNow generates and publishes one post regardless of the cadence and
// advances next_post_time on success.
func (s *Scheduler) PostNow(ctx context.Context) (*models.Message, error) {
	return s.post(ctx, s.log.With("cycle", "manual"))
}

func (s *Scheduler) post(ctx context.Context, log *slog.Logger) (*models.Message, error) {
	name := s.client.Name()
	gen, err := s.generator.GeneratePost(ctx, s.character, name, "")
	if err != nil {
		return nil, fmt.Errorf("generate post: %w", err)
	}
	if gen == nil || gen.Content == "" {
		return nil, errors.New("generator returned no content")
	}

	var mediaIDs []string
	for _, path := range gen.Media {
		id, err := s.client.UploadMedia(ctx, path)
		if err != nil {
			log.Warn("media upload failed, posting without it", "path", path, "error", err)
			continue
		}
		mediaIDs = append(mediaIDs, id)
	}

	res := s.client.Publish(ctx, platform.PublishRequest{Content: gen.Content, MediaIDs: mediaIDs})
	metrics.PostsPublished.WithLabelValues(name, res.Outcome.String()).Inc()
	if !res.OK() {
		return nil, res.Err
	}

	now := s.clock.Now()
	msg, err := s.messages.Append(ctx, &models.Message{
		ID:             res.ID,
		ConversationID: res.ID,
		Character:      s.character.Name,
		Platform:       name,
		Author:         s.Handle(),
		Content:        gen.Content,
		WenPosted:      now,
	})
	var storeErr error
	if err != nil {
		// the post is live, so the cadence still advances below
		storeErr = fmt.Errorf("%w: store post %s: %w", ErrStorage, res.ID, err)
		log.Error("store published post failed", "id", res.ID, "error", err)
	}

	hours := s.character.PostFrequencyHours(name)
	next := now.Add(time.Duration(hours * float64(time.Hour)))
	if _, err := s.settings.Mutate(ctx, s.character.NameID, func(st settings.Settings) error {
		st.SetNextPostTime(name, next)
		return nil
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrSettings, err), storeErr)
	}
	s.recordNextPost(next, now)
	if storeErr != nil {
		return nil, storeErr
	}
	log.Info("post published", "id", res.ID, "media", len(mediaIDs), "next_post", humanize.RelTime(now, next, "ago", "from now"))
	return msg, nil
}

func (s *Scheduler) recordNextPost(next, now time.Time) {
	metrics.NextPostSeconds.WithLabelValues(s.client.Name()).Set(next.Sub(now).Seconds())
	s.mu.Lock()
	s.status.NextPostTime = next
	s.mu.Unlock()
}
