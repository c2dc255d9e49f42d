package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"personago/internal/clock"
	"personago/internal/memory"
	"personago/internal/metrics"
	"personago/internal/models"
	"personago/internal/platform"
	"personago/internal/settings"
)

// respond answers fresh replies and previously deferred ones in random
// order. Replies beyond the hourly cap, and those whose publish failed
// transiently, are deferred to the next cycle.
func (s *Scheduler) respond(ctx context.Context, log *slog.Logger, fresh []*models.Message, report *Report) error {
	name := s.client.Name()
	st, err := s.settings.Get(ctx, s.character.NameID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	candidates := s.candidates(ctx, log, st.DeferredReplies(name), fresh)
	s.randMu.Lock()
	s.rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	s.randMu.Unlock()

	limit := s.character.Responding.ResponsesAnHour
	var deferred []string
loop:
	for i, msg := range candidates {
		if err := ctx.Err(); err != nil {
			deferred = append(deferred, ids(candidates[i:])...)
			break loop
		}
		now := s.clock.Now()
		if st.RepliesThisHour(name, now) >= limit {
			rest := ids(candidates[i:])
			log.Info("hourly response cap reached, deferring", "cap", limit, "deferred", len(rest))
			deferred = append(deferred, rest...)
			break loop
		}

		sent, outcome := s.respondTo(ctx, log, msg)
		switch outcome {
		case platform.OutcomeOK:
			if sent != nil {
				report.Responded = append(report.Responded, sent)
				// charge the hour the reply went out in, not the one it was picked in
				published := s.clock.Now()
				st, err = s.settings.Mutate(ctx, s.character.NameID, func(cur settings.Settings) error {
					cur.RecordReply(name, published)
					return nil
				})
				if err != nil {
					return fmt.Errorf("%w: %w", ErrSettings, err)
				}
			}
		case platform.OutcomeTransient:
			deferred = append(deferred, msg.ID)
		case platform.OutcomeForbidden:
			log.Warn("platform refused response, cooling down", "reply_id", msg.ID, "backoff", s.timing.ForbiddenBackoff)
			if err := clock.Sleep(ctx, s.clock, s.timing.ForbiddenBackoff); err != nil {
				deferred = append(deferred, ids(candidates[i+1:])...)
				break loop
			}
		}

		if i < len(candidates)-1 && ctx.Err() == nil {
			if err := clock.Sleep(ctx, s.clock, s.jitter(s.timing.ReplyPauseMin, s.timing.ReplyPauseMax)); err != nil {
				deferred = append(deferred, ids(candidates[i+1:])...)
				break loop
			}
		}
	}

	report.Deferred = deferred
	// the write must outlive a cancelled cycle so deferred replies are not lost
	if _, err := s.settings.Mutate(context.WithoutCancel(ctx), s.character.NameID, func(cur settings.Settings) error {
		cur.SetDeferredReplies(name, deferred)
		return nil
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return ctx.Err()
}

// candidates merges deferred ids with the fresh replies, dropping flagged
// messages and replies the character already answered.
func (s *Scheduler) candidates(ctx context.Context, log *slog.Logger, deferred []string, fresh []*models.Message) []*models.Message {
	seen := map[string]struct{}{}
	var out []*models.Message
	add := func(m *models.Message) {
		if m == nil || m.Flagged || m.Author == s.Handle() {
			return
		}
		if _, ok := seen[m.ID]; ok {
			return
		}
		seen[m.ID] = struct{}{}
		if s.answered(ctx, m.ID) {
			return
		}
		out = append(out, m)
	}
	for _, id := range deferred {
		m, err := s.messages.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, memory.ErrNotFound) {
				log.Warn("load deferred reply failed", "id", id, "error", err)
			}
			continue
		}
		add(m)
	}
	for _, m := range fresh {
		add(m)
	}
	return out
}

func (s *Scheduler) answered(ctx context.Context, id string) bool {
	existing, err := s.messages.Query(ctx, memory.Filter{
		Platform:   s.client.Name(),
		Author:     s.Handle(),
		ResponseTo: id,
		Flagged:    memory.FlaggedAny,
		Limit:      1,
	})
	return err == nil && len(existing) > 0
}

// respondTo handles one reply. A nil message with OutcomeOK means nothing was sent.
func (s *Scheduler) respondTo(ctx context.Context, log *slog.Logger, msg *models.Message) (*models.Message, platform.Outcome) {
	name := s.client.Name()
	log = log.With("reply_id", msg.ID, "author", msg.Author)

	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = msg.ID
	}
	conversation, err := s.assembler.Assemble(ctx, conversationID, name)
	if err != nil {
		log.Warn("assemble conversation failed, using the reply alone", "error", err)
		conversation = []*models.Message{msg}
	}

	gen, err := s.generator.GenerateResponse(ctx, s.character, msg, conversation)
	if err != nil {
		log.Warn("generate response failed", "error", err)
		return nil, platform.OutcomeOK
	}
	if gen == nil || gen.Content == "" {
		log.Info("response suppressed")
		return nil, platform.OutcomeOK
	}

	res := s.client.Publish(ctx, platform.PublishRequest{Content: gen.Content, InReplyTo: msg.ID})
	metrics.ResponsesPublished.WithLabelValues(name, res.Outcome.String()).Inc()
	if !res.OK() {
		log.Warn("publish response failed", "outcome", res.Outcome.String(), "error", res.Err)
		return nil, res.Outcome
	}

	sent := &models.Message{
		ID:             res.ID,
		ConversationID: conversationID,
		Character:      s.character.Name,
		Platform:       name,
		Author:         s.Handle(),
		Content:        gen.Content,
		ResponseTo:     msg.ID,
		WenPosted:      s.clock.Now(),
	}
	stored, err := s.messages.Append(ctx, sent)
	if err != nil {
		log.Error("store response failed", "id", res.ID, "error", err)
		stored = sent
	}
	log.Info("response published", "id", res.ID)
	return stored, platform.OutcomeOK
}

// sleepCycle waits a random interval, returning early on shutdown or Trigger.
func (s *Scheduler) sleepCycle(ctx context.Context) {
	s.setState(StateSleeping)
	d := s.jitter(s.timing.CycleSleepMin, s.timing.CycleSleepMax)
	select {
	case <-ctx.Done():
	case <-s.wake:
		s.log.Info("woken by trigger")
	case <-s.clock.After(d):
	}
}

func (s *Scheduler) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return lo + time.Duration(s.rand.Int63n(int64(hi-lo)+1))
}

func ids(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
