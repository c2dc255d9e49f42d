// Package poller ingests replies to the character's own messages.
package poller

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"personago/internal/clock"
	"personago/internal/memory"
	"personago/internal/metrics"
	"personago/internal/models"
	"personago/internal/moderation"
	"personago/internal/platform"
)

const (
	DefaultBatchSize = 10
	DefaultCooldown  = 61 * time.Second
)

// Character identifies whose threads are polled.
type Character struct {
	Name   string
	Handle string
}

// Invalidator is told about threads that gained a message.
type Invalidator interface {
	Invalidate(ctx context.Context, conversationID, platform string)
}

type Poller struct {
	store     *memory.Store
	gate      *moderation.Gate
	client    platform.Client
	clock     clock.Clock
	log       *slog.Logger
	batchSize int
	cooldown  time.Duration
	threads   Invalidator
}

type Option func(*Poller)

// WithBatch overrides the batch size and cooldown; zero values keep the defaults.
func WithBatch(size int, cooldown time.Duration) Option {
	return func(p *Poller) {
		if size > 0 {
			p.batchSize = size
		}
		if cooldown > 0 {
			p.cooldown = cooldown
		}
	}
}

// WithInvalidator drops cached threads when a reply is ingested into them.
func WithInvalidator(inv Invalidator) Option {
	return func(p *Poller) { p.threads = inv }
}

func New(store *memory.Store, gate *moderation.Gate, client platform.Client, clk clock.Clock, log *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		store:     store,
		gate:      gate,
		client:    client,
		clock:     clk,
		log:       log,
		batchSize: DefaultBatchSize,
		cooldown:  DefaultCooldown,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watermark returns the greatest id ingested on the platform from anyone but
// the character, or "" if nothing has been ingested yet.
func (p *Poller) Watermark(ctx context.Context, ch Character) (string, error) {
	msgs, err := p.store.Query(ctx, memory.Filter{
		Platform:  p.client.Name(),
		NotAuthor: ch.Handle,
		Flagged:   memory.FlaggedAny,
	})
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return memory.MaxID(ids), nil
}

func (p *Poller) ownIDs(ctx context.Context, ch Character) ([]string, error) {
	msgs, err := p.store.Query(ctx, memory.Filter{
		Platform: p.client.Name(),
		Author:   ch.Handle,
		Flagged:  memory.FlaggedAny,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	memory.SortIDsDesc(ids)
	return ids, nil
}

// Poll fetches replies in batches, newest threads first, sleeping the cooldown
// after every batch. It returns every message stored during the call. When
// ctx is cancelled the messages ingested so far are returned with ctx.Err().
func (p *Poller) Poll(ctx context.Context, ch Character) ([]*models.Message, error) {
	sinceID, err := p.Watermark(ctx, ch)
	if err != nil {
		return nil, err
	}
	own, err := p.ownIDs(ctx, ch)
	if err != nil {
		return nil, err
	}
	name := p.client.Name()
	log := p.log.With("platform", name)

	var ingested []*models.Message
	for start := 0; start < len(own); start += p.batchSize {
		end := start + p.batchSize
		if end > len(own) {
			end = len(own)
		}
		batch := own[start:end]

		replies, err := p.client.FetchNewReplies(ctx, batch, sinceID)
		if err != nil {
			metrics.PollBatches.WithLabelValues(name, "error").Inc()
			log.Warn("fetch replies failed, skipping batch", "batch_start", start, "batch_size", len(batch), "error", err)
		} else {
			metrics.PollBatches.WithLabelValues(name, "ok").Inc()
			for _, r := range replies {
				if msg := p.ingest(ctx, log, ch, r); msg != nil {
					ingested = append(ingested, msg)
				}
			}
		}

		if err := clock.Sleep(ctx, p.clock, p.cooldown); err != nil {
			return ingested, err
		}
	}
	log.Info("poll finished", "own_messages", len(own), "since_id", sinceID, "ingested", len(ingested))
	return ingested, nil
}

func (p *Poller) ingest(ctx context.Context, log *slog.Logger, ch Character, r models.Reply) *models.Message {
	if r.Author == ch.Handle {
		return nil
	}
	verdict := p.gate.Classify(ctx, r.Content)
	msg := r.ToMessage(ch.Name, p.client.Name())
	msg.Flagged = verdict.Flagged
	msg.Metadata = map[string]any{"moderation": verdict.Metadata()}

	stored, err := p.store.Append(ctx, msg)
	if err != nil {
		log.Warn("store reply failed", "id", r.ID, "error", err)
		return nil
	}
	metrics.RepliesIngested.WithLabelValues(p.client.Name(), strconv.FormatBool(stored.Flagged)).Inc()
	if p.threads != nil && stored.ConversationID != "" {
		p.threads.Invalidate(ctx, stored.ConversationID, stored.Platform)
	}
	return stored
}
