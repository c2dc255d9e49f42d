// Package conversation assembles thread context from stored and live messages.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"personago/internal/memory"
	"personago/internal/models"
	"personago/internal/platform"
)

// Assembler builds the transcript handed to response generation.
type Assembler struct {
	store   *memory.Store
	clients map[string]platform.Client
	cache   Cache
	log     *slog.Logger
}

func NewAssembler(store *memory.Store, cache Cache, log *slog.Logger, clients ...platform.Client) *Assembler {
	a := &Assembler{
		store:   store,
		clients: make(map[string]platform.Client, len(clients)),
		cache:   cache,
		log:     log,
	}
	for _, c := range clients {
		a.clients[c.Name()] = c
	}
	return a
}

// Assemble returns the stored root of conversationID (when present and not
// flagged) followed by the live thread in chronological order. Messages
// flagged at ingestion are left out. A live fetch failure yields the root alone.
func (a *Assembler) Assemble(ctx context.Context, conversationID, platformName string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id required")
	}
	var out []*models.Message

	roots, err := a.store.Query(ctx, memory.Filter{ID: conversationID, Platform: platformName})
	if err != nil {
		return nil, fmt.Errorf("load conversation root: %w", err)
	}
	var root *models.Message
	if len(roots) > 0 {
		root = roots[0]
		out = append(out, root)
	}

	flagged, err := a.store.Query(ctx, memory.Filter{ConversationID: conversationID, Platform: platformName, Flagged: memory.FlaggedOnly})
	if err != nil {
		return nil, fmt.Errorf("load flagged messages: %w", err)
	}
	skip := make(map[string]struct{}, len(flagged)+1)
	for _, m := range flagged {
		skip[m.ID] = struct{}{}
	}
	if root != nil {
		skip[root.ID] = struct{}{}
	}

	live := a.fetch(ctx, conversationID, platformName)
	thread := make([]*models.Message, 0, len(live))
	for _, r := range live {
		if _, ok := skip[r.ID]; ok {
			continue
		}
		skip[r.ID] = struct{}{}
		thread = append(thread, r.ToMessage("", platformName))
	}
	sort.SliceStable(thread, func(i, j int) bool {
		if !thread[i].WenPosted.Equal(thread[j].WenPosted) {
			return thread[i].WenPosted.Before(thread[j].WenPosted)
		}
		return memory.CompareIDs(thread[i].ID, thread[j].ID) < 0
	})
	return append(out, thread...), nil
}

// Invalidate drops the cached live thread, if any.
func (a *Assembler) Invalidate(ctx context.Context, conversationID, platformName string) {
	if a.cache != nil {
		a.cache.Invalidate(ctx, platformName, conversationID)
	}
}

func (a *Assembler) fetch(ctx context.Context, conversationID, platformName string) []models.Reply {
	if a.cache != nil {
		if replies, ok := a.cache.Load(ctx, platformName, conversationID); ok {
			return replies
		}
	}
	client, ok := a.clients[platformName]
	if !ok {
		a.log.Warn("no platform client for conversation", "platform", platformName, "conversation_id", conversationID)
		return nil
	}
	replies, err := client.FetchConversation(ctx, conversationID)
	if err != nil {
		a.log.Warn("fetch conversation failed", "platform", platformName, "conversation_id", conversationID, "error", err)
		return nil
	}
	if a.cache != nil {
		a.cache.Store(ctx, platformName, conversationID, replies)
	}
	return replies
}
