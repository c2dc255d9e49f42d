// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"personago/internal/memory"
	"personago/internal/models"
	"personago/internal/platform"
)

// FetchCall records one FetchNewReplies invocation.
type FetchCall struct {
	OwnIDs  []string
	SinceID string
}

// Client is a scriptable platform.Client. Zero value is usable.
type Client struct {
	mu sync.Mutex

	PlatformName string
	// PublishResults are returned in order; when exhausted, publishes succeed
	// with sequential ids starting at NextID.
	PublishResults []platform.PublishResult
	NextID         int
	Published      []platform.PublishRequest

	// Replies maps an own message id to the replies in its thread.
	Replies    map[string][]models.Reply
	FetchErr   map[int]error
	FetchCalls []FetchCall

	Conversations   map[string][]models.Reply
	ConversationErr error

	Uploaded []string
}

func New(name string) *Client {
	return &Client{
		PlatformName:  name,
		NextID:        1000,
		Replies:       map[string][]models.Reply{},
		FetchErr:      map[int]error{},
		Conversations: map[string][]models.Reply{},
	}
}

func (c *Client) Name() string { return c.PlatformName }

func (c *Client) Publish(_ context.Context, req platform.PublishRequest) platform.PublishResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Published = append(c.Published, req)
	if len(c.PublishResults) > 0 {
		res := c.PublishResults[0]
		c.PublishResults = c.PublishResults[1:]
		return res
	}
	c.NextID++
	return platform.Published(fmt.Sprint(c.NextID))
}

func (c *Client) FetchNewReplies(_ context.Context, ownIDs []string, sinceID string) ([]models.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := len(c.FetchCalls)
	c.FetchCalls = append(c.FetchCalls, FetchCall{OwnIDs: append([]string(nil), ownIDs...), SinceID: sinceID})
	if err := c.FetchErr[call]; err != nil {
		return nil, err
	}
	var out []models.Reply
	for _, id := range ownIDs {
		for _, r := range c.Replies[id] {
			if sinceID == "" || memory.CompareIDs(r.ID, sinceID) > 0 {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (c *Client) FetchConversation(_ context.Context, conversationID string) ([]models.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConversationErr != nil {
		return nil, c.ConversationErr
	}
	return append([]models.Reply(nil), c.Conversations[conversationID]...), nil
}

func (c *Client) UploadMedia(_ context.Context, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Uploaded = append(c.Uploaded, path)
	return fmt.Sprintf("media-%d", len(c.Uploaded)), nil
}

// PublishedCount returns how many publishes were attempted.
func (c *Client) PublishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Published)
}

var _ platform.Client = (*Client)(nil)
