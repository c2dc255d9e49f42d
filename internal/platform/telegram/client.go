// Package telegram implements platform.Client for a single Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"personago/internal/memory"
	"personago/internal/models"
	"personago/internal/platform"
)

const bufferRetention = 24 * time.Hour

// botAPI is the subset of *tgbotapi.BotAPI used here.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Client posts to one chat and collects replies from the update stream.
// Message ids are "<chat>-<message>" and the conversation id is the chat id.
type Client struct {
	bot    botAPI
	chatID int64
	now    func() time.Time

	mu     sync.Mutex
	offset int
	seen   map[string]struct{}
	buffer []models.Reply
}

// NewClient connects with token. An empty endpoint uses the public Bot API.
func NewClient(token, endpoint string, chatID int64) (*Client, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newClient(bot, chatID), nil
}

func newClient(bot botAPI, chatID int64) *Client {
	return &Client{
		bot:    bot,
		chatID: chatID,
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
}

func (c *Client) Name() string { return models.PlatformTelegram }

func (c *Client) messageID(messageID int) string {
	return fmt.Sprintf("%d-%d", c.chatID, messageID)
}

func (c *Client) conversationID() string {
	return strconv.FormatInt(c.chatID, 10)
}

func parseMessageID(id string) (int, error) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return strconv.Atoi(id)
	}
	return strconv.Atoi(id[i+1:])
}

func (c *Client) Publish(_ context.Context, req platform.PublishRequest) platform.PublishResult {
	replyTo := 0
	if req.InReplyTo != "" {
		id, err := parseMessageID(req.InReplyTo)
		if err != nil {
			return platform.Transient(fmt.Errorf("invalid reply target %q: %w", req.InReplyTo, err))
		}
		replyTo = id
	}

	var chattable tgbotapi.Chattable
	if len(req.MediaIDs) > 0 {
		photo := tgbotapi.NewPhoto(c.chatID, tgbotapi.FilePath(req.MediaIDs[0]))
		photo.Caption = req.Content
		photo.ReplyToMessageID = replyTo
		chattable = photo
	} else {
		msg := tgbotapi.NewMessage(c.chatID, req.Content)
		msg.ReplyToMessageID = replyTo
		chattable = msg
	}

	sent, err := c.bot.Send(chattable)
	if err != nil {
		return platform.ResultFromError(classify(err))
	}
	return platform.Published(c.messageID(sent.MessageID))
}

// UploadMedia returns the local path; Telegram uploads the file with the message.
func (c *Client) UploadMedia(_ context.Context, path string) (string, error) {
	if path == "" {
		return "", errors.New("media path required")
	}
	return path, nil
}

func (c *Client) FetchNewReplies(_ context.Context, ownIDs []string, sinceID string) ([]models.Reply, error) {
	if err := c.pull(); err != nil {
		return nil, err
	}
	own := make(map[string]struct{}, len(ownIDs))
	for _, id := range ownIDs {
		own[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Reply
	for _, r := range c.buffer {
		if _, ok := own[r.InReplyToID]; !ok {
			continue
		}
		if sinceID != "" && memory.CompareIDs(r.ID, sinceID) <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Client) FetchConversation(_ context.Context, conversationID string) ([]models.Reply, error) {
	if err := c.pull(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Reply
	for _, r := range c.buffer {
		if r.ConversationID == conversationID {
			out = append(out, r)
		}
	}
	return out, nil
}

// pull drains pending updates into the reply buffer.
func (c *Client) pull() error {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	u := tgbotapi.NewUpdate(offset)
	u.Timeout = 0
	u.AllowedUpdates = []string{"message"}
	updates, err := c.bot.GetUpdates(u)
	if err != nil {
		return classify(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, update := range updates {
		if update.UpdateID >= c.offset {
			c.offset = update.UpdateID + 1
		}
		msg := update.Message
		if msg == nil || msg.Chat == nil || msg.Chat.ID != c.chatID {
			continue
		}
		reply := models.Reply{
			ID:             c.messageID(msg.MessageID),
			ConversationID: c.conversationID(),
			Content:        msg.Text,
			CreatedAt:      msg.Time().UTC(),
		}
		if reply.Content == "" {
			reply.Content = msg.Caption
		}
		if msg.From != nil {
			reply.Author = msg.From.UserName
			if reply.Author == "" {
				reply.Author = strconv.FormatInt(msg.From.ID, 10)
			}
		}
		if msg.ReplyToMessage != nil {
			reply.InReplyToID = c.messageID(msg.ReplyToMessage.MessageID)
		}
		if reply.Content == "" || reply.Author == "" {
			continue
		}
		if _, dup := c.seen[reply.ID]; dup {
			continue
		}
		c.seen[reply.ID] = struct{}{}
		c.buffer = append(c.buffer, reply)
	}
	c.prune()
	return nil
}

func (c *Client) prune() {
	cutoff := c.now().Add(-bufferRetention)
	kept := c.buffer[:0]
	for _, r := range c.buffer {
		if r.CreatedAt.Before(cutoff) {
			delete(c.seen, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	c.buffer = kept
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", platform.ErrForbidden, apiErr.Message)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return fmt.Errorf("%w: %s", platform.ErrTransient, apiErr.Message)
		default:
			return fmt.Errorf("telegram api %d: %s", apiErr.Code, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", platform.ErrTransient, err)
}

var _ platform.Client = (*Client)(nil)
