// Package twitter implements platform.Client against the X API v2.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"personago/internal/models"
	"personago/internal/platform"
)

const (
	defaultBaseURL = "https://api.x.com"
	maxSearchPages = 5
	searchPageSize = 100
	tweetFields    = "author_id,conversation_id,created_at,referenced_tweets"
)

// Client talks to the X API with an OAuth 2.0 user-context bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return models.PlatformTwitter }

type tweetPayload struct {
	Text  string        `json:"text"`
	Reply *replyPayload `json:"reply,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
}

type replyPayload struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type mediaPayload struct {
	MediaIDs []string `json:"media_ids"`
}

func (c *Client) Publish(ctx context.Context, req platform.PublishRequest) platform.PublishResult {
	payload := tweetPayload{Text: req.Content}
	if req.InReplyTo != "" {
		payload.Reply = &replyPayload{InReplyToTweetID: req.InReplyTo}
	}
	if len(req.MediaIDs) > 0 {
		payload.Media = &mediaPayload{MediaIDs: req.MediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return platform.Transient(fmt.Errorf("encode tweet: %w", err))
	}
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/tweets", "application/json", bytes.NewReader(body), &resp); err != nil {
		return platform.ResultFromError(err)
	}
	if resp.Data.ID == "" {
		return platform.Transient(fmt.Errorf("tweet created without id"))
	}
	return platform.Published(resp.Data.ID)
}

func (c *Client) FetchNewReplies(ctx context.Context, ownIDs []string, sinceID string) ([]models.Reply, error) {
	if len(ownIDs) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(ownIDs))
	for _, id := range ownIDs {
		clauses = append(clauses, "conversation_id:"+id)
	}
	query := strings.Join(clauses, " OR ")
	if len(ownIDs) > 1 {
		query = "(" + query + ")"
	}
	return c.search(ctx, query+" is:reply", sinceID)
}

func (c *Client) FetchConversation(ctx context.Context, conversationID string) ([]models.Reply, error) {
	return c.search(ctx, "conversation_id:"+conversationID, "")
}

type rawTweet struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	AuthorID         string    `json:"author_id"`
	ConversationID   string    `json:"conversation_id"`
	CreatedAt        time.Time `json:"created_at"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type searchResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

func (c *Client) search(ctx context.Context, query, sinceID string) ([]models.Reply, error) {
	var (
		out       []models.Reply
		nextToken string
	)
	for page := 0; page < maxSearchPages; page++ {
		params := url.Values{}
		params.Set("query", query)
		params.Set("tweet.fields", tweetFields)
		params.Set("expansions", "author_id")
		params.Set("user.fields", "username")
		params.Set("max_results", fmt.Sprint(searchPageSize))
		if sinceID != "" {
			params.Set("since_id", sinceID)
		}
		if nextToken != "" {
			params.Set("next_token", nextToken)
		}

		var resp searchResponse
		if err := c.do(ctx, http.MethodGet, "/2/tweets/search/recent?"+params.Encode(), "", nil, &resp); err != nil {
			return out, err
		}
		usernames := make(map[string]string, len(resp.Includes.Users))
		for _, u := range resp.Includes.Users {
			usernames[u.ID] = u.Username
		}
		for _, raw := range resp.Data {
			var t rawTweet
			if err := json.Unmarshal(raw, &t); err != nil {
				return out, fmt.Errorf("decode tweet: %w", err)
			}
			reply := models.Reply{
				ID:             t.ID,
				ConversationID: t.ConversationID,
				Author:         usernames[t.AuthorID],
				Content:        t.Text,
				CreatedAt:      t.CreatedAt,
				Raw:            raw,
			}
			if reply.Author == "" {
				reply.Author = t.AuthorID
			}
			for _, ref := range t.ReferencedTweets {
				if ref.Type == "replied_to" {
					reply.InReplyToID = ref.ID
				}
			}
			out = append(out, reply)
		}
		if resp.Meta.NextToken == "" {
			break
		}
		nextToken = resp.Meta.NextToken
	}
	return out, nil
}

func (c *Client) UploadMedia(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/media/upload", w.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("media uploaded without id")
	}
	return resp.Data.ID, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "personago/1.0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", platform.ErrTransient, err)
	}
	defer resp.Body.Close()

	const maxBodySize = 2 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", platform.ErrTransient, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 300 {
		detail = detail[:300]
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", platform.ErrForbidden, code, detail)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d: %s", platform.ErrTransient, code, detail)
	default:
		return fmt.Errorf("x api status %d: %s", code, detail)
	}
}

var _ platform.Client = (*Client)(nil)
