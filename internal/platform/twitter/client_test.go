package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"personago/internal/platform"
)

func TestPublishSendsReplyAndParsesID(t *testing.T) {
	var got tweetPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"id":"1850","text":"hi"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	res := c.Publish(context.Background(), platform.PublishRequest{Content: "hi", InReplyTo: "77", MediaIDs: []string{"m1"}})
	if !res.OK() || res.ID != "1850" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.Reply == nil || got.Reply.InReplyToTweetID != "77" || got.Media == nil || got.Media.MediaIDs[0] != "m1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestPublishClassifiesFailures(t *testing.T) {
	cases := map[int]platform.Outcome{
		http.StatusForbidden:          platform.OutcomeForbidden,
		http.StatusUnauthorized:       platform.OutcomeForbidden,
		http.StatusTooManyRequests:    platform.OutcomeTransient,
		http.StatusServiceUnavailable: platform.OutcomeTransient,
		http.StatusBadRequest:         platform.OutcomeTransient,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			io.WriteString(w, `{"title":"nope"}`)
		}))
		res := NewClient(srv.URL, "tok").Publish(context.Background(), platform.PublishRequest{Content: "x"})
		srv.Close()
		if res.Outcome != want {
			t.Fatalf("status %d: got %s want %s", code, res.Outcome, want)
		}
	}

	res := NewClient("http://127.0.0.1:1", "tok").Publish(context.Background(), platform.PublishRequest{Content: "x"})
	if res.Outcome != platform.OutcomeTransient || !errors.Is(res.Err, platform.ErrTransient) {
		t.Fatalf("network failure should be transient: %+v", res)
	}
}

func TestFetchNewRepliesBuildsQueryAndPaginates(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queries = append(queries, q.Get("query"))
		if q.Get("since_id") != "9" {
			t.Fatalf("expected since_id 9, got %q", q.Get("since_id"))
		}
		if q.Get("next_token") == "" {
			io.WriteString(w, `{"data":[{"id":"11","text":"hey","author_id":"u1","conversation_id":"1","created_at":"2026-01-01T10:00:00Z","referenced_tweets":[{"type":"replied_to","id":"1"}]}],
				"includes":{"users":[{"id":"u1","username":"bob"}]},"meta":{"next_token":"p2"}}`)
			return
		}
		io.WriteString(w, `{"data":[{"id":"12","text":"yo","author_id":"u2","conversation_id":"2","created_at":"2026-01-01T10:05:00Z"}],"meta":{}}`)
	}))
	defer srv.Close()

	replies, err := NewClient(srv.URL, "tok").FetchNewReplies(context.Background(), []string{"1", "2"}, "9")
	if err != nil {
		t.Fatalf("FetchNewReplies error: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	if replies[0].Author != "bob" || replies[0].InReplyToID != "1" || replies[0].ConversationID != "1" {
		t.Fatalf("unexpected first reply %+v", replies[0])
	}
	if replies[1].Author != "u2" {
		t.Fatalf("author should fall back to id, got %q", replies[1].Author)
	}
	if len(queries) != 2 || queries[0] != "(conversation_id:1 OR conversation_id:2) is:reply" {
		t.Fatalf("unexpected queries %v", queries)
	}
}

func TestUploadMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Fatalf("expected multipart upload")
		}
		f, _, err := r.FormFile("media")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "png-bytes" {
			t.Fatalf("unexpected media body %q", data)
		}
		io.WriteString(w, `{"data":{"id":"m-1"}}`)
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL, "tok").UploadMedia(context.Background(), path)
	if err != nil || id != "m-1" {
		t.Fatalf("UploadMedia = %q, %v", id, err)
	}
}
