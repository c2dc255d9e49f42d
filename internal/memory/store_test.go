package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"personago/internal/config"
	"personago/internal/models"
	"personago/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func newMessage(id, author string) *models.Message {
	return &models.Message{
		ID:        id,
		Character: "sia",
		Platform:  models.PlatformTwitter,
		Author:    author,
		Content:   "content " + id,
		WenPosted: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendDuplicateID(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	_, err := store.Append(ctx, newMessage("100", "sia_ai"))
	require.NoError(t, err)

	dup := newMessage("100", "someone")
	dup.Content = "different"
	_, err = store.Append(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateID)

	msgs, err := store.Query(ctx, Filter{ID: "100"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "sia_ai", msgs[0].Author)
}

func TestAppendConstraint(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	for _, mutate := range []func(*models.Message){
		func(m *models.Message) { m.Platform = "" },
		func(m *models.Message) { m.Author = "" },
		func(m *models.Message) { m.Content = "" },
		func(m *models.Message) { m.ID = " " },
	} {
		msg := newMessage("1", "bob")
		mutate(msg)
		_, err := store.Append(ctx, msg)
		require.ErrorIs(t, err, ErrConstraint)
	}
	msgs, err := store.Query(ctx, Filter{Flagged: FlaggedAny})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAppendDefaultsTimestampAndRoundTripsPayloads(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	fixed := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	msg := newMessage("7", "bob")
	msg.WenPosted = time.Time{}
	msg.OriginalData = json.RawMessage(`{"lang":"en"}`)
	msg.Metadata = map[string]any{"moderation": "safe"}
	_, err := store.Append(context.Background(), msg)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, got.WenPosted.Equal(fixed))
	require.JSONEq(t, `{"lang":"en"}`, string(got.OriginalData))
	require.Equal(t, "safe", got.Metadata["moderation"])

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	root := newMessage("10", "sia_ai")
	root.ConversationID = "10"
	reply := newMessage("11", "bob")
	reply.ConversationID = "10"
	reply.ResponseTo = "10"
	reply.WenPosted = root.WenPosted.Add(time.Minute)
	flagged := newMessage("12", "troll")
	flagged.ConversationID = "10"
	flagged.ResponseTo = "10"
	flagged.Flagged = true
	other := newMessage("13", "alice")
	other.Platform = models.PlatformTelegram
	other.Character = "other"

	for _, m := range []*models.Message{root, reply, flagged, other} {
		_, err := store.Append(ctx, m)
		require.NoError(t, err)
	}

	ids := func(msgs []*models.Message) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	msgs, err := store.Query(ctx, Filter{ConversationID: "10", SortBy: "id"})
	require.NoError(t, err)
	require.Equal(t, []string{"10", "11"}, ids(msgs))

	msgs, err = store.Query(ctx, Filter{ConversationID: "10", Flagged: FlaggedOnly})
	require.NoError(t, err)
	require.Equal(t, []string{"12"}, ids(msgs))

	msgs, err = store.Query(ctx, Filter{ConversationID: "10", Flagged: FlaggedAny, SortBy: "id", SortOrder: Desc})
	require.NoError(t, err)
	require.Equal(t, []string{"12", "11", "10"}, ids(msgs))

	yes := true
	msgs, err = store.Query(ctx, Filter{Platform: models.PlatformTwitter, IsRootPost: &yes})
	require.NoError(t, err)
	require.Equal(t, []string{"10"}, ids(msgs))

	msgs, err = store.Query(ctx, Filter{Platform: models.PlatformTwitter, NotAuthor: "sia_ai", SortBy: "wen_posted"})
	require.NoError(t, err)
	require.Equal(t, []string{"11"}, ids(msgs))

	msgs, err = store.Query(ctx, Filter{Character: "other"})
	require.NoError(t, err)
	require.Equal(t, []string{"13"}, ids(msgs))

	msgs, err = store.Query(ctx, Filter{Since: root.WenPosted.Add(30 * time.Second), Platform: models.PlatformTwitter})
	require.NoError(t, err)
	require.Equal(t, []string{"11"}, ids(msgs))

	_, err = store.Query(ctx, Filter{SortBy: "content; DROP TABLE messages"})
	require.Error(t, err)
}

func TestClearScopedToCharacter(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	_, err := store.Append(ctx, newMessage("1", "a"))
	require.NoError(t, err)
	keep := newMessage("2", "b")
	keep.Character = "other"
	_, err = store.Append(ctx, keep)
	require.NoError(t, err)

	n, err := store.Clear(ctx, "sia")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	msgs, err := store.Query(ctx, Filter{Flagged: FlaggedAny})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "2", msgs[0].ID)
}

func TestConcurrentAppendsFirstWriterWins(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// ids 0..9 each written twice
			_, err := store.Append(ctx, newMessage(fmt.Sprint(i%10), "bob"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateID):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 10, ok)
	require.Equal(t, 10, dups)
}

func TestCompareIDs(t *testing.T) {
	require.Equal(t, 1, CompareIDs("10", "9"))
	require.Equal(t, -1, CompareIDs("-100-9", "-100-10"))
	require.Equal(t, 0, CompareIDs("abc", "abc"))
	require.Equal(t, "1850000000000000001", MaxID([]string{"5", "1850000000000000001", "999"}))

	ids := []string{"5", "25", "7", "100"}
	SortIDsDesc(ids)
	require.Equal(t, []string{"100", "25", "7", "5"}, ids)
	require.Equal(t, "", MaxID(nil))
}
