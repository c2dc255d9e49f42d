package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"personago/internal/config"
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

func TestGetCreatesDueDefault(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, "sqlite3")
	ctx := context.Background()

	s, err := store.Get(ctx, "sia")
	require.NoError(t, err)
	require.Empty(t, s)
	require.False(t, time.Now().Before(s.NextPostTime("twitter")))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM character_settings WHERE character_id = ?`, "sia").Scan(&count))
	require.Equal(t, 1, count)

	// a second read returns the same single record
	_, err = store.Get(ctx, "sia")
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM character_settings`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpdateMergesTopLevelSections(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()
	next := time.Unix(1_800_000_000, 0)

	twitter := Settings{}
	twitter.SetNextPostTime("twitter", next)
	require.NoError(t, store.Update(ctx, "sia", twitter))

	plugin := Settings{}
	plugin.SetNextUseAfter("plugin:web_search", next.Add(time.Hour))
	require.NoError(t, store.Update(ctx, "sia", plugin))

	got, err := store.Get(ctx, "sia")
	require.NoError(t, err)
	require.True(t, got.NextPostTime("twitter").Equal(next))
	require.True(t, got.NextUseAfter("plugin:web_search").Equal(next.Add(time.Hour)))
}

func TestMutateSerializesConcurrentWriters(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			section := "twitter"
			if i%2 == 0 {
				section = "telegram"
			}
			_, err := store.Mutate(ctx, "sia", func(s Settings) error {
				s.Set(section, "counter", s.Float(section, "counter")+1)
				s.Set("log", fmt.Sprint(i), true)
				return nil
			})
			if err != nil {
				t.Errorf("Mutate error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "sia")
	require.NoError(t, err)
	require.EqualValues(t, 12, got.Float("twitter", "counter"))
	require.EqualValues(t, 13, got.Float("telegram", "counter"))
	require.Len(t, got["log"], 25)
}

func TestMutateErrorLeavesRecordUnchanged(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, "sia", Settings{"twitter": {"next_post_time": 100}}))

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, "sia", func(s Settings) error {
		s.Set("twitter", "next_post_time", 999)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "sia")
	require.NoError(t, err)
	require.EqualValues(t, 100, got.Float("twitter", "next_post_time"))
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("held elsewhere")
}

func TestMutateLockFailure(t *testing.T) {
	store := NewStore(openTestDB(t), "sqlite3")
	store.SetLocker(failingLocker{})
	_, err := store.Mutate(context.Background(), "sia", func(Settings) error { return nil })
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestReplyBucketAndDeferred(t *testing.T) {
	s := Settings{}
	now := time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)
	require.Equal(t, 0, s.RepliesThisHour("twitter", now))
	s.RecordReply("twitter", now)
	s.RecordReply("twitter", now.Add(10*time.Minute))
	require.Equal(t, 2, s.RepliesThisHour("twitter", now.Add(20*time.Minute)))
	require.Equal(t, 0, s.RepliesThisHour("twitter", now.Add(time.Hour)))

	s.SetDeferredReplies("twitter", []string{"4", "5"})
	clone := s.Clone()
	require.Equal(t, []string{"5", "4"}, clone.DeferredReplies("twitter"))
	require.Equal(t, 2, clone.RepliesThisHour("twitter", now))
	s.SetDeferredReplies("twitter", nil)
	require.Empty(t, s.DeferredReplies("twitter"))
}

func TestDeferredRepliesKeepNewestIDs(t *testing.T) {
	s := Settings{}
	ids := make([]string, 0, maxDeferredReplies+10)
	// shuffled order, as the responder hands them over
	for i := 0; i < maxDeferredReplies+10; i++ {
		ids = append(ids, fmt.Sprint(100+(i*37)%(maxDeferredReplies+10)))
	}
	s.SetDeferredReplies("twitter", ids)

	kept := s.DeferredReplies("twitter")
	require.Len(t, kept, maxDeferredReplies)
	require.Equal(t, fmt.Sprint(100+maxDeferredReplies+9), kept[0])
	require.Equal(t, "110", kept[len(kept)-1])
	require.NotContains(t, kept, "109")
	require.NotContains(t, kept, "100")
}
