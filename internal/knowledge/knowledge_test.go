package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"personago/internal/config"
	"personago/internal/logging"
	"personago/internal/settings"
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

type stubPlugin struct {
	name  string
	text  string
	err   error
	calls int
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) Knowledge(context.Context, *config.Character) (string, error) {
	s.calls++
	return s.text, s.err
}

type fakeTool struct {
	out   string
	err   error
	calls []string
}

func (f *fakeTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "fake"}, nil
}

func (f *fakeTool) InvokableRun(_ context.Context, args string, _ ...tool.Option) (string, error) {
	f.calls = append(f.calls, args)
	return f.out, f.err
}

func TestRegistryBuiltins(t *testing.T) {
	names := Registered()
	require.Contains(t, names, "web_search")
	require.Contains(t, names, "notes")
	require.Panics(t, func() { Register("notes", newNotes) })
}

func TestBuildRejectsUnknownAndBadSchedule(t *testing.T) {
	ctx := context.Background()
	_, err := Build(ctx, map[string]config.PluginConfig{"horoscope": {}}, logging.Discard())
	require.ErrorContains(t, err, "unknown knowledge plugin")

	_, err = Build(ctx, map[string]config.PluginConfig{"notes": {Path: "x.txt", Schedule: "not cron"}}, logging.Discard())
	require.ErrorContains(t, err, "invalid schedule")

	_, err = Build(ctx, map[string]config.PluginConfig{"notes": {}}, logging.Discard())
	require.ErrorContains(t, err, "path is required")
}

func TestNextUse(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	require.True(t, now.Add(time.Hour).Equal((&Configured{}).NextUse(now)))

	daily := &Configured{Schedule: "0 9 * * *"}
	next := daily.NextUse(now)
	require.True(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).Equal(next), "got %s", next)
}

func TestSelectorTimeOfDayAndReuse(t *testing.T) {
	ctx := context.Background()
	store := settings.NewStore(openTestDB(t), "sqlite3")
	morning := &stubPlugin{name: "morning_news", text: "markets are up"}
	anytime := &stubPlugin{name: "notes", text: "a note"}
	sel := NewSelector([]*Configured{
		{Plugin: morning, TimeOfDay: "morning"},
		{Plugin: anytime},
	}, store, logging.Discard())
	character := &config.Character{Name: "Sia", NameID: "sia"}

	am := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.Equal(t, "markets are up", sel.Gather(ctx, character, am))

	// morning plugin is cooling down for an hour, so the next one is used
	require.Equal(t, "a note", sel.Gather(ctx, character, am.Add(10*time.Minute)))
	require.Empty(t, sel.Gather(ctx, character, am.Add(20*time.Minute)))

	require.Equal(t, "markets are up", sel.Gather(ctx, character, am.Add(61*time.Minute)))

	st, err := store.Get(ctx, "sia")
	require.NoError(t, err)
	require.Equal(t, am.Add(121*time.Minute).Unix(), st.NextUseAfter(SettingsSection("morning_news")).Unix())

	evening := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	p, err := sel.Pick(ctx, "sia", evening)
	require.NoError(t, err)
	require.Equal(t, "notes", p.Name())
}

func TestSelectorPluginFailureNotRecorded(t *testing.T) {
	ctx := context.Background()
	store := settings.NewStore(openTestDB(t), "sqlite3")
	broken := &stubPlugin{name: "broken", err: errors.New("boom")}
	sel := NewSelector([]*Configured{{Plugin: broken}}, store, logging.Discard())
	character := &config.Character{Name: "Sia", NameID: "sia"}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.Empty(t, sel.Gather(ctx, character, now))
	require.Empty(t, sel.Gather(ctx, character, now))
	require.Equal(t, 2, broken.calls)
}

func TestWebSearchFallsBackToDuckDuckGo(t *testing.T) {
	google := &fakeTool{err: errors.New("quota")}
	duck := &fakeTool{out: "ddg results"}
	w := &webSearch{
		name:   "web_search",
		google: google,
		duck:   duck,
		log:    logging.Discard(),
		pick:   func(int) int { return 0 },
	}
	character := &config.Character{PluginSettings: map[string]map[string]any{
		"web_search": {"queries": []any{"ai agents"}},
	}}

	text, err := w.Knowledge(context.Background(), character)
	require.NoError(t, err)
	require.Contains(t, text, "ddg results")
	require.Contains(t, text, `"ai agents"`)
	require.Equal(t, []string{`{"query":"ai agents"}`}, google.calls)
	require.Len(t, duck.calls, 1)
}

func TestWebSearchFetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page body"))
	}))
	defer srv.Close()

	google := &fakeTool{out: "unused"}
	w := &webSearch{
		name:       "web_search",
		google:     google,
		httpClient: srv.Client(),
		queries:    []string{srv.URL},
		log:        logging.Discard(),
		pick:       func(int) int { return 0 },
	}
	text, err := w.Knowledge(context.Background(), &config.Character{})
	require.NoError(t, err)
	require.Contains(t, text, "page body")
	require.Empty(t, google.calls)
}

func TestWebSearchNoQueries(t *testing.T) {
	w := &webSearch{name: "web_search", log: logging.Discard(), pick: func(int) int { return 0 }}
	_, err := w.Knowledge(context.Background(), &config.Character{})
	require.Error(t, err)
}

func TestNotesReturnsChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	body := strings.Repeat("a", notesChunkSize) + strings.Repeat("b", 10)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := newNotes(context.Background(), "notes", config.PluginConfig{Path: path}, logging.Discard())
	require.NoError(t, err)
	p.(*notes).pick = func(n int) int { return n - 1 }

	text, err := p.Knowledge(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(text, strings.Repeat("b", 10)))
}
