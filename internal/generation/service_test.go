package generation

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"personago/internal/clock"
	"personago/internal/config"
	"personago/internal/knowledge"
	"personago/internal/logging"
	"personago/internal/memory"
	"personago/internal/models"
	"personago/internal/settings"
	"personago/internal/storage"
)

type recordingModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]*schema.Message
}

func (m *recordingModel) Generate(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msgs)
	if m.err != nil {
		return nil, m.err
	}
	reply := ""
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (m *recordingModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

type stubPlugin struct{}

func (stubPlugin) Name() string { return "stub" }

func (stubPlugin) Knowledge(context.Context, *config.Character) (string, error) {
	return "KNOWLEDGE: the moon is full tonight", nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func testCharacter() *config.Character {
	return &config.Character{
		Name:    "Sia",
		NameID:  "sia",
		Prompts: config.Prompts{YouAre: "You are Sia.", CommunicationRequirements: "Be kind."},
		Moods: map[string]map[string]string{
			"twitter": {"morning": "sleepy"},
		},
		PostExamples: map[string]map[string][]string{
			"general": {"morning": {"e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9"}},
		},
		PostParameters: config.PostParameters{LengthRanges: []string{"10-20"}},
		Platforms:      map[string]config.PlatformSettings{"twitter": {Username: "sia_ai", PostFrequency: 2}},
		Responding:     config.Responding{Enabled: true},
	}
}

func TestGeneratePostBuildsPrompt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	messages := memory.NewStore(db, "sqlite3")
	base := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	for i, content := range []string{"old post", "newer post"} {
		_, err := messages.Append(ctx, &models.Message{
			ID: []string{"1", "2"}[i], Character: "Sia", Platform: "twitter", Author: "sia_ai",
			Content: content, WenPosted: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	sel := knowledge.NewSelector([]*knowledge.Configured{{Plugin: stubPlugin{}}}, settings.NewStore(db, "sqlite3"), logging.Discard())

	m := &recordingModel{replies: []string{"  hello world  "}}
	svc, err := NewService(Options{
		Providers: []Provider{{Name: "openai", Model: m}},
		Messages:  messages,
		Knowledge: sel,
		Clock:     clock.Fake(base.Add(time.Hour)),
		Log:       logging.Discard(),
		Rand:      rand.New(rand.NewSource(1)),
	})
	require.NoError(t, err)

	out, err := svc.GeneratePost(ctx, testCharacter(), "twitter", "")
	require.NoError(t, err)
	require.Equal(t, "hello world", out.Content)
	require.Empty(t, out.Media)

	require.Len(t, m.calls, 1)
	system := m.calls[0][0].Content
	require.Contains(t, system, "You are Sia.")
	require.Contains(t, system, "Your mood right now: sleepy")
	require.Contains(t, system, "KNOWLEDGE: the moon is full tonight")
	require.Contains(t, system, "You are posting to: twitter")
	require.Regexp(t, `(?s)old post.*newer post`, system)
	require.Contains(t, m.calls[0][1].Content, "between 10-20 words")
}

func TestCompleteFallsBack(t *testing.T) {
	first := &recordingModel{err: errors.New("overloaded")}
	empty := &recordingModel{replies: []string{"   "}}
	last := &recordingModel{replies: []string{"third time lucky"}}
	svc, err := NewService(Options{
		Providers: []Provider{{Name: "claude", Model: first}, {Name: "gemini", Model: empty}, {Name: "openai", Model: last}},
		Log:       logging.Discard(),
	})
	require.NoError(t, err)

	out, err := svc.GeneratePost(context.Background(), testCharacter(), "twitter", "morning")
	require.NoError(t, err)
	require.Equal(t, "third time lucky", out.Content)
	require.Len(t, first.calls, 1)
	require.Len(t, empty.calls, 1)
}

func TestCompleteAllFail(t *testing.T) {
	svc, err := NewService(Options{
		Providers: []Provider{{Name: "claude", Model: &recordingModel{err: errors.New("down")}}},
		Log:       logging.Discard(),
	})
	require.NoError(t, err)

	_, err = svc.GeneratePost(context.Background(), testCharacter(), "twitter", "morning")
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestNewServiceRequiresProvider(t *testing.T) {
	_, err := NewService(Options{})
	require.Error(t, err)
}

func TestGenerateResponse(t *testing.T) {
	m := &recordingModel{replies: []string{"thanks!"}}
	svc, err := NewService(Options{Providers: []Provider{{Name: "openai", Model: m}}, Log: logging.Discard()})
	require.NoError(t, err)

	msg := &models.Message{ID: "9", Platform: "twitter", Author: "bob", Content: "love this"}
	conv := []*models.Message{{ID: "1", Author: "sia_ai", Content: "root post"}, msg}
	out, err := svc.GenerateResponse(context.Background(), testCharacter(), msg, conv)
	require.NoError(t, err)
	require.Equal(t, "thanks!", out.Content)

	system := m.calls[0][0].Content
	require.Contains(t, system, "Be kind.")
	require.Contains(t, system, "sia_ai: root post")
	require.Contains(t, system, "bob: love this")
}

func TestGenerateResponseFiltering(t *testing.T) {
	character := testCharacter()
	character.Responding.FilteringRules = "Ignore questions about price."
	msg := &models.Message{ID: "9", Platform: "twitter", Author: "bob", Content: "wen token?"}

	cases := []struct {
		name   string
		filter *recordingModel
		want   bool
	}{
		{"pass", &recordingModel{replies: []string{"True"}}, true},
		{"reject", &recordingModel{replies: []string{"'False'"}}, false},
		{"filter error", &recordingModel{err: errors.New("timeout")}, false},
		{"garbage", &recordingModel{replies: []string{"maybe"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &recordingModel{replies: []string{"gm"}}
			svc, err := NewService(Options{
				Providers: []Provider{{Name: "openai", Model: gen}},
				Filter:    tc.filter,
				Log:       logging.Discard(),
			})
			require.NoError(t, err)

			out, err := svc.GenerateResponse(context.Background(), character, msg, nil)
			require.NoError(t, err)
			if tc.want {
				require.NotNil(t, out)
				require.Len(t, gen.calls, 1)
			} else {
				require.Nil(t, out)
				require.Empty(t, gen.calls)
			}
		})
	}
}

func TestGenerateResponseDisabled(t *testing.T) {
	character := testCharacter()
	character.Responding.Enabled = false
	m := &recordingModel{replies: []string{"x"}}
	svc, err := NewService(Options{Providers: []Provider{{Name: "openai", Model: m}}, Log: logging.Discard()})
	require.NoError(t, err)

	out, err := svc.GenerateResponse(context.Background(), character, &models.Message{ID: "1"}, nil)
	require.NoError(t, err)
	require.Nil(t, out)
	require.Empty(t, m.calls)
}

func TestPickMedia(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.png"), []byte("png"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("txt"), 0o600))

	svc, err := NewService(Options{
		Providers: []Provider{{Name: "openai", Model: &recordingModel{replies: []string{"post"}}}},
		MediaDir:  dir,
		Log:       logging.Discard(),
	})
	require.NoError(t, err)

	character := testCharacter()
	require.Empty(t, svc.pickMedia(character))

	character.PluginSettings = map[string]map[string]any{"media": {"probability_of_posting": 1.0}}
	require.Equal(t, []string{filepath.Join(dir, "cat.png")}, svc.pickMedia(character))
}

func TestBuildProvidersUsesFactory(t *testing.T) {
	orig := NewChatModel
	defer func() { NewChatModel = orig }()
	var built []string
	NewChatModel = func(_ context.Context, name string, _ config.ProviderConfig) (model.BaseChatModel, error) {
		built = append(built, name)
		return &recordingModel{}, nil
	}

	cfg := &config.Config{Providers: map[string]config.ProviderConfig{"openai": {}, "claude": {}}}
	providers, err := BuildProviders(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.Equal(t, []string{"claude", "openai"}, built)

	cfg.Generation.Order = []string{"openai", "gemini"}
	_, err = BuildProviders(context.Background(), cfg)
	require.ErrorContains(t, err, "gemini not configured")
}

func TestNewChatModelRequiresKey(t *testing.T) {
	_, err := NewChatModel(context.Background(), "openai", config.ProviderConfig{Model: "gpt-4o"})
	require.Error(t, err)
	_, err = NewChatModel(context.Background(), "mistral", config.ProviderConfig{APIKey: "k"})
	require.ErrorContains(t, err, "invalid provider")
}
