// Package generation writes posts and responses in the character's voice.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"personago/internal/clock"
	"personago/internal/config"
	"personago/internal/knowledge"
	"personago/internal/memory"
	"personago/internal/metrics"
	"personago/internal/models"
)

// ErrNoProvider is returned when every provider in the chain failed.
var ErrNoProvider = errors.New("no generation provider succeeded")

const (
	postExamplesCount = 7
	previousPosts     = 10
	generalExamples   = "general"
	timeLayout        = "2006-01-02 15:04:05"
)

// Provider is one entry in the fallback chain.
type Provider struct {
	Name  string
	Model model.BaseChatModel
}

type Options struct {
	Providers []Provider
	// Filter answers the filtering-rules question; defaults to the first provider.
	Filter            model.BaseChatModel
	RequestsPerMinute int
	Messages          *memory.Store
	Knowledge         *knowledge.Selector
	Clock             clock.Clock
	Log               *slog.Logger
	MediaDir          string
	Rand              *rand.Rand
}

type Service struct {
	providers []Provider
	filter    model.BaseChatModel
	limiter   *rate.Limiter
	messages  *memory.Store
	knowledge *knowledge.Selector
	clock     clock.Clock
	log       *slog.Logger
	mediaDir  string

	mu   sync.Mutex
	rand *rand.Rand
}

func NewService(opts Options) (*Service, error) {
	if len(opts.Providers) == 0 {
		return nil, errors.New("at least one generation provider is required")
	}
	s := &Service{
		providers: opts.Providers,
		filter:    opts.Filter,
		messages:  opts.Messages,
		knowledge: opts.Knowledge,
		clock:     opts.Clock,
		log:       opts.Log,
		mediaDir:  opts.MediaDir,
		rand:      opts.Rand,
	}
	if s.filter == nil {
		s.filter = opts.Providers[0].Model
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.rand == nil {
		s.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return s, nil
}

// GeneratePost writes a new root post for the platform.
func (s *Service) GeneratePost(ctx context.Context, character *config.Character, platform, timeOfDay string) (*models.Generated, error) {
	now := s.clock.Now()
	if timeOfDay == "" {
		timeOfDay = models.TimeOfDay(now)
	}
	knowledgeText := s.knowledge.Gather(ctx, character, now)

	previous, err := s.previousPosts(ctx, character, platform)
	if err != nil {
		s.log.Warn("load previous posts failed", "error", err)
	}

	var system strings.Builder
	system.WriteString(character.Prompts.YouAre)
	if mood := character.Mood(platform, timeOfDay); mood != "" {
		fmt.Fprintf(&system, "\n\nYour mood right now: %s", mood)
	}
	system.WriteString("\n\nYour post examples are:\n")
	for _, ex := range s.pickExamples(character, platform, timeOfDay) {
		system.WriteString("- ")
		system.WriteString(ex)
		system.WriteString("\n")
	}
	system.WriteString("\nUse these examples as an inspiration for the new posts you create.\n\nHere are your previous posts:\n")
	for _, m := range previous {
		fmt.Fprintf(&system, "[%s] %s\n", m.WenPosted.Format(timeLayout), m.Content)
	}
	fmt.Fprintf(&system, "\nYou are posting to: %s\n", platform)
	if knowledgeText != "" {
		system.WriteString("\n")
		system.WriteString(knowledgeText)
	}

	user := fmt.Sprintf(`Generate your new post.

Critically important: your new post must be different from the examples provided and from your previous posts in all ways, shapes or forms.

Examples:
- if one of your previous posts starts with "Good morning", your new post must not start with "Good morning"
- if one of your previous posts starts with an emoji, your new post must not start with an emoji
- if one of your previous posts has a structure like "Question: <question> Answer: <answer>", your new post must not have that structure

Your post must be between %s words long.

You must not use hashtags in your post.`, s.pickLengthRange(character))

	content, err := s.complete(ctx, []*schema.Message{
		schema.SystemMessage(system.String()),
		schema.UserMessage(user),
	})
	if err != nil {
		return nil, err
	}
	return &models.Generated{Content: content, Media: s.pickMedia(character)}, nil
}

// GenerateResponse writes a reply to message within conversation. It returns
// nil without error when responding is disabled or the filtering rules say
// the message should be ignored.
func (s *Service) GenerateResponse(ctx context.Context, character *config.Character, message *models.Message, conversation []*models.Message) (*models.Generated, error) {
	if !character.Responding.Enabled {
		return nil, nil
	}
	messageText := formatMessage(message)
	lines := make([]string, 0, len(conversation))
	for _, m := range conversation {
		lines = append(lines, formatMessage(m))
	}
	conversationText := strings.Join(lines, "\n")
	log := s.log.With("message_id", message.ID, "platform", message.Platform)

	if rules := strings.TrimSpace(character.Responding.FilteringRules); rules != "" {
		ok, err := s.passesFilter(ctx, conversationText, messageText, rules)
		if err != nil {
			log.Warn("filtering rules check failed, not responding", "error", err)
			return nil, nil
		}
		if !ok {
			log.Info("message rejected by filtering rules")
			return nil, nil
		}
	}

	system := fmt.Sprintf(`%s

%s

Your goal is to respond to the message on %s provided below in the conversation provided below.

Message to respond to:
%s

Conversation:
%s`, character.Prompts.YouAre, character.Prompts.CommunicationRequirements, message.Platform, messageText, conversationText)

	content, err := s.complete(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage("Generate your response to the message. Your response length must be fewer than 30 words."),
	})
	if err != nil {
		return nil, err
	}
	return &models.Generated{Content: content}, nil
}

const filterPrompt = `You are a message filtering AI. You are given a message and a list of filtering rules. You need to determine if the message passes the filtering rules. If it does, return 'True'. If it does not, return 'False'. Only respond with 1 word: 'True' or 'False'.`

func (s *Service) passesFilter(ctx context.Context, conversation, message, rules string) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	resp, err := s.filter.Generate(ctx, []*schema.Message{
		schema.SystemMessage(filterPrompt),
		schema.UserMessage(fmt.Sprintf(`Conversation:
%s

Message from the conversation to decide whether to respond to:
%s

Filtering rules:
%s

Return True unless the message is in direct conflict with the filtering rules.`, conversation, message, rules)),
	})
	if err != nil {
		return false, err
	}
	verdict := strings.ToLower(strings.Trim(strings.TrimSpace(resp.Content), `'".`))
	switch {
	case strings.HasPrefix(verdict, "true"):
		return true, nil
	case strings.HasPrefix(verdict, "false"):
		return false, nil
	default:
		return false, fmt.Errorf("unexpected filter verdict %q", resp.Content)
	}
}

// complete tries each provider in order and returns the first non-empty answer.
func (s *Service) complete(ctx context.Context, msgs []*schema.Message) (string, error) {
	for _, p := range s.providers {
		if err := s.wait(ctx); err != nil {
			return "", err
		}
		resp, err := p.Model.Generate(ctx, msgs)
		if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content), nil
		}
		if err == nil {
			err = errors.New("empty completion")
		}
		metrics.GenerationFailures.WithLabelValues(p.Name).Inc()
		s.log.Warn("generation provider failed", "provider", p.Name, "error", err)
	}
	return "", ErrNoProvider
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Service) previousPosts(ctx context.Context, character *config.Character, platform string) ([]*models.Message, error) {
	if s.messages == nil {
		return nil, nil
	}
	root := true
	posts, err := s.messages.Query(ctx, memory.Filter{
		Character:  character.Name,
		Platform:   platform,
		Author:     character.Username(platform),
		IsRootPost: &root,
		SortBy:     "wen_posted",
		SortOrder:  memory.Desc,
		Limit:      previousPosts,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return posts, nil
}

func (s *Service) pickExamples(character *config.Character, platform, timeOfDay string) []string {
	examples := character.PostExamplesFor(platform, timeOfDay)
	if len(examples) == 0 {
		examples = character.PostExamplesFor(generalExamples, timeOfDay)
	}
	examples = append([]string(nil), examples...)
	s.mu.Lock()
	s.rand.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })
	s.mu.Unlock()
	if len(examples) > postExamplesCount {
		examples = examples[:postExamplesCount]
	}
	return examples
}

func (s *Service) pickLengthRange(character *config.Character) string {
	ranges := character.PostParameters.LengthRanges
	if len(ranges) == 0 {
		return "20-30"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ranges[s.rand.Intn(len(ranges))]
}

var mediaExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

// pickMedia attaches one image from the media directory with the
// character's configured probability.
func (s *Service) pickMedia(character *config.Character) []string {
	if s.mediaDir == "" {
		return nil
	}
	var probability float64
	switch v := character.PluginSettings["media"]["probability_of_posting"].(type) {
	case float64:
		probability = v
	case int:
		probability = float64(v)
	}
	s.mu.Lock()
	roll := s.rand.Float64()
	s.mu.Unlock()
	if probability <= 0 || roll >= probability {
		return nil
	}
	entries, err := os.ReadDir(s.mediaDir)
	if err != nil {
		s.log.Warn("read media dir failed", "dir", s.mediaDir, "error", err)
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && mediaExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(s.mediaDir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return []string{files[s.rand.Intn(len(files))]}
}

func formatMessage(m *models.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.WenPosted.Format(timeLayout), m.Author, m.Content)
}
