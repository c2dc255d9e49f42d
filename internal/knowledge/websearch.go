package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"

	"personago/internal/config"
)

const (
	webSearchHTTPTimeout = 10 * time.Second
	maxKnowledgeRunes    = 4000
)

func init() {
	Register("web_search", newWebSearch)
}

// webSearch looks up one of the configured topics, trying google first and
// falling back to duckduckgo. A topic that is a URL is fetched directly.
type webSearch struct {
	name       string
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	queries    []string
	log        *slog.Logger
	pick       func(n int) int
}

func newWebSearch(ctx context.Context, name string, cfg config.PluginConfig, log *slog.Logger) (Plugin, error) {
	google, err := newGoogleSearch(ctx)
	if err != nil {
		log.Warn("google search disabled", "error", err)
	}
	duck, err := newDDGSearch(ctx)
	if err != nil {
		log.Warn("duckduckgo search disabled", "error", err)
	}
	if google == nil && duck == nil {
		return nil, errors.New("no search providers available")
	}
	return &webSearch{
		name:       name,
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: webSearchHTTPTimeout},
		queries:    cfg.Queries,
		log:        log,
		pick:       rand.Intn,
	}, nil
}

func newDDGSearch(ctx context.Context) (tool.InvokableTool, error) {
	return duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchHTTPTimeout,
	})
}

func newGoogleSearch(ctx context.Context) (tool.InvokableTool, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	engineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey == "" || engineID == "" {
		return nil, errors.New("missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
	}
	return googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
}

func (w *webSearch) Name() string { return w.name }

func (w *webSearch) Knowledge(ctx context.Context, character *config.Character) (string, error) {
	queries := w.queries
	if override := stringList(character, w.name, "queries"); len(override) > 0 {
		queries = override
	}
	if len(queries) == 0 {
		return "", errors.New("no search queries configured")
	}
	query := queries[w.pick(len(queries))]
	result, err := w.search(ctx, query)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Here is what is being said right now about %q. Use it as inspiration for your post:\n%s",
		query, truncateRunes(result, maxKnowledgeRunes)), nil
}

func (w *webSearch) search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.log.Warn("url fetch failed", "url", query, "error", err)
	}

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.log.Warn("google search failed", "error", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, string(payload))
		if err == nil {
			return result, nil
		}
		w.log.Warn("duckduckgo search failed", "error", err)
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearch) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "personago/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// stringList reads a list from the character's per-plugin settings.
func stringList(character *config.Character, plugin, key string) []string {
	if character == nil {
		return nil
	}
	var out []string
	switch v := character.PluginSettings[plugin][key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
