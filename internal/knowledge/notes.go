package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"personago/internal/config"
)

const notesChunkSize = 1000

func init() {
	Register("notes", newNotes)
}

// notes offers one random passage of a local knowledge file per use.
type notes struct {
	name   string
	path   string
	loader document.Loader
	pick   func(n int) int
}

func newNotes(ctx context.Context, name string, cfg config.PluginConfig, _ *slog.Logger) (Plugin, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, err
	}
	return &notes{name: name, path: cfg.Path, loader: loader, pick: rand.Intn}, nil
}

func (n *notes) Name() string { return n.name }

func (n *notes) Knowledge(ctx context.Context, _ *config.Character) (string, error) {
	docs, err := n.loader.Load(ctx, document.Source{URI: n.path})
	if err != nil {
		return "", fmt.Errorf("load notes: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	chunks := chunk(strings.TrimSpace(builder.String()), notesChunkSize)
	if len(chunks) == 0 {
		return "", errors.New("notes have no readable text content")
	}
	return "Something from your notes you might want to talk about:\n" + chunks[n.pick(len(chunks))], nil
}

func chunk(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
