// Package moderation decides whether inbound replies are flagged before they
// can reach response generation.
package moderation

import (
	"context"
	"log/slog"
	"strings"

	"personago/internal/metrics"
)

// Result is the outcome of classifying one message.
type Result struct {
	Flagged bool   `json:"flagged"`
	Source  string `json:"source"`
	Detail  string `json:"detail,omitempty"`
}

// Metadata renders the result as message metadata.
func (r Result) Metadata() map[string]any {
	m := map[string]any{"flagged": r.Flagged, "source": r.Source}
	if r.Detail != "" {
		m["detail"] = r.Detail
	}
	return m
}

// Classifier labels text. Implementations may fail; Gate absorbs the failure.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Gate wraps a Classifier and never blocks ingestion: any classifier error
// is logged and counted, and the text is treated as safe.
type Gate struct {
	classifier Classifier
	log        *slog.Logger
}

func NewGate(classifier Classifier, log *slog.Logger) *Gate {
	return &Gate{classifier: classifier, log: log}
}

// Classify returns the classifier verdict, or an unflagged result on failure.
func (g *Gate) Classify(ctx context.Context, text string) Result {
	if g == nil || g.classifier == nil {
		return Result{Source: "none"}
	}
	res, err := g.classifier.Classify(ctx, text)
	if err != nil {
		metrics.ModerationFailures.Inc()
		if g.log != nil {
			g.log.Warn("moderation classifier failed, treating message as safe", "error", err)
		}
		return Result{Source: "fail_open", Detail: err.Error()}
	}
	return res
}

// KeywordClassifier flags text containing any blocked term, case-insensitively.
type KeywordClassifier struct {
	terms []string
}

func NewKeywordClassifier(terms []string) *KeywordClassifier {
	k := &KeywordClassifier{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			k.terms = append(k.terms, t)
		}
	}
	return k
}

func (k *KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	lower := strings.ToLower(text)
	for _, t := range k.terms {
		if strings.Contains(lower, t) {
			return Result{Flagged: true, Source: "keywords", Detail: t}, nil
		}
	}
	return Result{Source: "keywords"}, nil
}
