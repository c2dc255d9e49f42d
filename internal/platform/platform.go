// Package platform defines the boundary between the engine and a social
// network integration.
package platform

import (
	"context"
	"errors"
	"fmt"

	"personago/internal/models"
)

var (
	// ErrForbidden means the platform refused the action outright.
	ErrForbidden = errors.New("platform refused the action")
	// ErrTransient covers timeouts, throttling and server errors.
	ErrTransient = errors.New("transient platform error")
)

// Outcome tags a PublishResult.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeForbidden
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type PublishRequest struct {
	Content   string
	MediaIDs  []string
	InReplyTo string
}

// PublishResult is either an id (OutcomeOK) or a classified failure.
type PublishResult struct {
	Outcome Outcome
	ID      string
	Err     error
}

func Published(id string) PublishResult {
	return PublishResult{Outcome: OutcomeOK, ID: id}
}

func Forbidden(err error) PublishResult {
	return PublishResult{Outcome: OutcomeForbidden, Err: fmt.Errorf("%w: %v", ErrForbidden, err)}
}

func Transient(err error) PublishResult {
	return PublishResult{Outcome: OutcomeTransient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
}

// ResultFromError maps err onto a failed PublishResult.
func ResultFromError(err error) PublishResult {
	if errors.Is(err, ErrForbidden) {
		return PublishResult{Outcome: OutcomeForbidden, Err: err}
	}
	if errors.Is(err, ErrTransient) {
		return PublishResult{Outcome: OutcomeTransient, Err: err}
	}
	return Transient(err)
}

func (r PublishResult) OK() bool { return r.Outcome == OutcomeOK }

// Client is implemented by every platform integration.
type Client interface {
	Name() string
	Publish(ctx context.Context, req PublishRequest) PublishResult
	// FetchNewReplies returns replies in the threads of ownIDs newer than sinceID.
	FetchNewReplies(ctx context.Context, ownIDs []string, sinceID string) ([]models.Reply, error)
	// FetchConversation returns the live messages of one thread.
	FetchConversation(ctx context.Context, conversationID string) ([]models.Reply, error)
	UploadMedia(ctx context.Context, path string) (string, error)
}
