// Package remote adapts remote discussion providers to the engine's canonical
// entry shape. Providers never retry; every failure leaves as *Error.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"threadsync/api/internal/discussion"
)

type Provider interface {
	FetchPage(ctx context.Context, threadRef string, pageSize int, cursor *string, sort discussion.SortMode) (discussion.Page, error)
	FetchSubtree(ctx context.Context, threadRef, parentID string) (discussion.Subtree, error)
	CreateEntry(ctx context.Context, threadID, body, parentID string) (discussion.Entry, error)
	EditEntry(ctx context.Context, threadID, entryID, body string) (discussion.Entry, error)
	DeleteEntry(ctx context.Context, threadID, entryID string) error
	SetReaction(ctx context.Context, threadID, entryID string, kind discussion.ReactionKind, active bool) error
}

type Credentials struct {
	Token       string
	Login       string
	Password    string
	Association string
}

// Connector builds a Provider bound to one caller and resolves that caller's identity.
type Connector interface {
	Connect(ctx context.Context, credentials Credentials) (Provider, discussion.Viewer, error)
}

// Resumer is implemented by connectors that can rebuild a provider for a login
// the host authenticated earlier, without the original secret.
type Resumer interface {
	Resume(ctx context.Context, login string) (Provider, discussion.Viewer, error)
}

type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

func NewError(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any failure into *Error. Deadlines become 504, cancellations 499
// and unknown transport failures 503.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Status: http.StatusGatewayTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Status: 499, Message: err.Error()}
	default:
		return &Error{Status: http.StatusServiceUnavailable, Message: err.Error()}
	}
}

func IsNotFound(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Status == http.StatusNotFound
}
