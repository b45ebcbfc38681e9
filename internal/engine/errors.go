package engine

import (
	"errors"
	"fmt"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
)

var (
	ErrNotLoaded   = errors.New("thread not loaded")
	ErrNotFound    = errors.New("entry not found")
	ErrProvisional = errors.New("entry is not confirmed yet")
	ErrForbidden   = errors.New("not allowed for this entry")
	ErrEmptyBody   = errors.New("body is required")
)

type Op string

const (
	OpCreate Op = "create"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
	OpReact  Op = "react"
)

// FetchError reports a failed read. The cache keeps its last known good state.
type FetchError struct {
	Target string
	Err    *remote.Error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) UserMessage() string {
	return "Couldn't load comments. Please try again."
}

// MutationError reports a rejected or failed write. Any optimistic change has
// been rolled back by the time it is returned.
type MutationError struct {
	Op      Op
	EntryID string
	Err     error
}

func (e *MutationError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("%s entry: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s entry %s: %v", e.Op, e.EntryID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func (e *MutationError) UserMessage() string {
	switch {
	case errors.Is(e.Err, ErrForbidden):
		return "You can't change this comment."
	case errors.Is(e.Err, ErrNotFound):
		return "That comment is no longer here."
	case errors.Is(e.Err, ErrProvisional):
		return "That comment is still being posted."
	case errors.Is(e.Err, ErrEmptyBody):
		return "Comment can't be empty."
	}
	switch e.Op {
	case OpCreate:
		return "Couldn't post your comment."
	case OpEdit:
		return "Couldn't save your edit."
	case OpDelete:
		return "Couldn't delete the comment."
	default:
		return "Couldn't update your reaction."
	}
}

// ReactionResyncRequired reports a sentiment switch where one of the two remote
// calls failed. The affected page or subtree was re-fetched when Resynced is true.
type ReactionResyncRequired struct {
	EntryID   string
	Kind      discussion.ReactionKind
	Err       error
	Resynced  bool
	ResyncErr error
}

func (e *ReactionResyncRequired) Error() string {
	if e.ResyncErr != nil {
		return fmt.Sprintf("reaction %s on %s needs resync: %v (resync failed: %v)", e.Kind, e.EntryID, e.Err, e.ResyncErr)
	}
	return fmt.Sprintf("reaction %s on %s needs resync: %v", e.Kind, e.EntryID, e.Err)
}

func (e *ReactionResyncRequired) Unwrap() error {
	return e.Err
}

func (e *ReactionResyncRequired) UserMessage() string {
	return "Couldn't update your reaction. Reactions were refreshed."
}

// ConcurrentMutationError rejects a second mutation on an entry whose first
// mutation is still in flight. No state changes and no remote call is made.
type ConcurrentMutationError struct {
	EntryID string
}

func (e *ConcurrentMutationError) Error() string {
	return fmt.Sprintf("entry %s has a mutation in flight", e.EntryID)
}

func (e *ConcurrentMutationError) UserMessage() string {
	return "Please wait for the previous change to finish."
}

// UserMessage returns a short human-readable description for any engine error.
func UserMessage(err error) string {
	var messenger interface{ UserMessage() string }
	if errors.As(err, &messenger) {
		return messenger.UserMessage()
	}
	return "Something went wrong."
}
