package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/rbac"
	"threadsync/api/internal/reaction"
	"threadsync/api/internal/remote"
)

// ToggleReaction flips the caller's reaction of kind on entryID. Single-call
// toggles roll back the one entry on failure. A sentiment switch issues both
// calls together and, if either fails, re-fetches the entry's page or subtree
// instead of patching the two counters back.
func (e *Engine) ToggleReaction(ctx context.Context, entryID string, kind discussion.ReactionKind) error {
	e.mu.Lock()
	c := e.cache
	loc, err := e.mutableEntry(entryID, rbac.ActionReact, OpReact)
	if err != nil {
		e.unlock()
		return err
	}
	if err := e.acquire(entryID, OpReact); err != nil {
		e.unlock()
		return err
	}
	snapshot := c.entryAt(loc).Clone()
	transition := reaction.Plan(snapshot, kind, e.viewer.Login)
	c.replaceAt(loc, reaction.Apply(snapshot, transition, e.viewer.Author))
	generation := c.generation
	threadID := c.threadID
	e.unlock()
	e.logger.Debug().
		Str("entry", entryID).
		Str("kind", string(kind)).
		Str("from", string(transition.From)).
		Str("to", string(transition.To)).
		Msg("optimistic reaction applied")

	callErr := e.issueReactionCalls(remoteContext(ctx), threadID, entryID, transition.Calls)
	if callErr == nil {
		e.mu.Lock()
		e.release(entryID)
		e.unlock()
		return nil
	}

	if !transition.Switch() {
		e.mu.Lock()
		defer e.unlock()
		e.release(entryID)
		if current, found := e.currentEntry(entryID, generation); found {
			snapshot.ReplyCount = current.ReplyCount
			c.replace(entryID, snapshot)
		}
		mutationErr := &MutationError{Op: OpReact, EntryID: entryID, Err: remote.AsError(callErr)}
		e.logger.Warn().Err(callErr).Str("entry", entryID).Msg("reaction rolled back")
		e.notify(mutationErr, entryID)
		return mutationErr
	}

	e.logger.Warn().Err(callErr).Str("entry", entryID).Msg("sentiment switch partially failed, resyncing")
	resyncErr := e.resync(ctx, loc, entryID)

	e.mu.Lock()
	defer e.unlock()
	e.release(entryID)
	if resyncErr != nil {
		// nothing fresher to show; fall back to the last confirmed state
		if current, found := e.currentEntry(entryID, generation); found {
			snapshot.ReplyCount = current.ReplyCount
			c.replace(entryID, snapshot)
		}
	}
	resyncRequired := &ReactionResyncRequired{
		EntryID:   entryID,
		Kind:      kind,
		Err:       remote.AsError(callErr),
		Resynced:  resyncErr == nil,
		ResyncErr: resyncErr,
	}
	e.notify(resyncRequired, entryID)
	return resyncRequired
}

func (e *Engine) issueReactionCalls(ctx context.Context, threadID, entryID string, calls []reaction.Call) error {
	if len(calls) == 1 {
		return e.provider.SetReaction(ctx, threadID, entryID, calls[0].Kind, calls[0].Active)
	}
	var group errgroup.Group
	for _, call := range calls {
		call := call
		group.Go(func() error {
			return e.provider.SetReaction(ctx, threadID, entryID, call.Kind, call.Active)
		})
	}
	return group.Wait()
}
