package engine

import (
	"context"
	"strings"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/rbac"
	"threadsync/api/internal/remote"
	"threadsync/api/internal/util"
)

// Create posts a new top-level entry, or a reply when parentID is set. The
// provisional entry is visible immediately and replaced in place by the
// confirmed one; on failure it is removed and every count it touched restored.
func (e *Engine) Create(ctx context.Context, body, parentID string) (discussion.Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return discussion.Entry{}, &MutationError{Op: OpCreate, Err: ErrEmptyBody}
	}
	if !rbac.Can(rbac.RoleOf(e.viewer), rbac.ActionComment) {
		return discussion.Entry{}, &MutationError{Op: OpCreate, Err: ErrForbidden}
	}
	if parentID != "" {
		return e.createReply(ctx, body, parentID)
	}

	provisional := e.synthesize(body, "", util.NewProvisionalID())

	e.mu.Lock()
	c := e.cache
	if !c.loaded || len(c.pages) == 0 {
		e.unlock()
		return discussion.Entry{}, &MutationError{Op: OpCreate, Err: ErrNotLoaded}
	}
	if err := e.acquire(provisional.ID, OpCreate); err != nil {
		e.unlock()
		return discussion.Entry{}, err
	}
	c.insertAt(location{page: 0, index: 0}, provisional)
	c.total++
	generation := c.generation
	threadID := c.threadID
	e.unlock()
	e.logger.Debug().Str("entry", provisional.ID).Msg("optimistic create applied")

	confirmed, err := e.provider.CreateEntry(remoteContext(ctx), threadID, body, "")

	e.mu.Lock()
	defer e.unlock()
	e.release(provisional.ID)
	if err != nil {
		if generation == c.generation {
			if loc, ok := c.locate(provisional.ID); ok {
				c.removeAt(loc)
				c.total--
			}
		}
		mutationErr := &MutationError{Op: OpCreate, EntryID: provisional.ID, Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Str("entry", provisional.ID).Msg("create rolled back")
		e.notify(mutationErr, provisional.ID)
		return discussion.Entry{}, mutationErr
	}
	if generation == c.generation {
		c.settle(provisional.ID, confirmed.Clone())
	}
	e.logger.Debug().Str("entry", confirmed.ID).Str("provisional", provisional.ID).Msg("create confirmed")
	return confirmed, nil
}

func (e *Engine) createReply(ctx context.Context, body, parentID string) (discussion.Entry, error) {
	e.mu.Lock()
	c := e.cache
	parentLoc, ok := c.locateTopLevel(parentID)
	if !ok {
		e.unlock()
		return discussion.Entry{}, &MutationError{Op: OpCreate, EntryID: parentID, Err: ErrNotFound}
	}
	parent := c.entryAt(parentLoc)
	if parent.Provisional {
		e.unlock()
		return discussion.Entry{}, &MutationError{Op: OpCreate, EntryID: parentID, Err: ErrProvisional}
	}
	_, cached := c.subtrees[parentID]
	needsFetch := !cached && parent.ReplyCount > 0
	e.unlock()

	if needsFetch || cached {
		if err := e.ensureSubtree(ctx, parentID); err != nil {
			mutationErr := &MutationError{Op: OpCreate, EntryID: parentID, Err: err}
			e.mu.Lock()
			e.notify(mutationErr, parentID)
			e.unlock()
			return discussion.Entry{}, mutationErr
		}
	}

	provisional := e.synthesize(body, parentID, util.NewProvisionalID())

	e.mu.Lock()
	if _, ok := c.locateTopLevel(parentID); !ok {
		e.unlock()
		return discussion.Entry{}, &MutationError{Op: OpCreate, EntryID: parentID, Err: ErrNotFound}
	}
	if err := e.acquire(provisional.ID, OpCreate); err != nil {
		e.unlock()
		return discussion.Entry{}, err
	}
	state, synthesized := c.subtrees[parentID], false
	if state == nil {
		// nothing to fetch: the reply starts a new subtree
		state = &subtreeState{loaded: true, replies: []discussion.Entry{}}
		c.subtrees[parentID] = state
		synthesized = true
	}
	firstReply := len(state.replies) == 0
	previousExpanded := c.expanded
	state.replies = append(append([]discussion.Entry(nil), state.replies...), provisional)
	c.adjustReplyCount(parentID, 1)
	c.expanded = parentID
	generation := c.generation
	threadID := c.threadID
	e.unlock()
	e.logger.Debug().Str("entry", provisional.ID).Str("parent", parentID).Msg("optimistic reply applied")

	confirmed, err := e.provider.CreateEntry(remoteContext(ctx), threadID, body, parentID)

	e.mu.Lock()
	defer e.unlock()
	e.release(provisional.ID)
	if err != nil {
		if generation == c.generation {
			if loc, ok := c.locate(provisional.ID); ok {
				c.removeAt(loc)
			}
			c.adjustReplyCount(parentID, -1)
			if current, ok := c.subtrees[parentID]; ok && synthesized && len(current.replies) == 0 {
				delete(c.subtrees, parentID)
			}
			if c.expanded == parentID {
				c.expanded = previousExpanded
			}
		}
		mutationErr := &MutationError{Op: OpCreate, EntryID: provisional.ID, Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Str("entry", provisional.ID).Str("parent", parentID).Msg("reply rolled back")
		e.notify(mutationErr, provisional.ID)
		return discussion.Entry{}, mutationErr
	}
	confirmed.ParentID = parentID
	if generation == c.generation {
		c.settle(provisional.ID, confirmed.Clone())
		if firstReply {
			c.expanded = parentID
		}
	}
	e.logger.Debug().Str("entry", confirmed.ID).Str("provisional", provisional.ID).Msg("reply confirmed")
	return confirmed, nil
}

// Edit applies the new body and an edited timestamp immediately. On failure
// only this entry is restored from its pre-edit snapshot.
func (e *Engine) Edit(ctx context.Context, entryID, body string) (discussion.Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return discussion.Entry{}, &MutationError{Op: OpEdit, EntryID: entryID, Err: ErrEmptyBody}
	}

	e.mu.Lock()
	c := e.cache
	loc, err := e.mutableEntry(entryID, rbac.ActionEdit, OpEdit)
	if err != nil {
		e.unlock()
		return discussion.Entry{}, err
	}
	if err := e.acquire(entryID, OpEdit); err != nil {
		e.unlock()
		return discussion.Entry{}, err
	}
	snapshot := c.entryAt(loc).Clone()
	edited := snapshot.Clone()
	edited.Body = body
	editedAt := e.now()
	edited.LastEditedAt = &editedAt
	c.replaceAt(loc, edited)
	generation := c.generation
	threadID := c.threadID
	e.unlock()
	e.logger.Debug().Str("entry", entryID).Msg("optimistic edit applied")

	confirmed, err := e.provider.EditEntry(remoteContext(ctx), threadID, entryID, body)

	e.mu.Lock()
	defer e.unlock()
	e.release(entryID)
	current, found := e.currentEntry(entryID, generation)
	if err != nil {
		if found {
			// reply counts may have moved while the edit was in flight
			snapshot.ReplyCount = current.ReplyCount
			c.replace(entryID, snapshot)
		}
		mutationErr := &MutationError{Op: OpEdit, EntryID: entryID, Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Str("entry", entryID).Msg("edit rolled back")
		e.notify(mutationErr, entryID)
		return discussion.Entry{}, mutationErr
	}
	confirmed.ParentID = snapshot.ParentID
	if found {
		confirmed.ReplyCount = current.ReplyCount
		c.replace(entryID, confirmed.Clone())
	}
	return confirmed, nil
}

// Delete removes the entry immediately. Deleting a top-level entry also drops
// its cached subtree and expansion; deleting a reply decrements the parent's
// reply count. On failure everything is restored at the original position,
// unless a refetch already brought the entry back.
func (e *Engine) Delete(ctx context.Context, entryID string) error {
	e.mu.Lock()
	c := e.cache
	loc, err := e.mutableEntry(entryID, rbac.ActionDelete, OpDelete)
	if err != nil {
		e.unlock()
		return err
	}
	if err := e.acquire(entryID, OpDelete); err != nil {
		e.unlock()
		return err
	}
	removed := c.removeAt(loc)
	var (
		droppedSubtree *subtreeState
		wasExpanded    bool
	)
	if loc.topLevel() {
		droppedSubtree = c.subtrees[entryID]
		delete(c.subtrees, entryID)
		wasExpanded = c.expanded == entryID
		if wasExpanded {
			c.expanded = ""
		}
		c.total--
	} else {
		c.adjustReplyCount(loc.parentID, -1)
	}
	generation := c.generation
	threadID := c.threadID
	e.unlock()
	e.logger.Debug().Str("entry", entryID).Msg("optimistic delete applied")

	err = e.provider.DeleteEntry(remoteContext(ctx), threadID, entryID)

	e.mu.Lock()
	defer e.unlock()
	e.release(entryID)
	if err == nil {
		return nil
	}
	if generation == c.generation {
		if existing, found := c.locate(entryID); found {
			c.replaceAt(existing, removed)
		} else if loc.topLevel() {
			if c.insertAt(loc, removed) {
				c.total++
				if droppedSubtree != nil {
					c.subtrees[entryID] = droppedSubtree
				}
				if wasExpanded && c.expanded == "" {
					c.expanded = entryID
				}
			}
		} else if c.insertAt(loc, removed) {
			c.adjustReplyCount(loc.parentID, 1)
		}
	}
	mutationErr := &MutationError{Op: OpDelete, EntryID: entryID, Err: remote.AsError(err)}
	e.logger.Warn().Err(err).Str("entry", entryID).Msg("delete rolled back")
	e.notify(mutationErr, entryID)
	return mutationErr
}

// mutableEntry locates entryID and checks the viewer may perform action on it.
// Callers hold e.mu.
func (e *Engine) mutableEntry(entryID string, action rbac.Action, op Op) (location, error) {
	loc, ok := e.cache.locate(entryID)
	if !ok {
		return location{}, &MutationError{Op: op, EntryID: entryID, Err: ErrNotFound}
	}
	entry := e.cache.entryAt(loc)
	if entry.Provisional || util.IsProvisionalID(entry.ID) {
		return location{}, &MutationError{Op: op, EntryID: entryID, Err: ErrProvisional}
	}
	if !rbac.CanEntry(e.viewer, entry, action) {
		return location{}, &MutationError{Op: op, EntryID: entryID, Err: ErrForbidden}
	}
	return loc, nil
}

// currentEntry returns the cached entry when the cache has not been reloaded
// since generation. Callers hold e.mu.
func (e *Engine) currentEntry(entryID string, generation uint64) (discussion.Entry, bool) {
	if generation != e.cache.generation {
		return discussion.Entry{}, false
	}
	loc, ok := e.cache.locate(entryID)
	if !ok {
		return discussion.Entry{}, false
	}
	return e.cache.entryAt(loc), true
}
