package engine

import (
	"context"
	"fmt"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
)

// LoadFirstPage fetches the first page for sort and replaces every cached page,
// the cursor, the subtrees and the expansion. On failure the previous cache
// stays visible. An explicit reload supersedes any optimistic state.
func (e *Engine) LoadFirstPage(ctx context.Context, sort discussion.SortMode) error {
	e.mu.Lock()
	e.cache.firstSeq++
	seq := e.cache.firstSeq
	e.cache.loadingFirst = true
	e.unlock()

	page, err := e.provider.FetchPage(remoteContext(ctx), e.threadRef, e.pageSize, nil, sort)

	e.mu.Lock()
	defer e.unlock()
	c := e.cache
	if seq != c.firstSeq {
		// a newer reload owns the result
		return nil
	}
	c.loadingFirst = false
	if err != nil {
		fetchErr := &FetchError{Target: "first page", Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Str("sort", string(sort)).Msg("first page fetch failed")
		e.notify(fetchErr, "")
		return fetchErr
	}

	c.generation++
	c.sort = sort
	c.threadID = page.ThreadID
	c.total = page.Total
	c.pages = []cachedPage{{entries: discussion.CloneEntries(page.Entries)}}
	c.next = copyCursor(page.NextCursor)
	c.loaded = true
	c.loadingNext = false
	for _, state := range c.subtrees {
		if state.loading {
			close(state.done)
		}
	}
	c.subtrees = make(map[string]*subtreeState)
	c.expanded = ""
	e.logger.Debug().Str("sort", string(sort)).Int("entries", len(page.Entries)).Msg("first page loaded")
	return nil
}

// Refresh reloads the first page with the current sort mode.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	sort := e.cache.sort
	e.unlock()
	return e.LoadFirstPage(ctx, sort)
}

// LoadNextPage appends the next page. It is a no-op when there is no cursor,
// nothing has been loaded yet, or a next-page fetch is already in flight.
func (e *Engine) LoadNextPage(ctx context.Context) error {
	e.mu.Lock()
	c := e.cache
	if c.next == nil || c.loadingNext || len(c.pages) == 0 {
		e.unlock()
		return nil
	}
	c.loadingNext = true
	generation := c.generation
	cursor := *c.next
	sort := c.sort
	e.unlock()

	page, err := e.provider.FetchPage(remoteContext(ctx), e.threadRef, e.pageSize, &cursor, sort)

	e.mu.Lock()
	defer e.unlock()
	if generation != c.generation {
		e.logger.Debug().Msg("next page dropped after reload")
		return nil
	}
	c.loadingNext = false
	if err != nil {
		fetchErr := &FetchError{Target: "next page", Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Msg("next page fetch failed")
		e.notify(fetchErr, "")
		return fetchErr
	}
	entries, hidden := e.overlayPending(discussion.CloneEntries(page.Entries), nil, false, "")
	c.pages = append(c.pages, cachedPage{cursor: &cursor, entries: entries})
	c.next = copyCursor(page.NextCursor)
	c.total = page.Total - hidden
	if page.ThreadID != "" {
		c.threadID = page.ThreadID
	}
	return nil
}

// LoadSubtree fetches the replies of parentID. It is a no-op while a fetch for
// the same parent is in flight. A failed first fetch leaves the subtree absent.
func (e *Engine) LoadSubtree(ctx context.Context, parentID string) error {
	return e.loadSubtree(ctx, parentID, false, "")
}

// loadSubtree backs LoadSubtree. With wait set it sits out a fetch already in
// flight and then issues its own, so the result is never older than the call.
// fresh names the entry whose fetched copy wins over local state.
func (e *Engine) loadSubtree(ctx context.Context, parentID string, wait bool, fresh string) error {
	e.mu.Lock()
	c := e.cache
	state, ok := c.subtrees[parentID]
	for ok && state.loading {
		if !wait {
			e.unlock()
			return nil
		}
		done := state.done
		e.unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
		state, ok = c.subtrees[parentID]
	}
	if !ok {
		state = &subtreeState{}
		c.subtrees[parentID] = state
	}
	state.loading = true
	state.done = make(chan struct{})
	generation := c.generation
	e.unlock()

	subtree, err := e.provider.FetchSubtree(remoteContext(ctx), e.threadRef, parentID)

	e.mu.Lock()
	defer e.unlock()
	if generation != c.generation {
		return nil
	}
	state.loading = false
	close(state.done)
	if err != nil {
		if !state.loaded && c.subtrees[parentID] == state {
			delete(c.subtrees, parentID)
		}
		fetchErr := &FetchError{Target: fmt.Sprintf("replies of %s", parentID), Err: remote.AsError(err)}
		e.logger.Warn().Err(err).Str("parent", parentID).Msg("subtree fetch failed")
		e.notify(fetchErr, parentID)
		return fetchErr
	}
	state.replies, _ = e.overlayPending(discussion.CloneEntries(subtree.Entries), state.replies, false, fresh)
	state.loaded = true
	return nil
}

// ExpandCollapse toggles which single parent is expanded. The first expansion
// of a parent whose subtree is absent triggers LoadSubtree.
func (e *Engine) ExpandCollapse(ctx context.Context, parentID string) error {
	e.mu.Lock()
	c := e.cache
	if c.expanded == parentID {
		c.expanded = ""
		e.unlock()
		return nil
	}
	c.expanded = parentID
	_, cached := c.subtrees[parentID]
	e.unlock()

	if cached {
		return nil
	}
	return e.LoadSubtree(ctx, parentID)
}

// ensureSubtree returns once parentID has a loaded subtree, waiting for an
// in-flight fetch or starting one.
func (e *Engine) ensureSubtree(ctx context.Context, parentID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		e.mu.Lock()
		state, ok := e.cache.subtrees[parentID]
		switch {
		case ok && state.loaded && !state.loading:
			e.unlock()
			return nil
		case ok && state.loading:
			done := state.done
			e.unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			e.unlock()
			if err := e.LoadSubtree(ctx, parentID); err != nil {
				return err
			}
		}
	}
	return &FetchError{Target: fmt.Sprintf("replies of %s", parentID), Err: remote.NewError(503, "replies did not settle")}
}

// resync re-fetches the page or subtree holding loc and replaces it, keeping
// only the local state of other mutations still in flight. fresh is the entry
// being resynced.
func (e *Engine) resync(ctx context.Context, loc location, fresh string) error {
	if !loc.topLevel() {
		return e.loadSubtree(ctx, loc.parentID, true, fresh)
	}

	e.mu.Lock()
	c := e.cache
	if loc.page >= len(c.pages) {
		e.unlock()
		return nil
	}
	cursor := copyCursor(c.pages[loc.page].cursor)
	sort := c.sort
	generation := c.generation
	e.unlock()

	page, err := e.provider.FetchPage(remoteContext(ctx), e.threadRef, e.pageSize, cursor, sort)

	e.mu.Lock()
	defer e.unlock()
	if generation != c.generation {
		return nil
	}
	if err != nil {
		return &FetchError{Target: fmt.Sprintf("page %d", loc.page+1), Err: remote.AsError(err)}
	}
	if loc.page >= len(c.pages) {
		return nil
	}
	entries, hidden := e.overlayPending(discussion.CloneEntries(page.Entries), c.pages[loc.page].entries, true, fresh)
	c.pages[loc.page].entries = entries
	c.total = page.Total - hidden
	if loc.page == len(c.pages)-1 && !c.loadingNext {
		c.next = copyCursor(page.NextCursor)
	}
	e.logger.Debug().Int("page", loc.page).Msg("page resynced")
	return nil
}

// overlayPending merges refetched entries with local mutations still in
// flight. Entries being deleted stay hidden, entries being edited or reacted
// to keep their optimistic copy (except fresh), and provisional entries are
// carried over. It returns the merged list and how many fetched entries were
// hidden. Callers hold e.mu.
func (e *Engine) overlayPending(fetched, previous []discussion.Entry, atHead bool, fresh string) ([]discussion.Entry, int) {
	local := make(map[string]discussion.Entry, len(previous))
	for _, entry := range previous {
		local[entry.ID] = entry
	}
	merged := make([]discussion.Entry, 0, len(fetched))
	hidden := 0
	for _, entry := range fetched {
		switch op, busy := e.pending[entry.ID]; {
		case busy && op == OpDelete:
			hidden++
			continue
		case busy && entry.ID != fresh && (op == OpEdit || op == OpReact):
			if optimistic, ok := local[entry.ID]; ok {
				optimistic = optimistic.Clone()
				optimistic.ReplyCount = entry.ReplyCount
				entry = optimistic
			}
		}
		merged = append(merged, entry)
	}
	return keepProvisional(merged, previous, atHead), hidden
}

func copyCursor(cursor *string) *string {
	if cursor == nil {
		return nil
	}
	value := *cursor
	return &value
}
