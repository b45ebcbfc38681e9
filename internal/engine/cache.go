package engine

import (
	"threadsync/api/internal/discussion"
)

type cachedPage struct {
	// cursor that produced this page; nil for the first page
	cursor  *string
	entries []discussion.Entry
}

type subtreeState struct {
	replies []discussion.Entry
	loaded  bool
	loading bool
	done    chan struct{}
}

// location addresses one cached entry. parentID is empty for top-level entries.
type location struct {
	parentID string
	page     int
	index    int
}

func (l location) topLevel() bool {
	return l.parentID == ""
}

// cache is the single mutable store behind an Engine. Callers hold Engine.mu.
type cache struct {
	sort     discussion.SortMode
	threadID string
	total    int
	pages    []cachedPage
	next     *string
	loaded   bool

	loadingFirst bool
	firstSeq     uint64
	loadingNext  bool

	// generation advances whenever a full reload replaces the cache; work that
	// started under an older generation must not touch the new state.
	generation uint64

	subtrees map[string]*subtreeState
	expanded string
}

func newCache() *cache {
	return &cache{
		sort:     discussion.SortOldest,
		subtrees: make(map[string]*subtreeState),
	}
}

func (c *cache) locate(id string) (location, bool) {
	if loc, ok := c.locateTopLevel(id); ok {
		return loc, true
	}
	for parentID, state := range c.subtrees {
		for i, reply := range state.replies {
			if reply.ID == id {
				return location{parentID: parentID, index: i}, true
			}
		}
	}
	return location{}, false
}

func (c *cache) locateTopLevel(id string) (location, bool) {
	for p, page := range c.pages {
		for i, entry := range page.entries {
			if entry.ID == id {
				return location{page: p, index: i}, true
			}
		}
	}
	return location{}, false
}

func (c *cache) entryAt(loc location) discussion.Entry {
	if loc.topLevel() {
		return c.pages[loc.page].entries[loc.index]
	}
	return c.subtrees[loc.parentID].replies[loc.index]
}

func (c *cache) replaceAt(loc location, entry discussion.Entry) {
	if loc.topLevel() {
		c.pages[loc.page].entries[loc.index] = entry
		return
	}
	c.subtrees[loc.parentID].replies[loc.index] = entry
}

// replace is the find-and-replace used by every mutation kind.
func (c *cache) replace(id string, entry discussion.Entry) bool {
	loc, ok := c.locate(id)
	if !ok {
		return false
	}
	c.replaceAt(loc, entry)
	return true
}

// settle swaps a provisional entry for its confirmed form. If a refetch has
// already brought the confirmed entry in, the provisional copy is dropped so
// the id never shows twice.
func (c *cache) settle(provisionalID string, confirmed discussion.Entry) {
	provisional, ok := c.locate(provisionalID)
	if existing, found := c.locate(confirmed.ID); found {
		c.replaceAt(existing, confirmed)
		if ok {
			c.removeAt(provisional)
		}
		return
	}
	if ok {
		c.replaceAt(provisional, confirmed)
	}
}

func (c *cache) removeAt(loc location) discussion.Entry {
	list := c.listAt(loc)
	removed := (*list)[loc.index]
	*list = append((*list)[:loc.index:loc.index], (*list)[loc.index+1:]...)
	return removed
}

// insertAt places entry at loc, clamping the index to the current list length.
func (c *cache) insertAt(loc location, entry discussion.Entry) bool {
	if loc.topLevel() && loc.page >= len(c.pages) {
		return false
	}
	if !loc.topLevel() {
		if _, ok := c.subtrees[loc.parentID]; !ok {
			return false
		}
	}
	list := c.listAt(loc)
	index := loc.index
	if index > len(*list) {
		index = len(*list)
	}
	if index < 0 {
		index = 0
	}
	grown := make([]discussion.Entry, 0, len(*list)+1)
	grown = append(grown, (*list)[:index]...)
	grown = append(grown, entry)
	grown = append(grown, (*list)[index:]...)
	*list = grown
	return true
}

func (c *cache) listAt(loc location) *[]discussion.Entry {
	if loc.topLevel() {
		return &c.pages[loc.page].entries
	}
	return &c.subtrees[loc.parentID].replies
}

// adjustReplyCount patches a top-level entry's reply count by delta.
func (c *cache) adjustReplyCount(parentID string, delta int) {
	loc, ok := c.locateTopLevel(parentID)
	if !ok {
		return
	}
	parent := c.entryAt(loc).Clone()
	parent.ReplyCount += delta
	if parent.ReplyCount < 0 {
		parent.ReplyCount = 0
	}
	c.replaceAt(loc, parent)
}

func (c *cache) flattened() []discussion.Entry {
	size := 0
	for _, page := range c.pages {
		size += len(page.entries)
	}
	out := make([]discussion.Entry, 0, size)
	for _, page := range c.pages {
		out = append(out, discussion.CloneEntries(page.entries)...)
	}
	return out
}

// keepProvisional carries entries still awaiting confirmation over a background
// refetch so the fetch cannot silently drop them.
func keepProvisional(fetched, previous []discussion.Entry, atHead bool) []discussion.Entry {
	var carried []discussion.Entry
	for _, entry := range previous {
		if entry.Provisional {
			carried = append(carried, entry)
		}
	}
	if len(carried) == 0 {
		return fetched
	}
	out := make([]discussion.Entry, 0, len(fetched)+len(carried))
	if atHead {
		out = append(out, carried...)
		return append(out, fetched...)
	}
	out = append(out, fetched...)
	return append(out, carried...)
}
