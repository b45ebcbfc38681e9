// Package engine keeps a local, paginated view of one discussion thread in sync
// with a remote provider. Writes are applied optimistically and reconciled or
// rolled back when the remote call settles.
//
// All cache changes happen under one mutex and are complete before it is
// released; the lock is never held across a remote call.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
)

const DefaultPageSize = 15

type Options struct {
	ThreadRef string
	PageSize  int
	Viewer    discussion.Viewer
	Notifier  Notifier
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Engine struct {
	provider  remote.Provider
	threadRef string
	pageSize  int
	viewer    discussion.Viewer
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cache   *cache
	pending map[string]Op
	// notices raised while mu is held; unlock delivers them
	queued []Notice
}

func New(provider remote.Provider, options Options) *Engine {
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	return &Engine{
		provider:  provider,
		threadRef: options.ThreadRef,
		pageSize:  pageSize,
		viewer:    options.Viewer,
		notifier:  notifier,
		logger:    options.Logger.With().Str("thread", options.ThreadRef).Logger(),
		now:       now,
		cache:     newCache(),
		pending:   make(map[string]Op),
	}
}

func (e *Engine) ThreadRef() string {
	return e.threadRef
}

func (e *Engine) Viewer() discussion.Viewer {
	return e.viewer
}

// Loaded reports whether a first page has been loaded and with which sort.
func (e *Engine) Loaded() (bool, discussion.SortMode) {
	e.mu.Lock()
	defer e.unlock()
	return e.cache.loaded, e.cache.sort
}

type SubtreeView struct {
	Replies []discussion.Entry `json:"replies"`
	Loaded  bool               `json:"loaded"`
	Loading bool               `json:"loading"`
}

// View is an immutable snapshot of the cache for rendering.
type View struct {
	ThreadRef    string                 `json:"threadRef"`
	ThreadID     string                 `json:"threadId"`
	Sort         discussion.SortMode    `json:"sort"`
	Loaded       bool                   `json:"loaded"`
	Entries      []discussion.Entry     `json:"entries"`
	Total        int                    `json:"total"`
	HasMore      bool                   `json:"hasMore"`
	LoadingFirst bool                   `json:"loadingFirst"`
	LoadingMore  bool                   `json:"loadingMore"`
	PageCount    int                    `json:"pageCount"`
	Expanded     string                 `json:"expanded,omitempty"`
	Subtrees     map[string]SubtreeView `json:"subtrees"`
}

func (e *Engine) View() View {
	e.mu.Lock()
	defer e.unlock()

	c := e.cache
	view := View{
		ThreadRef:    e.threadRef,
		ThreadID:     c.threadID,
		Sort:         c.sort,
		Loaded:       c.loaded,
		Entries:      c.flattened(),
		Total:        c.total,
		HasMore:      c.next != nil,
		LoadingFirst: c.loadingFirst,
		LoadingMore:  c.loadingNext,
		PageCount:    len(c.pages),
		Expanded:     c.expanded,
		Subtrees:     make(map[string]SubtreeView, len(c.subtrees)),
	}
	for parentID, state := range c.subtrees {
		view.Subtrees[parentID] = SubtreeView{
			Replies: discussion.CloneEntries(state.replies),
			Loaded:  state.loaded,
			Loading: state.loading,
		}
	}
	return view
}

// Pending reports whether a mutation on id is in flight.
func (e *Engine) Pending(id string) bool {
	e.mu.Lock()
	defer e.unlock()
	_, ok := e.pending[id]
	return ok
}

// acquire marks id as mutating with op. Callers hold e.mu.
func (e *Engine) acquire(id string, op Op) error {
	if _, busy := e.pending[id]; busy {
		return &ConcurrentMutationError{EntryID: id}
	}
	e.pending[id] = op
	return nil
}

func (e *Engine) release(id string) {
	delete(e.pending, id)
}

// remoteContext detaches the caller's cancellation: remote calls always run to
// completion so the optimistic state is either confirmed or rolled back.
func remoteContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// notify queues a notice for delivery once e.mu is released. Callers hold e.mu.
func (e *Engine) notify(err error, entryID string) {
	e.queued = append(e.queued, Notice{
		Level:   "error",
		Message: UserMessage(err),
		EntryID: entryID,
		At:      e.now(),
	})
}

// unlock releases e.mu and then hands queued notices to the notifier, which
// is therefore free to call back into the engine.
func (e *Engine) unlock() {
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()
	for _, notice := range queued {
		e.notifier.Notify(notice)
	}
}

func (e *Engine) synthesize(body, parentID string, id string) discussion.Entry {
	return discussion.Entry{
		ID:          id,
		ParentID:    parentID,
		Body:        body,
		Author:      e.viewer.Author,
		CreatedAt:   e.now(),
		Association: e.viewer.Association,
		Reactions:   discussion.EmptyTally(),
		Reactors:    []discussion.Reactor{},
		Provisional: true,
	}
}
