package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threadsync/api/internal/discussion"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var me = discussion.Viewer{Author: discussion.Author{Login: "me", AvatarURL: "https://a/me.png", URL: "https://example.com/me"}}

type fetchPageCall struct {
	Cursor *string
	Sort   discussion.SortMode
}

type fakeProvider struct {
	mu sync.Mutex

	fetchPageFn    func(context.Context, *string, discussion.SortMode) (discussion.Page, error)
	fetchSubtreeFn func(context.Context, string) (discussion.Subtree, error)
	createFn       func(context.Context, string, string) (discussion.Entry, error)
	editFn         func(context.Context, string, string) (discussion.Entry, error)
	deleteFn       func(context.Context, string) error
	setReactionFn  func(context.Context, string, discussion.ReactionKind, bool) error

	pageCalls     []fetchPageCall
	subtreeCalls  []string
	createCalls   int
	editCalls     int
	deleteCalls   int
	reactionCalls int
}

func (f *fakeProvider) FetchPage(ctx context.Context, _ string, _ int, cursor *string, sort discussion.SortMode) (discussion.Page, error) {
	f.mu.Lock()
	f.pageCalls = append(f.pageCalls, fetchPageCall{Cursor: copyCursor(cursor), Sort: sort})
	fn := f.fetchPageFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, cursor, sort)
	}
	return discussion.Page{}, nil
}

func (f *fakeProvider) FetchSubtree(ctx context.Context, _ string, parentID string) (discussion.Subtree, error) {
	f.mu.Lock()
	f.subtreeCalls = append(f.subtreeCalls, parentID)
	fn := f.fetchSubtreeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, parentID)
	}
	return discussion.Subtree{Entries: []discussion.Entry{}}, nil
}

func (f *fakeProvider) CreateEntry(ctx context.Context, _ string, body, parentID string) (discussion.Entry, error) {
	f.mu.Lock()
	f.createCalls++
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, body, parentID)
	}
	return fixtureEntry("DC_created", "me"), nil
}

func (f *fakeProvider) EditEntry(ctx context.Context, _ string, entryID, body string) (discussion.Entry, error) {
	f.mu.Lock()
	f.editCalls++
	fn := f.editFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, entryID, body)
	}
	entry := fixtureEntry(entryID, "me")
	entry.Body = body
	return entry, nil
}

func (f *fakeProvider) DeleteEntry(ctx context.Context, _ string, entryID string) error {
	f.mu.Lock()
	f.deleteCalls++
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, entryID)
	}
	return nil
}

func (f *fakeProvider) SetReaction(ctx context.Context, _ string, entryID string, kind discussion.ReactionKind, active bool) error {
	f.mu.Lock()
	f.reactionCalls++
	fn := f.setReactionFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, entryID, kind, active)
	}
	return nil
}

func (f *fakeProvider) pageCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pageCalls)
}

func (f *fakeProvider) counts() (create, edit, del, react int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.editCalls, f.deleteCalls, f.reactionCalls
}

// gate holds a fake remote call in flight until the test releases it.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) wait() {
	g.entered <- struct{}{}
	<-g.release
}

func (g *gate) open() {
	close(g.release)
}

func fixtureEntry(id, author string) discussion.Entry {
	return discussion.Entry{
		ID:          id,
		Body:        "body of " + id,
		Author:      discussion.Author{Login: author},
		CreatedAt:   fixedNow.Add(-time.Hour),
		Association: discussion.AssociationNone,
		Reactions:   discussion.EmptyTally(),
		Reactors:    []discussion.Reactor{},
	}
}

func fixturePage(prefix string, count int, next string) discussion.Page {
	page := discussion.Page{ThreadID: "D_thread", Total: 100}
	for i := 0; i < count; i++ {
		page.Entries = append(page.Entries, fixtureEntry(fmt.Sprintf("%s-%d", prefix, i), "someone"))
	}
	if next != "" {
		page.NextCursor = &next
	}
	return page
}

func newTestEngine(provider *fakeProvider, notices *NoticeLog) *Engine {
	var notifier Notifier
	if notices != nil {
		notifier = notices
	}
	return New(provider, Options{
		ThreadRef: "acme/blog#1",
		PageSize:  10,
		Viewer:    me,
		Notifier:  notifier,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return fixedNow },
	})
}

func entryIDs(entries []discussion.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}
