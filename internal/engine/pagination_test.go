package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
)

func TestLoadFirstPageReplacesCache(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, cursor *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 10, "c1"), nil
	}
	eng := newTestEngine(provider, nil)

	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	view := eng.View()
	assert.True(t, view.Loaded)
	assert.Equal(t, "D_thread", view.ThreadID)
	assert.Equal(t, 100, view.Total)
	assert.Len(t, view.Entries, 10)
	assert.True(t, view.HasMore)
	assert.Equal(t, 1, view.PageCount)
	assert.Nil(t, provider.pageCalls[0].Cursor)
}

func TestLoadFirstPageFailureKeepsPreviousCache(t *testing.T) {
	ctx := context.Background()
	notices := NewNoticeLog(0)
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 10, "c1"), nil
	}
	eng := newTestEngine(provider, notices)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))
	before := eng.View()

	provider.mu.Lock()
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return discussion.Page{}, remote.NewError(503, "upstream down")
	}
	provider.mu.Unlock()

	err := eng.Refresh(ctx)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 503, fetchErr.Err.Status)
	assert.Equal(t, before, eng.View())
	require.Len(t, notices.Recent(), 1)
	assert.Equal(t, "Couldn't load comments. Please try again.", notices.Recent()[0].Message)
}

func TestLoadNextPageIgnoresSecondRequestWhileInFlight(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, cursor *string, _ discussion.SortMode) (discussion.Page, error) {
		if cursor == nil {
			return fixturePage("p1", 10, "c1"), nil
		}
		g.wait()
		return fixturePage("p2", 10, ""), nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	done := make(chan error, 1)
	go func() { done <- eng.LoadNextPage(ctx) }()
	<-g.entered

	require.NoError(t, eng.LoadNextPage(ctx))
	assert.True(t, eng.View().LoadingMore)
	assert.Equal(t, 2, provider.pageCallCount())

	g.open()
	require.NoError(t, <-done)

	view := eng.View()
	assert.Equal(t, 2, provider.pageCallCount())
	assert.Equal(t, "c1", *provider.pageCalls[1].Cursor)
	assert.Len(t, view.Entries, 20)
	assert.Equal(t, 2, view.PageCount)
	assert.False(t, view.HasMore)
	assert.False(t, view.LoadingMore)

	seen := map[string]bool{}
	for _, id := range entryIDs(view.Entries) {
		assert.False(t, seen[id], "duplicate entry %s", id)
		seen[id] = true
	}

	// exhausted cursor
	require.NoError(t, eng.LoadNextPage(ctx))
	assert.Equal(t, 2, provider.pageCallCount())
}

func TestLoadNextPageBeforeFirstPageIsNoop(t *testing.T) {
	provider := &fakeProvider{}
	eng := newTestEngine(provider, nil)

	require.NoError(t, eng.LoadNextPage(context.Background()))
	assert.Equal(t, 0, provider.pageCallCount())
}

func TestLoadNextPageFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	failing := true
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, cursor *string, _ discussion.SortMode) (discussion.Page, error) {
		if cursor == nil {
			return fixturePage("p1", 10, "c1"), nil
		}
		if failing {
			return discussion.Page{}, errors.New("connection reset")
		}
		return fixturePage("p2", 5, ""), nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	var fetchErr *FetchError
	require.ErrorAs(t, eng.LoadNextPage(ctx), &fetchErr)
	view := eng.View()
	assert.Len(t, view.Entries, 10)
	assert.True(t, view.HasMore)
	assert.False(t, view.LoadingMore)

	failing = false
	require.NoError(t, eng.LoadNextPage(ctx))
	assert.Len(t, eng.View().Entries, 15)
	assert.Equal(t, "c1", *provider.pageCalls[2].Cursor)
}

func TestSortChangeDiscardsInFlightNextPage(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, cursor *string, sort discussion.SortMode) (discussion.Page, error) {
		switch {
		case sort == discussion.SortNewest && cursor == nil:
			return fixturePage("n1", 10, "n-c1"), nil
		case sort == discussion.SortNewest:
			return fixturePage("n2", 10, ""), nil
		case cursor == nil:
			return fixturePage("o1", 10, "o-c1"), nil
		default:
			g.wait()
			return fixturePage("o2", 10, ""), nil
		}
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	done := make(chan error, 1)
	go func() { done <- eng.LoadNextPage(ctx) }()
	<-g.entered

	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortNewest))
	g.open()
	require.NoError(t, <-done)

	view := eng.View()
	assert.Equal(t, discussion.SortNewest, view.Sort)
	assert.Equal(t, 1, view.PageCount)
	assert.Equal(t, "n1-0", view.Entries[0].ID)
	assert.False(t, view.LoadingMore)
	assert.True(t, view.HasMore)

	require.NoError(t, eng.LoadNextPage(ctx))
	last := provider.pageCalls[len(provider.pageCalls)-1]
	assert.Equal(t, "n-c1", *last.Cursor)
	assert.Equal(t, discussion.SortNewest, last.Sort)
	assert.Equal(t, "n2-0", eng.View().Entries[10].ID)
}

func TestConcurrentFirstPageLoadsKeepLatest(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, sort discussion.SortMode) (discussion.Page, error) {
		if sort == discussion.SortOldest {
			g.wait()
			return fixturePage("old", 10, ""), nil
		}
		return fixturePage("new", 10, ""), nil
	}
	eng := newTestEngine(provider, nil)

	done := make(chan error, 1)
	go func() { done <- eng.LoadFirstPage(ctx, discussion.SortOldest) }()
	<-g.entered
	assert.True(t, eng.View().LoadingFirst)

	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortNewest))
	g.open()
	require.NoError(t, <-done)

	view := eng.View()
	assert.Equal(t, discussion.SortNewest, view.Sort)
	assert.Equal(t, "new-0", view.Entries[0].ID)
	assert.False(t, view.LoadingFirst)
}

func TestLoadSubtreeFailureLeavesSubtreeAbsent(t *testing.T) {
	ctx := context.Background()
	failing := true
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 3, ""), nil
	}
	provider.fetchSubtreeFn = func(_ context.Context, parentID string) (discussion.Subtree, error) {
		if failing {
			return discussion.Subtree{}, remote.NewError(500, "boom")
		}
		reply := fixtureEntry("r-0", "someone")
		reply.ParentID = parentID
		return discussion.Subtree{Entries: []discussion.Entry{reply}}, nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	var fetchErr *FetchError
	require.ErrorAs(t, eng.LoadSubtree(ctx, "p1-0"), &fetchErr)
	_, present := eng.View().Subtrees["p1-0"]
	assert.False(t, present)

	failing = false
	require.NoError(t, eng.LoadSubtree(ctx, "p1-0"))
	subtree := eng.View().Subtrees["p1-0"]
	assert.True(t, subtree.Loaded)
	assert.Equal(t, []string{"r-0"}, entryIDs(subtree.Replies))
}

func TestLoadSubtreeIgnoresDuplicateWhileLoading(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 3, ""), nil
	}
	provider.fetchSubtreeFn = func(_ context.Context, _ string) (discussion.Subtree, error) {
		g.wait()
		return discussion.Subtree{Entries: []discussion.Entry{}}, nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	done := make(chan error, 1)
	go func() { done <- eng.LoadSubtree(ctx, "p1-1") }()
	<-g.entered

	require.NoError(t, eng.LoadSubtree(ctx, "p1-1"))
	assert.True(t, eng.View().Subtrees["p1-1"].Loading)

	g.open()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"p1-1"}, provider.subtreeCalls)
	assert.True(t, eng.View().Subtrees["p1-1"].Loaded)
}

func TestExpandCollapseIsStickyAndSingle(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 3, ""), nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	require.NoError(t, eng.ExpandCollapse(ctx, "p1-0"))
	assert.Equal(t, "p1-0", eng.View().Expanded)

	require.NoError(t, eng.ExpandCollapse(ctx, "p1-0"))
	assert.Equal(t, "", eng.View().Expanded)

	require.NoError(t, eng.ExpandCollapse(ctx, "p1-0"))
	assert.Equal(t, "p1-0", eng.View().Expanded)
	assert.Equal(t, []string{"p1-0"}, provider.subtreeCalls)

	require.NoError(t, eng.ExpandCollapse(ctx, "p1-1"))
	view := eng.View()
	assert.Equal(t, "p1-1", view.Expanded)
	assert.Contains(t, view.Subtrees, "p1-0")
	assert.Contains(t, view.Subtrees, "p1-1")
}

func TestReloadClearsSubtreesAndExpansion(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		return fixturePage("p1", 3, ""), nil
	}
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))
	require.NoError(t, eng.ExpandCollapse(ctx, "p1-0"))

	require.NoError(t, eng.Refresh(ctx))

	view := eng.View()
	assert.Empty(t, view.Subtrees)
	assert.Equal(t, "", view.Expanded)
}
