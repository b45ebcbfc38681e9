package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
)

func countEntry(view View, id string) int {
	count := 0
	for _, entry := range view.Entries {
		if entry.ID == id {
			count++
		}
	}
	for _, subtree := range view.Subtrees {
		for _, reply := range subtree.Replies {
			if reply.ID == id {
				count++
			}
		}
	}
	return count
}

func hasProvisional(view View) bool {
	for _, entry := range view.Entries {
		if entry.Provisional {
			return true
		}
	}
	for _, subtree := range view.Subtrees {
		for _, reply := range subtree.Replies {
			if reply.Provisional {
				return true
			}
		}
	}
	return false
}

// failAddedReaction makes the adding half of a sentiment switch fail so the
// engine resyncs the entry's page or subtree.
func failAddedReaction(_ context.Context, _ string, _ discussion.ReactionKind, active bool) error {
	if active {
		return remote.NewError(500, "add failed")
	}
	return nil
}

func TestPageResyncKeepsPendingDeleteHidden(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name      string
		deleteErr error
		wantCount int
		wantTotal int
	}{
		{name: "delete confirms", wantCount: 0, wantTotal: 99},
		{name: "delete fails", deleteErr: errors.New("connection reset"), wantCount: 1, wantTotal: 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newGate()
			provider := &fakeProvider{}
			provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
				page := votedPage()
				page.Entries[3].Author.Login = "me"
				return page, nil
			}
			provider.deleteFn = func(_ context.Context, _ string) error {
				g.wait()
				return tc.deleteErr
			}
			provider.setReactionFn = failAddedReaction
			eng := newTestEngine(provider, nil)
			require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

			done := make(chan error, 1)
			go func() { done <- eng.Delete(ctx, "p1-3") }()
			<-g.entered

			var resync *ReactionResyncRequired
			require.ErrorAs(t, eng.ToggleReaction(ctx, "p1-0", discussion.ReactionThumbsDown), &resync)
			require.True(t, resync.Resynced)

			view := eng.View()
			assert.Equal(t, 0, countEntry(view, "p1-3"))
			assert.Equal(t, 99, view.Total)

			g.open()
			err := <-done
			if tc.deleteErr != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			view = eng.View()
			assert.Equal(t, tc.wantCount, countEntry(view, "p1-3"))
			assert.Equal(t, tc.wantTotal, view.Total)
			if tc.wantCount == 1 {
				assert.Equal(t, "p1-3", view.Entries[3].ID)
				assert.Len(t, view.Entries, 10)
			}
		})
	}
}

func TestSubtreeRefetchKeepsPendingReplyDeleteHidden(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.deleteFn = func(_ context.Context, _ string) error {
		g.wait()
		return errors.New("connection reset")
	}
	eng := loadedEngine(t, provider, nil)
	require.NoError(t, eng.LoadSubtree(ctx, "p1-3"))

	done := make(chan error, 1)
	go func() { done <- eng.Delete(ctx, "r-0") }()
	<-g.entered

	require.NoError(t, eng.LoadSubtree(ctx, "p1-3"))
	assert.Equal(t, 0, countEntry(eng.View(), "r-0"))

	g.open()
	require.Error(t, <-done)

	view := eng.View()
	assert.Equal(t, 1, countEntry(view, "r-0"))
	parent, _ := findEntry(view, "p1-3")
	assert.Equal(t, 1, parent.ReplyCount)
}

func TestRefetchDuringPendingCreateSettlesOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("top level", func(t *testing.T) {
		g := newGate()
		var created atomic.Bool
		provider := &fakeProvider{}
		provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
			page := votedPage()
			if created.Load() {
				page.Entries = append([]discussion.Entry{fixtureEntry("DC_created", "me")}, page.Entries...)
				page.Total = 101
			}
			return page, nil
		}
		provider.createFn = func(_ context.Context, _, _ string) (discussion.Entry, error) {
			created.Store(true)
			g.wait()
			return fixtureEntry("DC_created", "me"), nil
		}
		provider.setReactionFn = failAddedReaction
		eng := newTestEngine(provider, nil)
		require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

		done := make(chan error, 1)
		go func() {
			_, err := eng.Create(ctx, "hello", "")
			done <- err
		}()
		<-g.entered

		var resync *ReactionResyncRequired
		require.ErrorAs(t, eng.ToggleReaction(ctx, "p1-0", discussion.ReactionThumbsDown), &resync)
		assert.True(t, hasProvisional(eng.View()))

		g.open()
		require.NoError(t, <-done)

		view := eng.View()
		assert.Equal(t, 1, countEntry(view, "DC_created"))
		assert.False(t, hasProvisional(view))
		assert.Len(t, view.Entries, 11)
		assert.Equal(t, 101, view.Total)
	})

	t.Run("reply", func(t *testing.T) {
		g := newGate()
		var created atomic.Bool
		provider := &fakeProvider{}
		provider.fetchSubtreeFn = func(_ context.Context, parentID string) (discussion.Subtree, error) {
			first := fixtureEntry("r-0", "me")
			first.ParentID = parentID
			replies := []discussion.Entry{first}
			if created.Load() {
				second := fixtureEntry("r-1", "me")
				second.ParentID = parentID
				replies = append(replies, second)
			}
			return discussion.Subtree{Entries: replies}, nil
		}
		provider.createFn = func(_ context.Context, body, parentID string) (discussion.Entry, error) {
			created.Store(true)
			g.wait()
			reply := fixtureEntry("r-1", "me")
			reply.ParentID = parentID
			reply.Body = body
			return reply, nil
		}
		eng := loadedEngine(t, provider, nil)
		require.NoError(t, eng.LoadSubtree(ctx, "p1-3"))

		done := make(chan error, 1)
		go func() {
			_, err := eng.Create(ctx, "second reply", "p1-3")
			done <- err
		}()
		<-g.entered

		require.NoError(t, eng.LoadSubtree(ctx, "p1-3"))

		g.open()
		require.NoError(t, <-done)

		view := eng.View()
		assert.Equal(t, []string{"r-0", "r-1"}, entryIDs(view.Subtrees["p1-3"].Replies))
		assert.False(t, hasProvisional(view))
		parent, _ := findEntry(view, "p1-3")
		assert.Equal(t, 2, parent.ReplyCount)
	})
}

func TestPageResyncKeepsPendingEdit(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		page := votedPage()
		page.Entries[3].Author.Login = "me"
		return page, nil
	}
	provider.editFn = func(_ context.Context, _, _ string) (discussion.Entry, error) {
		g.wait()
		return discussion.Entry{}, remote.NewError(500, "edit failed")
	}
	provider.setReactionFn = failAddedReaction
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	done := make(chan error, 1)
	go func() {
		_, err := eng.Edit(ctx, "p1-3", "rewritten")
		done <- err
	}()
	<-g.entered

	var resync *ReactionResyncRequired
	require.ErrorAs(t, eng.ToggleReaction(ctx, "p1-0", discussion.ReactionThumbsDown), &resync)
	entry, _ := findEntry(eng.View(), "p1-3")
	assert.Equal(t, "rewritten", entry.Body)
	assert.NotNil(t, entry.LastEditedAt)

	g.open()
	require.Error(t, <-done)

	entry, _ = findEntry(eng.View(), "p1-3")
	assert.Equal(t, "body of p1-3", entry.Body)
	assert.Nil(t, entry.LastEditedAt)
}

func TestReplyResyncWaitsForSubtreeFetchInFlight(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	var fetches atomic.Int32
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		page := fixturePage("p1", 3, "")
		page.Entries[0].ReplyCount = 1
		return page, nil
	}
	provider.fetchSubtreeFn = func(_ context.Context, parentID string) (discussion.Subtree, error) {
		call := fetches.Add(1)
		reply := fixtureEntry("r-0", "someone")
		reply.ParentID = parentID
		if call < 3 {
			reply.Reactions[discussion.ReactionThumbsUp] = 1
			reply.Reactors = []discussion.Reactor{{Login: "me", Kind: discussion.ReactionThumbsUp}}
			reply.ViewerSentiment = discussion.ReactionThumbsUp
		} else {
			// the removal landed, the addition did not
			reply.ViewerSentiment = ""
		}
		if call == 2 {
			g.wait()
		}
		return discussion.Subtree{Entries: []discussion.Entry{reply}}, nil
	}
	provider.setReactionFn = failAddedReaction
	eng := newTestEngine(provider, nil)
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))
	require.NoError(t, eng.ExpandCollapse(ctx, "p1-0"))

	loaded := make(chan error, 1)
	go func() { loaded <- eng.LoadSubtree(ctx, "p1-0") }()
	<-g.entered

	toggled := make(chan error, 1)
	go func() { toggled <- eng.ToggleReaction(ctx, "r-0", discussion.ReactionThumbsDown) }()
	// let the resync reach the fetch in flight
	time.Sleep(20 * time.Millisecond)
	g.open()

	require.NoError(t, <-loaded)
	var resync *ReactionResyncRequired
	require.ErrorAs(t, <-toggled, &resync)
	assert.True(t, resync.Resynced)
	assert.Equal(t, int32(3), fetches.Load())

	reply, _ := findEntry(eng.View(), "r-0")
	assert.Equal(t, 0, reply.Reactions[discussion.ReactionThumbsUp])
	assert.Equal(t, 0, reply.Reactions[discussion.ReactionThumbsDown])
	assert.Equal(t, discussion.ReactionKind(""), reply.ViewerSentiment)
}

func TestNotifierMayCallBackIntoEngine(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	provider.fetchPageFn = func(_ context.Context, _ *string, _ discussion.SortMode) (discussion.Page, error) {
		page := fixturePage("p1", 3, "")
		page.Entries[0].Author.Login = "me"
		return page, nil
	}
	provider.deleteFn = func(_ context.Context, _ string) error {
		return remote.NewError(500, "delete failed")
	}

	var eng *Engine
	var seen []int
	eng = New(provider, Options{
		ThreadRef: "acme/blog#1",
		Viewer:    me,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return fixedNow },
		Notifier: NotifierFunc(func(notice Notice) {
			seen = append(seen, len(eng.View().Entries))
			assert.False(t, eng.Pending(notice.EntryID))
		}),
	})
	require.NoError(t, eng.LoadFirstPage(ctx, discussion.SortOldest))

	done := make(chan error, 1)
	go func() { done <- eng.Delete(ctx, "p1-0") }()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not return while the notifier read the engine")
	}
	// the notice sees the rolled-back state
	assert.Equal(t, []int{3}, seen)
}
