package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/remote"
	"threadsync/api/internal/session"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memReaction struct {
	login string
	kind  discussion.ReactionKind
}

type memEntry struct {
	entry     discussion.Entry
	reactions []memReaction
}

// memBackend is one in-memory thread shared by every connected viewer.
type memBackend struct {
	mu       sync.Mutex
	entries  []*memEntry
	seq      int
	connects int
	failNext error
}

func (b *memBackend) seed(login, body string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insert(discussion.Author{Login: login}, body, "").entry.ID
}

func (b *memBackend) insert(author discussion.Author, body, parentID string) *memEntry {
	b.seq++
	item := &memEntry{entry: discussion.Entry{
		ID:        fmt.Sprintf("e%d", b.seq),
		ParentID:  parentID,
		Body:      body,
		Author:    author,
		CreatedAt: testNow.Add(time.Duration(b.seq) * time.Minute),
	}}
	b.entries = append(b.entries, item)
	return item
}

func (b *memBackend) find(id string) *memEntry {
	for _, item := range b.entries {
		if item.entry.ID == id {
			return item
		}
	}
	return nil
}

func (b *memBackend) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

func (b *memBackend) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

type memConnector struct {
	backend *memBackend
}

func (c memConnector) Connect(_ context.Context, credentials remote.Credentials) (remote.Provider, discussion.Viewer, error) {
	if credentials.Token == "bad" {
		return nil, discussion.Viewer{}, remote.NewError(http.StatusUnauthorized, "bad credentials")
	}
	if credentials.Token == "down" {
		return nil, discussion.Viewer{}, remote.NewError(http.StatusServiceUnavailable, "provider down")
	}
	login := credentials.Login
	if login == "" {
		login = "ann"
	}
	c.backend.mu.Lock()
	c.backend.connects++
	c.backend.mu.Unlock()
	viewer := discussion.Viewer{
		Author:      discussion.Author{Login: login},
		Association: discussion.NormalizeAssociation(credentials.Association),
	}
	return &memProvider{backend: c.backend, viewer: viewer}, viewer, nil
}

type memProvider struct {
	backend *memBackend
	viewer  discussion.Viewer
}

func (p *memProvider) view(item *memEntry) discussion.Entry {
	entry := item.entry.Clone()
	entry.Reactions = discussion.EmptyTally()
	entry.Reactors = []discussion.Reactor{}
	for _, reaction := range item.reactions {
		entry.Reactions[reaction.kind]++
		entry.Reactors = append(entry.Reactors, discussion.Reactor{Login: reaction.login, Kind: reaction.kind})
	}
	entry.ViewerSentiment = remote.DeriveViewerSentiment(entry.Reactors, p.viewer.Login)
	for _, other := range p.backend.entries {
		if other.entry.ParentID == entry.ID {
			entry.ReplyCount++
		}
	}
	return entry
}

func (p *memProvider) FetchPage(_ context.Context, _ string, pageSize int, cursor *string, mode discussion.SortMode) (discussion.Page, error) {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	if err := p.backend.takeFailure(); err != nil {
		return discussion.Page{}, err
	}

	var top []*memEntry
	for _, item := range p.backend.entries {
		if item.entry.ParentID == "" {
			top = append(top, item)
		}
	}
	if mode == discussion.SortNewest {
		sort.SliceStable(top, func(i, j int) bool { return top[i].entry.CreatedAt.After(top[j].entry.CreatedAt) })
	}
	start := 0
	if cursor != nil {
		start, _ = strconv.Atoi(*cursor)
	}
	end := min(start+pageSize, len(top))
	page := discussion.Page{Entries: []discussion.Entry{}, Total: len(top), ThreadID: "T1"}
	for _, item := range top[start:end] {
		page.Entries = append(page.Entries, p.view(item))
	}
	if end < len(top) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return page, nil
}

func (p *memProvider) FetchSubtree(_ context.Context, _ string, parentID string) (discussion.Subtree, error) {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	subtree := discussion.Subtree{Entries: []discussion.Entry{}}
	for _, item := range p.backend.entries {
		if item.entry.ParentID == parentID {
			subtree.Entries = append(subtree.Entries, p.view(item))
		}
	}
	return subtree, nil
}

func (p *memProvider) CreateEntry(_ context.Context, _ string, body, parentID string) (discussion.Entry, error) {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	if err := p.backend.takeFailure(); err != nil {
		return discussion.Entry{}, err
	}
	return p.view(p.backend.insert(p.viewer.Author, body, parentID)), nil
}

func (p *memProvider) EditEntry(_ context.Context, _ string, entryID, body string) (discussion.Entry, error) {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	item := p.backend.find(entryID)
	if item == nil {
		return discussion.Entry{}, remote.NewError(http.StatusNotFound, "entry %s not found", entryID)
	}
	item.entry.Body = body
	edited := testNow.Add(time.Hour)
	item.entry.LastEditedAt = &edited
	return p.view(item), nil
}

func (p *memProvider) DeleteEntry(_ context.Context, _ string, entryID string) error {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	kept := p.backend.entries[:0]
	for _, item := range p.backend.entries {
		if item.entry.ID != entryID && item.entry.ParentID != entryID {
			kept = append(kept, item)
		}
	}
	p.backend.entries = kept
	return nil
}

func (p *memProvider) SetReaction(_ context.Context, _ string, entryID string, kind discussion.ReactionKind, active bool) error {
	p.backend.mu.Lock()
	defer p.backend.mu.Unlock()
	if err := p.backend.takeFailure(); err != nil {
		return err
	}
	item := p.backend.find(entryID)
	if item == nil {
		return remote.NewError(http.StatusNotFound, "entry %s not found", entryID)
	}
	kept := item.reactions[:0]
	for _, reaction := range item.reactions {
		if reaction.login != p.viewer.Login || reaction.kind != kind {
			kept = append(kept, reaction)
		}
	}
	item.reactions = kept
	if active {
		item.reactions = append(item.reactions, memReaction{login: p.viewer.Login, kind: kind})
	}
	return nil
}

type testEnv struct {
	backend *memBackend
	redis   *miniredis.Miniredis
	store   *session.RedisStore
	service *Service
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := session.NewRedisStoreWithClient(client, "test-token-key")
	require.NoError(t, err)

	env := &testEnv{backend: &memBackend{}, redis: mr, store: store}
	env.service = env.newService()
	env.handler = NewHTTPServer(env.service, "*", zerolog.Nop()).Handler()
	return env
}

// newService builds a second process over the same backend and session store.
func (env *testEnv) newService() *Service {
	return NewService(memConnector{backend: env.backend}, env.store, Options{
		ProviderKind: "memory",
		JWTSecret:    "test-secret",
		SessionTTL:   time.Hour,
		PageSize:     2,
		NoticeLimit:  5,
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return time.Now() },
	})
}

func (env *testEnv) login(t *testing.T, login string) string {
	t.Helper()
	current, err := env.service.Login(context.Background(), remote.Credentials{Token: "token-" + login, Login: login})
	require.NoError(t, err)
	return current.Token
}
