package store

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/rbac"
	"threadsync/api/internal/remote"
	"threadsync/api/internal/util"
)

const DefaultSubtreeSize = 100

// Provider serves discussions kept in Postgres through the remote.Provider
// contract, acting as one viewer.
type Provider struct {
	store       *PostgresStore
	viewer      discussion.Viewer
	subtreeSize int
}

func NewProvider(store *PostgresStore, viewer discussion.Viewer, subtreeSize int) *Provider {
	if subtreeSize <= 0 {
		subtreeSize = DefaultSubtreeSize
	}
	return &Provider{store: store, viewer: viewer, subtreeSize: subtreeSize}
}

func (p *Provider) FetchPage(ctx context.Context, ref string, pageSize int, cursor *string, sort discussion.SortMode) (discussion.Page, error) {
	if pageSize <= 0 {
		return discussion.Page{}, remote.NewError(http.StatusBadRequest, "page size must be positive")
	}
	var after *Cursor
	if cursor != nil {
		decoded, err := DecodeCursor(*cursor)
		if err != nil {
			return discussion.Page{}, remote.NewError(http.StatusBadRequest, "invalid cursor")
		}
		after = &decoded
	}
	thread, err := p.store.EnsureThread(ctx, ref)
	if err != nil {
		return discussion.Page{}, storeError(err)
	}

	// one extra row tells whether another page exists
	rows, err := p.store.ListTopLevel(ctx, thread.ID, pageSize+1, after, sort == discussion.SortNewest)
	if err != nil {
		return discussion.Page{}, storeError(err)
	}
	hasMore := len(rows) > pageSize
	if hasMore {
		rows = rows[:pageSize]
	}
	total, err := p.store.CountTopLevel(ctx, thread.ID)
	if err != nil {
		return discussion.Page{}, storeError(err)
	}
	entries, err := p.hydrate(ctx, rows, true)
	if err != nil {
		return discussion.Page{}, storeError(err)
	}

	page := discussion.Page{Entries: entries, Total: total, ThreadID: thread.ID}
	if hasMore {
		last := rows[len(rows)-1]
		next := EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		page.NextCursor = &next
	}
	return page, nil
}

func (p *Provider) FetchSubtree(ctx context.Context, _ string, parentID string) (discussion.Subtree, error) {
	parent, err := p.store.GetEntry(ctx, parentID)
	if err != nil {
		return discussion.Subtree{}, storeError(err)
	}
	if parent.ParentID != nil {
		return discussion.Subtree{}, remote.NewError(http.StatusUnprocessableEntity, "entry %s is a reply", parentID)
	}
	rows, err := p.store.ListReplies(ctx, parentID, p.subtreeSize)
	if err != nil {
		return discussion.Subtree{}, storeError(err)
	}
	entries, err := p.hydrate(ctx, rows, false)
	if err != nil {
		return discussion.Subtree{}, storeError(err)
	}
	return discussion.Subtree{Entries: entries}, nil
}

func (p *Provider) CreateEntry(ctx context.Context, threadID, body, parentID string) (discussion.Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return discussion.Entry{}, remote.NewError(http.StatusUnprocessableEntity, "body is required")
	}
	if !rbac.Can(rbac.RoleOf(p.viewer), rbac.ActionComment) {
		return discussion.Entry{}, remote.NewError(http.StatusForbidden, "sign in to comment")
	}
	if _, err := p.store.GetThread(ctx, threadID); err != nil {
		return discussion.Entry{}, storeError(err)
	}

	item := EntryRow{
		ID:              util.NewID("ent"),
		ThreadID:        threadID,
		Body:            body,
		AuthorLogin:     p.viewer.Login,
		AuthorAvatarURL: p.viewer.AvatarURL,
		AuthorURL:       p.viewer.URL,
		Association:     string(p.viewer.Association),
	}
	if parentID != "" {
		parent, err := p.store.GetEntry(ctx, parentID)
		if err != nil {
			return discussion.Entry{}, storeError(err)
		}
		if parent.ThreadID != threadID || parent.ParentID != nil {
			return discussion.Entry{}, remote.NewError(http.StatusUnprocessableEntity, "entry %s cannot take replies", parentID)
		}
		item.ParentID = &parentID
	}

	inserted, err := p.store.InsertEntry(ctx, item)
	if err != nil {
		return discussion.Entry{}, storeError(err)
	}
	return p.hydrateOne(ctx, inserted)
}

func (p *Provider) EditEntry(ctx context.Context, threadID, entryID, body string) (discussion.Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return discussion.Entry{}, remote.NewError(http.StatusUnprocessableEntity, "body is required")
	}
	if _, err := p.authorize(ctx, threadID, entryID, rbac.ActionEdit); err != nil {
		return discussion.Entry{}, err
	}
	updated, err := p.store.UpdateEntryBody(ctx, entryID, body)
	if err != nil {
		return discussion.Entry{}, storeError(err)
	}
	return p.hydrateOne(ctx, updated)
}

func (p *Provider) DeleteEntry(ctx context.Context, threadID, entryID string) error {
	if _, err := p.authorize(ctx, threadID, entryID, rbac.ActionDelete); err != nil {
		return err
	}
	deleted, err := p.store.DeleteEntry(ctx, entryID)
	if err != nil {
		return storeError(err)
	}
	if !deleted {
		return remote.NewError(http.StatusNotFound, "entry %s not found", entryID)
	}
	return nil
}

func (p *Provider) SetReaction(ctx context.Context, threadID, entryID string, kind discussion.ReactionKind, active bool) error {
	if _, ok := discussion.ParseReactionKind(string(kind)); !ok {
		return remote.NewError(http.StatusUnprocessableEntity, "unknown reaction %q", kind)
	}
	if _, err := p.authorize(ctx, threadID, entryID, rbac.ActionReact); err != nil {
		return err
	}
	if err := p.store.SetReaction(ctx, entryID, p.viewer.Login, string(kind), active); err != nil {
		return storeError(err)
	}
	return nil
}

// authorize loads entryID from threadID and checks the viewer may act on it.
func (p *Provider) authorize(ctx context.Context, threadID, entryID string, action rbac.Action) (EntryRow, error) {
	item, err := p.store.GetEntry(ctx, entryID)
	if err != nil {
		return EntryRow{}, storeError(err)
	}
	if item.ThreadID != threadID {
		return EntryRow{}, remote.NewError(http.StatusNotFound, "entry %s not found", entryID)
	}
	if !rbac.CanEntry(p.viewer, toEntry(item), action) {
		return EntryRow{}, remote.NewError(http.StatusForbidden, "not allowed to %s entry %s", action, entryID)
	}
	return item, nil
}

func (p *Provider) hydrateOne(ctx context.Context, item EntryRow) (discussion.Entry, error) {
	entries, err := p.hydrate(ctx, []EntryRow{item}, item.ParentID == nil)
	if err != nil {
		return discussion.Entry{}, storeError(err)
	}
	return entries[0], nil
}

// hydrate attaches reactions, the viewer's sentiment and, for top-level rows,
// reply counts.
func (p *Provider) hydrate(ctx context.Context, rows []EntryRow, withReplyCounts bool) ([]discussion.Entry, error) {
	ids := make([]string, 0, len(rows))
	for _, item := range rows {
		ids = append(ids, item.ID)
	}
	reactions, err := p.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if withReplyCounts {
		if counts, err = p.store.ReplyCounts(ctx, ids); err != nil {
			return nil, err
		}
	}

	entries := make([]discussion.Entry, 0, len(rows))
	for _, item := range rows {
		entry := toEntry(item)
		for _, reaction := range reactions[item.ID] {
			kind, ok := discussion.ParseReactionKind(reaction.Kind)
			if !ok {
				continue
			}
			entry.Reactions[kind]++
			entry.Reactors = append(entry.Reactors, discussion.Reactor{Login: reaction.Login, Kind: kind})
		}
		entry.ViewerSentiment = remote.DeriveViewerSentiment(entry.Reactors, p.viewer.Login)
		entry.ReplyCount = counts[item.ID]
		entries = append(entries, entry)
	}
	return entries, nil
}

func toEntry(item EntryRow) discussion.Entry {
	entry := discussion.Entry{
		ID:   item.ID,
		Body: item.Body,
		Author: remote.NormalizeAuthor(&discussion.Author{
			Login:     item.AuthorLogin,
			AvatarURL: item.AuthorAvatarURL,
			URL:       item.AuthorURL,
		}),
		CreatedAt:   item.CreatedAt,
		Association: discussion.NormalizeAssociation(item.Association),
		Reactions:   discussion.EmptyTally(),
		Reactors:    []discussion.Reactor{},
	}
	if item.ParentID != nil {
		entry.ParentID = *item.ParentID
	}
	if item.LastEditedAt != nil {
		edited := *item.LastEditedAt
		entry.LastEditedAt = &edited
	}
	return entry
}

func storeError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return remote.NewError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidRef):
		return remote.NewError(http.StatusBadRequest, err.Error())
	default:
		return remote.AsError(err)
	}
}

// Authenticator checks a login and password against the accounts table.
type Authenticator interface {
	Authenticate(ctx context.Context, login, password string) (Account, error)
}

// Connector hands out providers for self-hosted threads. Callers prove who
// they are with a password; the association always comes from the account.
type Connector struct {
	Store       *PostgresStore
	Accounts    Authenticator
	SubtreeSize int
}

func (c Connector) Connect(ctx context.Context, credentials remote.Credentials) (remote.Provider, discussion.Viewer, error) {
	login := strings.TrimSpace(credentials.Login)
	if login == "" || credentials.Password == "" {
		return nil, discussion.Viewer{}, remote.NewError(http.StatusUnauthorized, "login and password are required")
	}
	account, err := c.Accounts.Authenticate(ctx, login, credentials.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		return nil, discussion.Viewer{}, remote.NewError(http.StatusUnauthorized, "invalid login or password")
	}
	if err != nil {
		return nil, discussion.Viewer{}, remote.AsError(err)
	}
	return c.bind(account)
}

// Resume rebuilds the provider for a login from an existing session. The
// account is read again so association changes and removals take effect.
func (c Connector) Resume(ctx context.Context, login string) (remote.Provider, discussion.Viewer, error) {
	account, err := c.Store.GetAccount(ctx, strings.TrimSpace(login))
	if errors.Is(err, ErrAccountNotFound) {
		return nil, discussion.Viewer{}, remote.NewError(http.StatusUnauthorized, "account %s no longer exists", login)
	}
	if err != nil {
		return nil, discussion.Viewer{}, remote.AsError(err)
	}
	return c.bind(account)
}

func (c Connector) bind(account Account) (remote.Provider, discussion.Viewer, error) {
	viewer := discussion.Viewer{
		Author: discussion.Author{
			Login:     account.Login,
			AvatarURL: account.AvatarURL,
			URL:       account.URL,
		},
		Association: discussion.NormalizeAssociation(account.Association),
	}
	return NewProvider(c.Store, viewer, c.SubtreeSize), viewer, nil
}
