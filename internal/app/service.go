package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threadsync/api/internal/auth"
	"threadsync/api/internal/discussion"
	"threadsync/api/internal/engine"
	"threadsync/api/internal/remote"
	"threadsync/api/internal/session"
	"threadsync/api/internal/util"
)

type Session struct {
	ID        string
	Token     string
	Viewer    discussion.Viewer
	Provider  string
	ExpiresAt time.Time

	credentials remote.Credentials
}

// SessionStore keeps session data keyed by the hashed session id.
type SessionStore interface {
	Save(ctx context.Context, sessionHash string, data session.Data, ttl time.Duration) error
	Lookup(ctx context.Context, sessionHash string) (session.Data, error)
	Revoke(ctx context.Context, sessionHash string) error
	Ping(ctx context.Context) error
}

type Options struct {
	ProviderKind string
	JWTSecret    string
	SessionTTL   time.Duration
	PageSize     int
	NoticeLimit  int
	Logger       zerolog.Logger
	Now          func() time.Time
}

type threadHandle struct {
	engine  *engine.Engine
	notices *engine.NoticeLog
}

// viewerState is the in-memory side of one session: a provider bound to the
// viewer and one engine per thread the viewer has opened.
type viewerState struct {
	provider remote.Provider
	viewer   discussion.Viewer
	threads  map[string]*threadHandle
}

type Service struct {
	opts      Options
	connector remote.Connector
	sessions  SessionStore
	logger    zerolog.Logger

	mu      sync.Mutex
	viewers map[string]*viewerState
}

func NewService(connector remote.Connector, sessions SessionStore, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 720 * time.Hour
	}
	return &Service{
		opts:      opts,
		connector: connector,
		sessions:  sessions,
		logger:    opts.Logger.With().Str("component", "service").Logger(),
		viewers:   make(map[string]*viewerState),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Login resolves the caller through the connector and opens a session for
// them. A password is checked by the connector and never kept.
func (s *Service) Login(ctx context.Context, credentials remote.Credentials) (Session, error) {
	credentials.Token = strings.TrimSpace(credentials.Token)
	credentials.Login = strings.TrimSpace(credentials.Login)
	credentials.Association = strings.TrimSpace(credentials.Association)
	provider, viewer, err := s.connector.Connect(ctx, credentials)
	if err != nil {
		return Session{}, connectError(err)
	}
	credentials.Login = viewer.Login
	credentials.Password = ""

	now := s.opts.Now()
	sessionID := util.NewID("ses")
	signed, err := auth.IssueToken([]byte(s.opts.JWTSecret), sessionID, viewer.Login, s.opts.ProviderKind, s.opts.SessionTTL, now)
	if err != nil {
		return Session{}, err
	}
	data := session.Data{
		Login:         viewer.Login,
		AvatarURL:     viewer.AvatarURL,
		URL:           viewer.URL,
		Association:   string(viewer.Association),
		Provider:      s.opts.ProviderKind,
		ProviderToken: credentials.Token,
		CreatedAt:     now,
	}
	if err := s.sessions.Save(ctx, auth.HashToken(sessionID), data, s.opts.SessionTTL); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.viewers[sessionID] = &viewerState{provider: provider, viewer: viewer, threads: make(map[string]*threadHandle)}
	s.mu.Unlock()

	s.logger.Info().Str("session", sessionID).Str("login", viewer.Login).Msg("session opened")
	return Session{
		ID:          sessionID,
		Token:       signed,
		Viewer:      viewer,
		Provider:    s.opts.ProviderKind,
		ExpiresAt:   now.Add(s.opts.SessionTTL),
		credentials: credentials,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.opts.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	data, err := s.sessions.Lookup(ctx, auth.HashToken(claims.ID))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	result := Session{
		ID:    claims.ID,
		Token: token,
		Viewer: discussion.Viewer{
			Author: discussion.Author{
				Login:     data.Login,
				AvatarURL: data.AvatarURL,
				URL:       data.URL,
			},
			Association: discussion.NormalizeAssociation(data.Association),
		},
		Provider: data.Provider,
		credentials: remote.Credentials{
			Token:       data.ProviderToken,
			Login:       data.Login,
			Association: data.Association,
		},
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// Logout revokes the session and drops every engine opened under it.
func (s *Service) Logout(ctx context.Context, current Session) error {
	s.mu.Lock()
	delete(s.viewers, current.ID)
	s.mu.Unlock()
	if err := s.sessions.Revoke(ctx, auth.HashToken(current.ID)); err != nil {
		return err
	}
	s.logger.Info().Str("session", current.ID).Msg("session closed")
	return nil
}

// thread returns the engine for threadRef under current, reconnecting the
// viewer when this process has not seen the session yet.
func (s *Service) thread(ctx context.Context, current Session, threadRef string) (*threadHandle, error) {
	threadRef = strings.TrimSpace(threadRef)
	if threadRef == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_THREAD", "thread reference is required", nil)
	}

	s.mu.Lock()
	state := s.viewers[current.ID]
	s.mu.Unlock()

	if state == nil {
		provider, viewer, err := s.reconnect(ctx, current)
		if err != nil {
			return nil, connectError(err)
		}
		s.mu.Lock()
		// another request may have reconnected meanwhile
		if existing := s.viewers[current.ID]; existing != nil {
			state = existing
		} else {
			state = &viewerState{provider: provider, viewer: viewer, threads: make(map[string]*threadHandle)}
			s.viewers[current.ID] = state
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	handle := state.threads[threadRef]
	if handle == nil {
		notices := engine.NewNoticeLog(s.opts.NoticeLimit)
		handle = &threadHandle{
			notices: notices,
			engine: engine.New(state.provider, engine.Options{
				ThreadRef: threadRef,
				PageSize:  s.opts.PageSize,
				Viewer:    state.viewer,
				Notifier:  notices,
				Logger:    s.opts.Logger,
				Now:       s.opts.Now,
			}),
		}
		state.threads[threadRef] = handle
	}
	return handle, nil
}

// reconnect rebuilds the provider for a session this process has not seen,
// resuming by login when the connector supports it.
func (s *Service) reconnect(ctx context.Context, current Session) (remote.Provider, discussion.Viewer, error) {
	if resumer, ok := s.connector.(remote.Resumer); ok {
		return resumer.Resume(ctx, current.Viewer.Login)
	}
	return s.connector.Connect(ctx, current.credentials)
}

// loaded returns the thread's engine with a first page in place.
func (s *Service) loaded(ctx context.Context, current Session, threadRef string) (*threadHandle, error) {
	handle, err := s.thread(ctx, current, threadRef)
	if err != nil {
		return nil, err
	}
	if ok, _ := handle.engine.Loaded(); !ok {
		if err := handle.engine.LoadFirstPage(ctx, discussion.SortOldest); err != nil {
			return nil, err
		}
	}
	return handle, nil
}

// View loads the thread on first use, or reloads it when sort names a
// different order than the cached one.
func (s *Service) View(ctx context.Context, current Session, threadRef, sort string) (engine.View, error) {
	handle, err := s.thread(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	loaded, cachedSort := handle.engine.Loaded()
	wanted := cachedSort
	if strings.TrimSpace(sort) != "" {
		wanted = discussion.NormalizeSortMode(sort)
	}
	if !loaded || wanted != cachedSort {
		if wanted == "" {
			wanted = discussion.SortOldest
		}
		if err := handle.engine.LoadFirstPage(ctx, wanted); err != nil {
			return engine.View{}, err
		}
	}
	return handle.engine.View(), nil
}

func (s *Service) Refresh(ctx context.Context, current Session, threadRef string) (engine.View, error) {
	handle, err := s.thread(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	if ok, _ := handle.engine.Loaded(); !ok {
		err = handle.engine.LoadFirstPage(ctx, discussion.SortOldest)
	} else {
		err = handle.engine.Refresh(ctx)
	}
	if err != nil {
		return engine.View{}, err
	}
	return handle.engine.View(), nil
}

func (s *Service) LoadMore(ctx context.Context, current Session, threadRef string) (engine.View, error) {
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	if err := handle.engine.LoadNextPage(ctx); err != nil {
		return engine.View{}, err
	}
	return handle.engine.View(), nil
}

func (s *Service) CreateEntry(ctx context.Context, current Session, threadRef, body, parentID string) (discussion.Entry, engine.View, error) {
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return discussion.Entry{}, engine.View{}, err
	}
	entry, err := handle.engine.Create(ctx, body, strings.TrimSpace(parentID))
	if err != nil {
		return discussion.Entry{}, engine.View{}, err
	}
	return entry, handle.engine.View(), nil
}

func (s *Service) EditEntry(ctx context.Context, current Session, threadRef, entryID, body string) (discussion.Entry, engine.View, error) {
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return discussion.Entry{}, engine.View{}, err
	}
	entry, err := handle.engine.Edit(ctx, entryID, body)
	if err != nil {
		return discussion.Entry{}, engine.View{}, err
	}
	return entry, handle.engine.View(), nil
}

func (s *Service) DeleteEntry(ctx context.Context, current Session, threadRef, entryID string) (engine.View, error) {
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	if err := handle.engine.Delete(ctx, entryID); err != nil {
		return engine.View{}, err
	}
	return handle.engine.View(), nil
}

func (s *Service) ExpandEntry(ctx context.Context, current Session, threadRef, entryID string) (engine.View, error) {
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	if err := handle.engine.ExpandCollapse(ctx, entryID); err != nil {
		return engine.View{}, err
	}
	return handle.engine.View(), nil
}

func (s *Service) React(ctx context.Context, current Session, threadRef, entryID, kind string) (engine.View, error) {
	parsed, ok := discussion.ParseReactionKind(kind)
	if !ok {
		return engine.View{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown reaction kind", map[string]any{"kind": kind})
	}
	handle, err := s.loaded(ctx, current, threadRef)
	if err != nil {
		return engine.View{}, err
	}
	if err := handle.engine.ToggleReaction(ctx, entryID, parsed); err != nil {
		return engine.View{}, err
	}
	return handle.engine.View(), nil
}

func (s *Service) Notices(ctx context.Context, current Session, threadRef string) ([]engine.Notice, error) {
	handle, err := s.thread(ctx, current, threadRef)
	if err != nil {
		return nil, err
	}
	return handle.notices.Recent(), nil
}

func connectError(err error) error {
	remoteErr := remote.AsError(err)
	var failure *DomainError
	switch remoteErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		failure = domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", remoteErr.Message, nil)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		failure = domainError(http.StatusBadRequest, "INVALID_CREDENTIALS", remoteErr.Message, nil)
	default:
		failure = domainError(http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "Discussion provider is unavailable", nil)
	}
	failure.Cause = remoteErr
	return failure
}
