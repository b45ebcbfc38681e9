// Package authpw registers self-hosted accounts and checks their passwords.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"threadsync/api/internal/discussion"
	"threadsync/api/internal/store"
)

const MinPasswordLength = 8

var (
	ErrMissingFields = errors.New("login and password are required")
	ErrWeakPassword  = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// AccountStore defines the storage interface for accounts
type AccountStore interface {
	GetAccount(ctx context.Context, login string) (store.Account, error)
	CreateAccount(ctx context.Context, account store.Account) error
	UpdateAccountPassword(ctx context.Context, login, passwordHash string) error
}

type Service struct {
	store AccountStore
	cost  int
}

// NewService creates an account service hashing with cost; zero means
// bcrypt.DefaultCost.
func NewService(accounts AccountStore, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: accounts, cost: cost}
}

type RegisterRequest struct {
	Login       string
	Password    string
	AvatarURL   string
	URL         string
	Association string
}

// Register creates an account. An empty association registers a plain viewer.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.Account, error) {
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		return store.Account{}, ErrMissingFields
	}
	if len(req.Password) < MinPasswordLength {
		return store.Account{}, ErrWeakPassword
	}
	if _, err := s.store.GetAccount(ctx, login); err == nil {
		return store.Account{}, store.ErrAccountExists
	} else if !errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Account{}, fmt.Errorf("hash password: %w", err)
	}
	account := store.Account{
		Login:        login,
		PasswordHash: string(hash),
		AvatarURL:    strings.TrimSpace(req.AvatarURL),
		URL:          strings.TrimSpace(req.URL),
		Association:  string(discussion.NormalizeAssociation(req.Association)),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return store.Account{}, err
	}
	return account, nil
}

// Authenticate returns the account when password matches. Unknown logins and
// wrong passwords both fail with store.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, login, password string) (store.Account, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return store.Account{}, store.ErrInvalidCredentials
	}
	account, err := s.store.GetAccount(ctx, login)
	if errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, store.ErrInvalidCredentials
	}
	if err != nil {
		return store.Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return store.Account{}, store.ErrInvalidCredentials
	}
	return account, nil
}

// SetPassword replaces the password of an existing account.
func (s *Service) SetPassword(ctx context.Context, login, password string) error {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return ErrMissingFields
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateAccountPassword(ctx, login, string(hash))
}
