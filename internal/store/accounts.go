package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("login already registered")
	ErrInvalidCredentials = errors.New("invalid login or password")
)

// Account is a self-hosted identity. Association is assigned by an operator
// and is what the postgres provider enforces permissions with.
type Account struct {
	Login        string
	PasswordHash string
	AvatarURL    string
	URL          string
	Association  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const accountColumns = `login, password_hash, avatar_url, url, association, created_at, updated_at`

func scanAccount(row rowScanner) (Account, error) {
	var account Account
	err := row.Scan(
		&account.Login,
		&account.PasswordHash,
		&account.AvatarURL,
		&account.URL,
		&account.Association,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	return account, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	association := account.Association
	if association == "" {
		association = "NONE"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (login, password_hash, avatar_url, url, association)
		VALUES ($1, $2, $3, $4, $5)
	`, account.Login, account.PasswordHash, account.AvatarURL, account.URL, association)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, login string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE login=$1`, login)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) UpdateAccountPassword(ctx context.Context, login, passwordHash string) error {
	return s.updateAccount(ctx, `UPDATE accounts SET password_hash=$2, updated_at=NOW() WHERE login=$1`, login, passwordHash)
}

func (s *PostgresStore) UpdateAccountAssociation(ctx context.Context, login, association string) error {
	return s.updateAccount(ctx, `UPDATE accounts SET association=$2, updated_at=NOW() WHERE login=$1`, login, association)
}

func (s *PostgresStore) updateAccount(ctx context.Context, query, login, value string) error {
	result, err := s.db.ExecContext(ctx, query, login, value)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
