package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"threadsync/api/internal/util"
)

var ErrInvalidRef = errors.New("thread ref is required")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const entryColumns = `id, thread_id, parent_id, body, author_login, author_avatar_url, author_url, association, created_at, last_edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (EntryRow, error) {
	var item EntryRow
	err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.ParentID,
		&item.Body,
		&item.AuthorLogin,
		&item.AuthorAvatarURL,
		&item.AuthorURL,
		&item.Association,
		&item.CreatedAt,
		&item.LastEditedAt,
	)
	return item, err
}

// EnsureThread returns the thread for ref, creating it on first use.
func (s *PostgresStore) EnsureThread(ctx context.Context, ref string) (Thread, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Thread{}, ErrInvalidRef
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, ref)
		VALUES ($1, $2)
		ON CONFLICT (ref) DO NOTHING
	`, util.NewID("thr"), ref); err != nil {
		return Thread{}, fmt.Errorf("upsert thread: %w", err)
	}
	var thread Thread
	err := s.db.QueryRowContext(ctx, `SELECT id, ref, created_at FROM threads WHERE ref=$1`, ref).Scan(&thread.ID, &thread.Ref, &thread.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("read thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `SELECT id, ref, created_at FROM threads WHERE id=$1`, threadID).Scan(&thread.ID, &thread.Ref, &thread.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) CountTopLevel(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM entries
		WHERE thread_id=$1 AND parent_id IS NULL
	`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// ListTopLevel returns up to limit top-level entries after the keyset position.
// newest walks the thread backwards from the latest entry.
func (s *PostgresStore) ListTopLevel(ctx context.Context, threadID string, limit int, after *Cursor, newest bool) ([]EntryRow, error) {
	order, comparison := "ASC", ">"
	if newest {
		order, comparison = "DESC", "<"
	}
	args := []any{threadID, limit}
	keyset := ""
	if after != nil {
		keyset = fmt.Sprintf(" AND (created_at, id) %s ($3, $4)", comparison)
		args = append(args, after.CreatedAt, after.ID)
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM entries
		WHERE thread_id=$1 AND parent_id IS NULL%s
		ORDER BY created_at %s, id %s
		LIMIT $2
	`, entryColumns, keyset, order, order)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *PostgresStore) ListReplies(ctx context.Context, parentID string, limit int) ([]EntryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE parent_id=$1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, parentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]EntryRow, error) {
	items := make([]EntryRow, 0)
	for rows.Next() {
		item, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (EntryRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=$1`, entryID)
	return scanEntry(row)
}

func (s *PostgresStore) InsertEntry(ctx context.Context, item EntryRow) (EntryRow, error) {
	association := item.Association
	if association == "" {
		association = "NONE"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO entries (id, thread_id, parent_id, body, author_login, author_avatar_url, author_url, association)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+entryColumns,
		item.ID, item.ThreadID, item.ParentID, item.Body, item.AuthorLogin, item.AuthorAvatarURL, item.AuthorURL, association)
	inserted, err := scanEntry(row)
	if err != nil {
		return EntryRow{}, fmt.Errorf("insert entry: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateEntryBody(ctx context.Context, entryID, body string) (EntryRow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE entries
		SET body=$2, last_edited_at=NOW()
		WHERE id=$1
		RETURNING `+entryColumns,
		entryID, body)
	updated, err := scanEntry(row)
	if err != nil {
		return EntryRow{}, fmt.Errorf("update entry: %w", err)
	}
	return updated, nil
}

// DeleteEntry removes the entry; replies and reactions go with it.
func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id=$1`, entryID)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry rows: %w", err)
	}
	return affected > 0, nil
}

// SetReaction adds or removes one reaction. Both directions are idempotent.
func (s *PostgresStore) SetReaction(ctx context.Context, entryID, login, kind string, active bool) error {
	if !active {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM entry_reactions
			WHERE entry_id=$1 AND user_login=$2 AND kind=$3
		`, entryID, login, kind); err != nil {
			return fmt.Errorf("delete entry reaction: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_reactions (entry_id, user_login, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (entry_id, user_login, kind) DO NOTHING
	`, entryID, login, kind); err != nil {
		return fmt.Errorf("insert entry reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, entryIDs []string) (map[string][]ReactionRow, error) {
	out := make(map[string][]ReactionRow)
	if len(entryIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, user_login, kind
		FROM entry_reactions
		WHERE entry_id = ANY($1)
		ORDER BY created_at ASC, user_login ASC
	`, entryIDs)
	if err != nil {
		return nil, fmt.Errorf("list entry reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item ReactionRow
		if err := rows.Scan(&item.EntryID, &item.Login, &item.Kind); err != nil {
			return nil, fmt.Errorf("scan entry reaction: %w", err)
		}
		out[item.EntryID] = append(out[item.EntryID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry reactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ReplyCounts(ctx context.Context, parentIDs []string) (map[string]int, error) {
	counts := make(map[string]int)
	if len(parentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id, COUNT(*)::int
		FROM entries
		WHERE parent_id = ANY($1)
		GROUP BY parent_id
	`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("count replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parentID string
		var count int
		if err := rows.Scan(&parentID, &count); err != nil {
			return nil, fmt.Errorf("scan reply count: %w", err)
		}
		counts[parentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply counts: %w", err)
	}
	return counts, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
