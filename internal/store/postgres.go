package store

import (
	"context"
	"database/sql"
	"fmt"

	"trove/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const itemColumns = `id, user_id, title, description, data, parent_id, is_root, checked, rank, created_at`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var item Item
	var data []byte
	err := row.Scan(&item.ID, &item.UserID, &item.Title, &item.Description, &data,
		&item.ParentID, &item.IsRoot, &item.Checked, &item.Rank, &item.CreatedAt)
	if err != nil {
		return Item{}, err
	}
	if len(data) > 0 {
		item.Data = data
	}
	return item, nil
}

// EnsureUserBySubject looks up a user by identity-provider subject, creating
// one on first sight. The upsert is atomic so concurrent first requests for
// the same subject converge on a single row.
func (s *PostgresStore) EnsureUserBySubject(ctx context.Context, subject string) (User, error) {
	const upsert = `
		INSERT INTO users (id, subject, display_name)
		VALUES ($1, $2, $2)
		ON CONFLICT (subject) DO UPDATE SET subject = EXCLUDED.subject
		RETURNING id, subject, display_name
	`
	var user User
	err := s.db.QueryRowContext(ctx, upsert, util.NewID("usr"), subject).
		Scan(&user.ID, &user.Subject, &user.DisplayName)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

// GetUserByName finds a locally provisioned account for the login path.
// Returns sql.ErrNoRows when no such account exists.
func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	const query = `
		SELECT id, subject, display_name, COALESCE(password_hash, '')
		FROM users WHERE display_name = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&user.ID, &user.Subject, &user.DisplayName, &user.PasswordHash)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item Item) (Item, error) {
	const insert = `
		INSERT INTO items (id, user_id, title, description, data, parent_id, is_root, checked, rank, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + itemColumns
	created, err := scanItem(s.db.QueryRowContext(ctx, insert,
		item.ID, item.UserID, item.Title, item.Description, nullableJSON(item.Data),
		item.ParentID, item.IsRoot, item.Checked, item.Rank, item.CreatedAt))
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	return created, nil
}

// InsertRootIfAbsent attempts to create the user's root item. The partial
// unique index on (user_id) WHERE is_root makes this a no-op when a root
// already exists, so two racing list requests cannot double-create one.
func (s *PostgresStore) InsertRootIfAbsent(ctx context.Context, item Item) error {
	const insert = `
		INSERT INTO items (id, user_id, title, description, parent_id, is_root, checked, rank, created_at)
		VALUES ($1, $2, $3, '', NULL, TRUE, FALSE, 0, $4)
		ON CONFLICT (user_id) WHERE is_root DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, insert, item.ID, item.UserID, item.Title, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert root: %w", err)
	}
	return nil
}

func (s *PostgresStore) RootExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM items WHERE user_id = $1 AND is_root)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check root: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetRoot(ctx context.Context, userID string) (Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = $1 AND is_root`, userID))
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
}

func (s *PostgresStore) ListItems(ctx context.Context, userID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// ListItemsByIDs fetches every item in ids regardless of owner; the
// authorization gate inspects ownership on the result.
func (s *PostgresStore) ListItemsByIDs(ctx context.Context, ids []string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list items by ids: %w", err)
	}
	return collectItems(rows)
}

// ListOwnedItemsByIDs fetches only the subset of ids owned by userID.
// Missing and foreign ids are silently absent from the result.
func (s *PostgresStore) ListOwnedItemsByIDs(ctx context.Context, userID string, ids []string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("list owned items: %w", err)
	}
	return collectItems(rows)
}

func (s *PostgresStore) UpdateItem(ctx context.Context, item Item) error {
	const update = `
		UPDATE items
		SET title = $2, description = $3, data = $4, parent_id = $5, checked = $6, rank = $7
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, update,
		item.ID, item.Title, item.Description, nullableJSON(item.Data),
		item.ParentID, item.Checked, item.Rank)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ReparentItems points every listed item owned by userID at parentID.
func (s *PostgresStore) ReparentItems(ctx context.Context, userID string, ids []string, parentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET parent_id = $3 WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids, parentID)
	if err != nil {
		return fmt.Errorf("reparent items: %w", err)
	}
	return nil
}

// AttachOrphansToRoot adopts every non-root item with a null parent. The
// is_root exclusion keeps the root itself out of the sweep.
func (s *PostgresStore) AttachOrphansToRoot(ctx context.Context, userID, rootID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET parent_id = $2 WHERE user_id = $1 AND parent_id IS NULL AND NOT is_root`,
		userID, rootID)
	if err != nil {
		return fmt.Errorf("attach orphans: %w", err)
	}
	return nil
}

// ClearRootParent re-asserts that the root references no parent.
func (s *PostgresStore) ClearRootParent(ctx context.Context, rootID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET parent_id = NULL WHERE id = $1`, rootID)
	if err != nil {
		return fmt.Errorf("clear root parent: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteItems(ctx context.Context, ids []string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// nullableJSON maps an absent payload to SQL NULL instead of the empty
// string, which jsonb would reject.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
