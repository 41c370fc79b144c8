package hoststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
)

// Tree loads the whole bookmark tree rooted at models.RootID.
func (s *Store) Tree(ctx context.Context) (*models.BookmarkNode, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), title, url, date_added, unmodifiable
		FROM bookmarks
		ORDER BY position, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("hoststore: load tree: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]*models.BookmarkNode)
	var order []*models.BookmarkNode
	for rows.Next() {
		var (
			n   models.BookmarkNode
			raw sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.ParentID, &n.Title, &raw, &n.DateAdded, &n.Unmodifiable); err != nil {
			return nil, err
		}
		if raw.Valid {
			n.URL = raw.String
		} else {
			n.Children = []*models.BookmarkNode{}
		}
		nodes[n.ID] = &n
		order = append(order, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, n := range order {
		if parent, ok := nodes[n.ParentID]; ok && n.ID != models.RootID {
			parent.Children = append(parent.Children, n)
		}
	}
	root, ok := nodes[models.RootID]
	if !ok {
		return nil, fmt.Errorf("hoststore: root folder missing: %w", apperr.ErrNotFound)
	}
	return root, nil
}

// Create attaches node under parentID. Children of node are ignored; the
// caller creates them one by one against the returned id.
func (s *Store) Create(ctx context.Context, parentID string, node *models.BookmarkNode) (string, error) {
	if !node.Valid() {
		return "", errors.New("hoststore: node must have exactly one of url or children")
	}
	if node.URL != "" {
		u, err := url.Parse(node.URL)
		if err != nil || u.Scheme == "" {
			return "", fmt.Errorf("hoststore: invalid url %q", node.URL)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("hoststore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var parentURL sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT url FROM bookmarks WHERE id = ?`, parentID).Scan(&parentURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("hoststore: parent %s: %w", parentID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("hoststore: lookup parent: %w", err)
	}
	if parentURL.Valid {
		return "", fmt.Errorf("hoststore: parent %s is not a folder", parentID)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM bookmarks WHERE parent_id = ?`, parentID,
	).Scan(&next); err != nil {
		return "", fmt.Errorf("hoststore: next position: %w", err)
	}

	var urlVal any
	if node.URL != "" {
		urlVal = node.URL
	}
	added := node.DateAdded
	if added == 0 {
		added = time.Now().UnixMilli()
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bookmarks (id, parent_id, title, url, position, date_added)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, parentID, node.Title, urlVal, next, added); err != nil {
		return "", fmt.Errorf("hoststore: insert bookmark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("hoststore: commit: %w", err)
	}
	return id, nil
}

// Remove deletes a leaf or an empty folder. Reserved roots and unmodifiable
// nodes are refused.
func (s *Store) Remove(ctx context.Context, id string) error {
	if models.IsReservedID(id) {
		return fmt.Errorf("hoststore: remove %s: %w", id, apperr.ErrReservedNode)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hoststore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		raw          sql.NullString
		unmodifiable string
	)
	err = tx.QueryRowContext(ctx, `SELECT url, unmodifiable FROM bookmarks WHERE id = ?`, id).Scan(&raw, &unmodifiable)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("hoststore: remove %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("hoststore: lookup %s: %w", id, err)
	}
	if unmodifiable != "" {
		return fmt.Errorf("hoststore: remove %s: node is %s", id, unmodifiable)
	}
	if !raw.Valid {
		var children int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookmarks WHERE parent_id = ?`, id).Scan(&children); err != nil {
			return fmt.Errorf("hoststore: count children: %w", err)
		}
		if children > 0 {
			return fmt.Errorf("hoststore: remove %s: folder is not empty", id)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("hoststore: delete bookmark: %w", err)
	}
	return tx.Commit()
}

// MarkUnmodifiable flags a node as managed so it can never be removed.
func (s *Store) MarkUnmodifiable(ctx context.Context, id, reason string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE bookmarks SET unmodifiable = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("hoststore: mark unmodifiable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
