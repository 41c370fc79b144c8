package hoststore

import (
	"context"
	"errors"
	"fmt"

	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
)

// Search returns history records matching q, most recent first.
func (s *Store) Search(ctx context.Context, q host.Query) ([]models.HistoryRecord, error) {
	limit := q.MaxResults
	if limit <= 0 {
		limit = -1
	}
	like := "%" + q.Text + "%"
	rows, err := s.conn.QueryContext(ctx, `
		SELECT url, title, visit_count, last_visit_time, typed_count
		FROM history
		WHERE (? = '' OR url LIKE ? OR title LIKE ?)
		  AND last_visit_time >= ?
		  AND (? = 0 OR last_visit_time <= ?)
		ORDER BY last_visit_time DESC
		LIMIT ?
	`, q.Text, like, like, q.StartTime, q.EndTime, q.EndTime, limit)
	if err != nil {
		return nil, fmt.Errorf("hoststore: search history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var r models.HistoryRecord
		if err := rows.Scan(&r.URL, &r.Title, &r.VisitCount, &r.LastVisitTime, &r.TypedCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Add records a visit. Adding an existing url overwrites it.
func (s *Store) Add(ctx context.Context, rec models.HistoryRecord) error {
	if rec.URL == "" {
		return errors.New("hoststore: add history: url is required")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO history (url, title, visit_count, last_visit_time, typed_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title           = excluded.title,
			visit_count     = excluded.visit_count,
			last_visit_time = excluded.last_visit_time,
			typed_count     = excluded.typed_count
	`, rec.URL, rec.Title, rec.VisitCount, rec.LastVisitTime, rec.TypedCount)
	if err != nil {
		return fmt.Errorf("hoststore: add history: %w", err)
	}
	return nil
}

// Delete removes every visit of url. Deleting an unknown url is not an error.
func (s *Store) Delete(ctx context.Context, url string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM history WHERE url = ?`, url); err != nil {
		return fmt.Errorf("hoststore: delete history: %w", err)
	}
	return nil
}
