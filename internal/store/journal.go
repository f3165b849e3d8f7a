package store

import (
	"fmt"
	"time"
)

// Delivery outcomes.
const (
	OutcomeSent            = "sent"
	OutcomeFailed          = "failed"
	OutcomeDroppedCooldown = "dropped_cooldown"
	OutcomeFallback        = "fallback"
)

// Delivery is one journaled delivery attempt.
type Delivery struct {
	ID        int64
	GroupKey  string
	Sink      string
	Outcome   string
	Chars     int
	Events    int
	Error     string
	CreatedAt time.Time
}

// RecordDelivery appends d to the journal. A zero CreatedAt means now.
func (s *Store) RecordDelivery(d Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO deliveries (group_key, sink, outcome, chars, events, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.GroupKey, d.Sink, d.Outcome, d.Chars, d.Events, d.Error,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// DeliveryCounts returns the number of journaled attempts per outcome.
func (s *Store) DeliveryCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM deliveries GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// RecentDeliveries returns up to limit attempts, newest first.
func (s *Store) RecentDeliveries(limit int) ([]Delivery, error) {
	rows, err := s.db.Query(
		`SELECT id, group_key, sink, outcome, chars, events, error, created_at
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var created string
		if err := rows.Scan(&d.ID, &d.GroupKey, &d.Sink, &d.Outcome, &d.Chars, &d.Events, &d.Error, &created); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDeliveries deletes attempts older than before and returns how many
// rows were removed.
func (s *Store) PruneDeliveries(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM deliveries WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}
