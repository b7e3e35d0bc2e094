// Package memory archives conversation turns per relay session.
package memory

import (
	"context"
	"time"
)

// TurnRecord is one archived user or assistant turn.
type TurnRecord struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Seq       uint64    `json:"seq" db:"seq"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Store persists and retrieves archived turns. The archive is write-behind:
// live conversation state never reads from it.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// SessionHistory returns the newest limit turns in chronological order.
	// limit <= 0 means the store's default page.
	SessionHistory(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

func stamp(record *TurnRecord) {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
}
