package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/reminderd/internal/model"
)

type ContactStore struct {
	db *sql.DB
}

func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

func (s *ContactStore) Set(ctx context.Context, userID, email string) (*model.Contact, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_contacts (user_id, email) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET email = excluded.email, updated_at = CURRENT_TIMESTAMP`,
		userID, email,
	)
	if err != nil {
		return nil, fmt.Errorf("set contact: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *ContactStore) Get(ctx context.Context, userID string) (*model.Contact, error) {
	var c model.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, updated_at FROM user_contacts WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Email, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}
