package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/reminderd/internal/model"
)

type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// Register stores the FCM token of a device, replacing any earlier token.
func (s *DeviceStore) Register(ctx context.Context, id, fcmToken, platform string) (*model.Device, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, fcm_token, platform) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fcm_token = excluded.fcm_token, platform = excluded.platform, updated_at = CURRENT_TIMESTAMP`,
		id, fcmToken, platform,
	)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *DeviceStore) GetByID(ctx context.Context, id string) (*model.Device, error) {
	var d model.Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, fcm_token, platform, created_at, updated_at FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.FCMToken, &d.Platform, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ClearToken forgets a token FCM reported as unregistered.
func (s *DeviceStore) ClearToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET fcm_token = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear device token: %w", err)
	}
	return nil
}
