package model

import "time"

// NotificationSettings controls the reminders of an event. Nil fields take
// their defaults: reminders enabled, a single reminder at event time.
type NotificationSettings struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Reminders []int `json:"reminders,omitempty"`
}

// Event is a dated appointment owned by exactly one user or guest device.
type Event struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Date                 *time.Time            `json:"date"`
	UserID               string                `json:"user_id,omitempty"`
	DeviceID             string                `json:"device_id,omitempty"`
	NotificationSettings *NotificationSettings `json:"notification_settings,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// RemindersEnabled reports whether reminders should be scheduled. Defaults to true.
func (e *Event) RemindersEnabled() bool {
	if e.NotificationSettings == nil || e.NotificationSettings.Enabled == nil {
		return true
	}
	return *e.NotificationSettings.Enabled
}

// ReminderOffsets returns the configured day offsets, or [0] when none were given.
// An explicitly empty list means no reminders.
func (e *Event) ReminderOffsets() []int {
	if e.NotificationSettings == nil || e.NotificationSettings.Reminders == nil {
		return []int{0}
	}
	return e.NotificationSettings.Reminders
}
