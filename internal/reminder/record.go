// Package reminder schedules and delivers event reminders on top of a
// TTL-capable key-value store.
//
// Layout inside the store:
//
//	reminder:{eventID}:{offsetDays}  one Record per event and offset
//	tracking:{eventID}               JSON array of the event's reminder keys
//	claim:reminder:{eventID}:{n}     held while a record is being dispatched
//	lease:reconciler                 optional cross-instance sweep lease
package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	reminderPrefix = "reminder:"
	trackingPrefix = "tracking:"
	claimPrefix    = "claim:"
	leaseKey       = "lease:reconciler"

	dayMillis = int64(24 * time.Hour / time.Millisecond)
)

// MaxOffsetDays is the largest day offset a reminder may be scheduled at.
const MaxOffsetDays = 3650

var (
	errNoRecipient    = errors.New("reminder has neither user nor device recipient")
	errBothRecipients = errors.New("reminder has both user and device recipient")
)

// Record is one scheduled notification for one event at one day offset.
type Record struct {
	EventID          string `json:"eventId"`
	UserID           string `json:"userId,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	EventName        string `json:"eventName"`
	EventDateISO     string `json:"eventDateIso"`
	TriggerAtEpochMs int64  `json:"triggerAtEpochMs"`
	OffsetDays       int    `json:"offsetDays"`
	CreatedAtEpochMs int64  `json:"createdAtEpochMs"`
}

// ReminderKey returns the store key of the record for eventID at offsetDays.
func ReminderKey(eventID string, offsetDays int) string {
	return reminderPrefix + eventID + ":" + strconv.Itoa(offsetDays)
}

// TrackingKey returns the store key of the tracking set for eventID.
func TrackingKey(eventID string) string {
	return trackingPrefix + eventID
}

func claimKey(reminderKey string) string {
	return claimPrefix + reminderKey
}

// validOffset reports whether a reminder offsetDays before eventDate has a
// representable trigger time.
func validOffset(eventDate time.Time, offsetDays int) bool {
	if offsetDays < 0 || offsetDays > MaxOffsetDays {
		return false
	}
	return eventDate.UnixMilli() >= math.MinInt64+int64(offsetDays)*dayMillis
}

// TriggerAt returns the instant a reminder offsetDays before eventDate fires.
func TriggerAt(eventDate time.Time, offsetDays int) time.Time {
	return time.UnixMilli(eventDate.UnixMilli() - int64(offsetDays)*dayMillis)
}

// TriggerTime returns the record's trigger instant.
func (r Record) TriggerTime() time.Time {
	return time.UnixMilli(r.TriggerAtEpochMs)
}

// Due reports whether the record's trigger time is at or before now.
func (r Record) Due(now time.Time) bool {
	return r.TriggerAtEpochMs <= now.UnixMilli()
}

// Validate checks recipient exclusivity.
func (r Record) Validate() error {
	switch {
	case r.UserID == "" && r.DeviceID == "":
		return errNoRecipient
	case r.UserID != "" && r.DeviceID != "":
		return errBothRecipients
	}
	return nil
}

// expiryTTL is the store TTL for a record: time left until trigger plus grace,
// rounded up to whole seconds.
func expiryTTL(trigger, now time.Time, grace time.Duration) time.Duration {
	d := trigger.Sub(now)
	if d < 0 {
		d = 0
	}
	d += grace
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

func encodeRecord(r Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode reminder: %w", err)
	}
	return string(b), nil
}

func decodeRecord(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("decode reminder: %w", err)
	}
	return r, nil
}

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode tracking set: %w", err)
	}
	return string(b), nil
}

func decodeKeys(raw string) ([]string, error) {
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode tracking set: %w", err)
	}
	return keys, nil
}
