package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/model"
)

// NotificationType is the metadata type attached to every reminder delivery.
const NotificationType = "reminder"

// EventProvider resolves live events. A deleted event is reported as nil, nil.
type EventProvider interface {
	FindEventByID(ctx context.Context, id string) (*model.Event, error)
}

// Message is the user-facing content of a notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Metadata travels with every reminder delivery.
type Metadata struct {
	EventID         string `json:"eventId"`
	Type            string `json:"type"`
	DaysBeforeEvent int    `json:"daysBeforeEvent"`
}

// Map flattens the metadata into string pairs for data-only payloads.
func (m Metadata) Map() map[string]string {
	return map[string]string{
		"eventId":         m.EventID,
		"type":            m.Type,
		"daysBeforeEvent": strconv.Itoa(m.DaysBeforeEvent),
	}
}

// Notifier delivers notifications to an authenticated user or a guest device.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, msg Message, meta Metadata) error
	SendToDevice(ctx context.Context, deviceID, title, body string, meta Metadata) error
}

// Outcome describes what Process did with a reminder key.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSendFailed
	OutcomeMissing
	OutcomeEventGone
	OutcomeNoRecipient
	OutcomeBusy
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeMissing:
		return "missing"
	case OutcomeEventGone:
		return "event_gone"
	case OutcomeNoRecipient:
		return "no_recipient"
	case OutcomeBusy:
		return "busy"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// processor is the part of Dispatcher the timeline and reconciler depend on.
type processor interface {
	Process(ctx context.Context, key string) Outcome
}

// Dispatcher delivers a single reminder record and then deletes it. It owns
// delivery-completion state and never retries a failed send.
type Dispatcher struct {
	store    kv.Store
	events   EventProvider
	notifier Notifier
	claimTTL time.Duration
	logger   *slog.Logger
}

// DefaultClaimTTL bounds how long a crashed dispatch can block a record.
const DefaultClaimTTL = 5 * time.Minute

// NewDispatcher creates a dispatcher. A claimTTL of zero uses DefaultClaimTTL.
func NewDispatcher(store kv.Store, events EventProvider, notifier Notifier, claimTTL time.Duration, logger *slog.Logger) *Dispatcher {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Dispatcher{
		store:    store,
		events:   events,
		notifier: notifier,
		claimTTL: claimTTL,
		logger:   logger,
	}
}

// Process delivers the reminder stored at key. Errors are logged, never returned.
func (d *Dispatcher) Process(ctx context.Context, key string) Outcome {
	log := d.logger.With("key", key)

	claimed, err := d.store.SetNX(ctx, claimKey(key), strconv.FormatInt(time.Now().UnixMilli(), 10), d.claimTTL)
	if err != nil {
		log.Error("claim reminder", "error", err)
		return OutcomeError
	}
	if !claimed {
		log.Debug("reminder already being processed")
		return OutcomeBusy
	}

	outcome := d.deliver(ctx, key, log)
	if outcome == OutcomeMissing {
		d.release(ctx, log, kv.Del(claimKey(key)))
	} else {
		d.release(ctx, log, kv.Del(key), kv.Del(claimKey(key)))
	}
	return outcome
}

func (d *Dispatcher) deliver(ctx context.Context, key string, log *slog.Logger) Outcome {
	raw, ok, err := d.store.Get(ctx, key)
	if err != nil {
		log.Error("read reminder", "error", err)
		return OutcomeError
	}
	if !ok {
		log.Debug("reminder already processed")
		return OutcomeMissing
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		log.Warn("malformed reminder record", "error", err)
		return OutcomeError
	}
	log = log.With("event_id", rec.EventID)

	event, err := d.events.FindEventByID(ctx, rec.EventID)
	if err != nil {
		log.Error("look up reminder event", "error", err)
		return OutcomeError
	}
	if event == nil {
		log.Info("event no longer exists, dropping reminder")
		return OutcomeEventGone
	}

	msg := composeMessage(rec)
	meta := Metadata{EventID: rec.EventID, Type: NotificationType, DaysBeforeEvent: rec.OffsetDays}

	if err := rec.Validate(); err != nil {
		log.Warn("invalid reminder recipient", "error", err)
		if errors.Is(err, errNoRecipient) {
			return OutcomeNoRecipient
		}
	}

	if rec.UserID != "" {
		err = d.notifier.SendToUser(ctx, rec.UserID, msg, meta)
	} else {
		err = d.notifier.SendToDevice(ctx, rec.DeviceID, msg.Title, msg.Body, meta)
	}
	if err != nil {
		log.Error("send reminder", "error", err)
		return OutcomeSendFailed
	}

	log.Info("reminder sent", "offset_days", rec.OffsetDays)
	return OutcomeSent
}

// release runs the final deletes even when ctx has been cancelled mid-dispatch.
func (d *Dispatcher) release(ctx context.Context, log *slog.Logger, cmds ...kv.Command) {
	if err := d.store.Exec(context.WithoutCancel(ctx), cmds); err != nil {
		log.Error("delete reminder", "error", err)
	}
}

func composeMessage(rec Record) Message {
	name := rec.EventName
	if name == "" {
		name = "Your event"
	}
	msg := Message{Title: "Event Reminder"}
	switch rec.OffsetDays {
	case 0:
		msg.Body = fmt.Sprintf("%s is happening now", name)
	case 1:
		msg.Body = fmt.Sprintf("%s is happening in 1 day", name)
	default:
		msg.Body = fmt.Sprintf("%s is happening in %d days", name, rec.OffsetDays)
	}
	return msg
}
