// Package notify routes reminder notifications to web push, email and FCM.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/dukerupert/reminderd/internal/fcm"
	"github.com/dukerupert/reminderd/internal/model"
	"github.com/dukerupert/reminderd/internal/push"
	"github.com/dukerupert/reminderd/internal/reminder"
	ws "github.com/dukerupert/reminderd/internal/websocket"
)

// ErrNoRoute is returned when a recipient has no usable delivery channel.
var ErrNoRoute = errors.New("no delivery route for recipient")

// DefaultRatePerSecond caps outbound notifications when no limit is configured.
const DefaultRatePerSecond = 10

type SubscriptionStore interface {
	ListByUser(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

type WebPusher interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload push.Payload) error
}

type ContactStore interface {
	Get(ctx context.Context, userID string) (*model.Contact, error)
}

type Mailer interface {
	SendReminder(ctx context.Context, to, subject, body string) error
}

type DeviceStore interface {
	GetByID(ctx context.Context, id string) (*model.Device, error)
	ClearToken(ctx context.Context, id string) error
}

type DeviceSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) (string, error)
}

type Broadcaster interface {
	Broadcast(msg ws.Message)
}

var _ reminder.Notifier = (*Transport)(nil)

// Transport implements reminder.Notifier. Channels that were never
// configured are skipped.
type Transport struct {
	subs     SubscriptionStore
	pusher   WebPusher
	contacts ContactStore
	mailer   Mailer
	devices  DeviceStore
	sender   DeviceSender
	hub      Broadcaster
	limiter  *rate.Limiter
	logger   *slog.Logger
}

type Option func(*Transport)

// WithWebPush delivers user notifications to every browser subscription.
func WithWebPush(subs SubscriptionStore, pusher WebPusher) Option {
	return func(t *Transport) {
		t.subs = subs
		t.pusher = pusher
	}
}

// WithEmail falls back to email when no push subscription accepted a user
// notification.
func WithEmail(contacts ContactStore, mailer Mailer) Option {
	return func(t *Transport) {
		t.contacts = contacts
		t.mailer = mailer
	}
}

// WithFCM delivers device notifications through Firebase Cloud Messaging.
func WithFCM(devices DeviceStore, sender DeviceSender) Option {
	return func(t *Transport) {
		t.devices = devices
		t.sender = sender
	}
}

// WithHub announces every delivered reminder on the live feed.
func WithHub(hub Broadcaster) Option {
	return func(t *Transport) {
		t.hub = hub
	}
}

// WithRateLimit bounds outbound notifications per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(t *Transport) {
		if perSecond <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func New(logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), DefaultRatePerSecond),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	return nil
}

// SendToUser pushes msg to each of the user's subscriptions, falling back to
// email when none accepted it.
func (t *Transport) SendToUser(ctx context.Context, userID string, msg reminder.Message, meta reminder.Metadata) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	log := t.logger.With("user_id", userID, "event_id", meta.EventID)

	var (
		channels []string
		errs     []error
	)

	if t.pusher != nil {
		n, err := t.pushAll(ctx, userID, msg, meta, log)
		if err != nil {
			errs = append(errs, err)
		}
		if n > 0 {
			channels = append(channels, "webpush")
		}
	}

	if len(channels) == 0 && t.mailer != nil {
		sent, err := t.email(ctx, userID, msg)
		if err != nil {
			errs = append(errs, err)
		}
		if sent {
			channels = append(channels, "email")
		}
	}

	if len(channels) == 0 {
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		return ErrNoRoute
	}

	t.announce(userID, meta, channels)
	return nil
}

func (t *Transport) pushAll(ctx context.Context, userID string, msg reminder.Message, meta reminder.Metadata, log *slog.Logger) (int, error) {
	subs, err := t.subs.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list push subscriptions: %w", err)
	}

	payload := push.Payload{
		Title: msg.Title,
		Body:  msg.Body,
		Tag:   "reminder-" + meta.EventID + "-" + strconv.Itoa(meta.DaysBeforeEvent),
		Data:  meta.Map(),
	}

	var (
		delivered int
		errs      []error
	)
	for i := range subs {
		sub := &subs[i]
		err := t.pusher.Send(ctx, sub, payload)
		switch {
		case errors.Is(err, push.ErrExpired):
			log.Info("removing expired push subscription", "subscription_id", sub.ID)
			if err := t.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				log.Error("delete expired subscription", "error", err)
			}
		case err != nil:
			log.Warn("web push failed", "subscription_id", sub.ID, "error", err)
			errs = append(errs, err)
		default:
			delivered++
		}
	}
	if delivered == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("web push: %w", errors.Join(errs...))
	}
	return delivered, nil
}

func (t *Transport) email(ctx context.Context, userID string, msg reminder.Message) (bool, error) {
	contact, err := t.contacts.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get contact: %w", err)
	}
	if contact == nil || contact.Email == "" {
		return false, nil
	}
	if err := t.mailer.SendReminder(ctx, contact.Email, msg.Title, msg.Body); err != nil {
		return false, fmt.Errorf("email reminder: %w", err)
	}
	return true, nil
}

// SendToDevice delivers a notification to a guest device's FCM token.
func (t *Transport) SendToDevice(ctx context.Context, deviceID, title, body string, meta reminder.Metadata) error {
	if t.sender == nil {
		return ErrNoRoute
	}
	if err := t.wait(ctx); err != nil {
		return err
	}

	device, err := t.devices.GetByID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	if device == nil || device.FCMToken == "" {
		return ErrNoRoute
	}

	if _, err := t.sender.Send(ctx, device.FCMToken, title, body, meta.Map()); err != nil {
		if errors.Is(err, fcm.ErrUnregistered) {
			t.logger.Info("clearing unregistered device token", "device_id", deviceID)
			if err := t.devices.ClearToken(ctx, deviceID); err != nil {
				t.logger.Error("clear device token", "device_id", deviceID, "error", err)
			}
		}
		return err
	}

	t.announce(deviceID, meta, []string{"fcm"})
	return nil
}

func (t *Transport) announce(owner string, meta reminder.Metadata, channels []string) {
	if t.hub == nil {
		return
	}
	t.hub.Broadcast(ws.NewMessage("reminder", "sent", meta.EventID, map[string]any{
		"days_before_event": meta.DaysBeforeEvent,
		"channels":          channels,
	}).For(owner))
}
