// Package fcm sends device notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// ErrUnregistered is returned when FCM no longer recognises a device token.
var ErrUnregistered = errors.New("fcm token unregistered")

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Client sends data+notification messages to single device tokens.
type Client struct {
	messaging messagingClient
}

// New initialises a Firebase app from a service-account file.
func New(ctx context.Context, credentialsFile, projectID string) (*Client, error) {
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, cfg, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	mc, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &Client{messaging: mc}, nil
}

// Send delivers title and body to token, attaching data as the message payload.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	id, err := c.messaging.Send(ctx, &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		if messaging.IsUnregistered(err) {
			return "", fmt.Errorf("%w: %v", ErrUnregistered, err)
		}
		return "", fmt.Errorf("send fcm message: %w", err)
	}
	return id, nil
}
