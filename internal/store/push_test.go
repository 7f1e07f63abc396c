package store

import (
	"context"
	"testing"
)

func TestCreateSubscription(t *testing.T) {
	ps := NewPushStore(openTestDB(t))

	sub, err := ps.CreateSubscription(context.Background(), "user-1", "https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Chrome Desktop")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.Endpoint != "https://push.example.com/sub1" {
		t.Errorf("endpoint = %q, want %q", sub.Endpoint, "https://push.example.com/sub1")
	}
	if sub.DeviceName != "Chrome Desktop" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Chrome Desktop")
	}
}

func TestCreateSubscriptionUpsert(t *testing.T) {
	ps := NewPushStore(openTestDB(t))
	ctx := context.Background()

	sub1, _ := ps.CreateSubscription(ctx, "user-1", "https://push.example.com/sub1", "key1", "auth1", "Device A")
	sub2, err := ps.CreateSubscription(ctx, "user-1", "https://push.example.com/sub1", "key2", "auth2", "Device B")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	if sub2.ID != sub1.ID {
		t.Errorf("expected same ID on upsert, got %d != %d", sub2.ID, sub1.ID)
	}
	if sub2.P256dhKey != "key2" {
		t.Errorf("p256dh = %q, want %q", sub2.P256dhKey, "key2")
	}
}

func TestListByUser(t *testing.T) {
	ps := NewPushStore(openTestDB(t))
	ctx := context.Background()

	ps.CreateSubscription(ctx, "user-1", "https://push.example.com/a", "k", "a", "A")
	ps.CreateSubscription(ctx, "user-1", "https://push.example.com/b", "k", "a", "B")
	ps.CreateSubscription(ctx, "user-2", "https://push.example.com/c", "k", "a", "C")

	subs, err := ps.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}
	for _, s := range subs {
		if s.UserID != "user-1" {
			t.Errorf("subscription %d belongs to %q", s.ID, s.UserID)
		}
	}
}

func TestDeleteSubscription(t *testing.T) {
	ps := NewPushStore(openTestDB(t))
	ctx := context.Background()

	sub, _ := ps.CreateSubscription(ctx, "user-1", "https://push.example.com/a", "k", "a", "A")

	ok, err := ps.DeleteSubscription(ctx, sub.ID, "user-2")
	if err != nil || ok {
		t.Errorf("delete by other user = %v, %v; want false, nil", ok, err)
	}
	ok, err = ps.DeleteSubscription(ctx, sub.ID, "user-1")
	if err != nil || !ok {
		t.Errorf("delete by owner = %v, %v; want true, nil", ok, err)
	}
	if got, _ := ps.GetByID(ctx, sub.ID); got != nil {
		t.Error("subscription still present")
	}
}

func TestDeleteByEndpoint(t *testing.T) {
	ps := NewPushStore(openTestDB(t))
	ctx := context.Background()

	ps.CreateSubscription(ctx, "user-1", "https://push.example.com/gone", "k", "a", "A")
	if err := ps.DeleteByEndpoint(ctx, "https://push.example.com/gone"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	subs, _ := ps.ListByUser(ctx, "user-1")
	if len(subs) != 0 {
		t.Errorf("got %d subscriptions, want 0", len(subs))
	}
}
