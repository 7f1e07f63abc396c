package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/dukerupert/reminderd/internal/model"
	"github.com/dukerupert/reminderd/internal/notify"
)

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, alice, "POST", "/api/push/subscribe", `{"endpoint":"https://push/1","p256dh":"k","auth":"a","device_name":"laptop"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d, body %s", rec.Code, rec.Body.String())
	}
	sub := decode[model.PushSubscription](t, rec)

	list := decode[[]model.PushSubscription](t, env.do(t, alice, "GET", "/api/push/subscriptions", ""))
	if len(list) != 1 || list[0].Endpoint != "https://push/1" {
		t.Errorf("subscriptions = %+v", list)
	}

	path := fmt.Sprintf("/api/push/subscriptions/%d", sub.ID)
	if rec := env.do(t, bob, "DELETE", path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete by other user: status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, alice, "DELETE", path, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	if rec := env.do(t, alice, "DELETE", "/api/push/subscriptions/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("delete bad id: status = %d, want 400", rec.Code)
	}
}

func TestPushSubscribeValidation(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, guest, "POST", "/api/push/subscribe", `{}`); rec.Code != http.StatusForbidden {
		t.Errorf("device subscribe: status = %d, want 403", rec.Code)
	}
	if rec := env.do(t, alice, "POST", "/api/push/subscribe", `{"endpoint":"https://push/1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing keys: status = %d, want 400", rec.Code)
	}
}

func TestVAPIDKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, alice, "GET", "/api/push/vapid-key", "")
	if got := decode[map[string]string](t, rec)["public_key"]; got != "pub" {
		t.Errorf("public_key = %q, want pub", got)
	}
}

func TestTestNotification(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, guest, "POST", "/api/push/test", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].recipient != "dev-1" {
		t.Errorf("sent = %+v", env.notifier.sent)
	}

	env.notifier.err = notify.ErrNoRoute
	if rec := env.do(t, alice, "POST", "/api/push/test", ""); rec.Code != http.StatusConflict {
		t.Errorf("no route: status = %d, want 409", rec.Code)
	}
	env.notifier.err = errors.New("push service down")
	if rec := env.do(t, alice, "POST", "/api/push/test", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("send failure: status = %d, want 502", rec.Code)
	}
}

func TestRegisterDeviceAndContact(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, guest, "POST", "/api/devices", `{"fcm_token":"tok-1","platform":"android"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	if d := decode[model.Device](t, rec); d.ID != "dev-1" || d.FCMToken != "tok-1" {
		t.Errorf("device = %+v", d)
	}
	if rec := env.do(t, alice, "POST", "/api/devices", `{"fcm_token":"tok"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("register without device id: status = %d, want 400", rec.Code)
	}

	rec = env.do(t, alice, "PUT", "/api/contact", `{"email":"Alice <alice@example.com>"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("contact status = %d", rec.Code)
	}
	if c := decode[model.Contact](t, rec); c.Email != "alice@example.com" {
		t.Errorf("email = %q", c.Email)
	}
	if rec := env.do(t, alice, "PUT", "/api/contact", `{"email":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad email: status = %d, want 400", rec.Code)
	}
	if rec := env.do(t, guest, "PUT", "/api/contact", `{"email":"a@b.c"}`); rec.Code != http.StatusForbidden {
		t.Errorf("device contact: status = %d, want 403", rec.Code)
	}
}
