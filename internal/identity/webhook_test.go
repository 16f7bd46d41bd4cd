package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func signDelivery(secret []byte, msgID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.%s", msgID, timestamp, body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookAcceptsValidDelivery(t *testing.T) {
	secret := []byte("hook-secret")
	body := []byte(`{"type":"organization.created","data":{"id":"org_1","name":"Gophers","slug":"gophers"}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	event, err := VerifyWebhook(secret, "msg_1", timestamp, signDelivery(secret, "msg_1", timestamp, body), body)
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if event.Type != EventCommunityCreated {
		t.Fatalf("unexpected event type %q", event.Type)
	}
	data, err := event.Community()
	if err != nil {
		t.Fatalf("Community() error = %v", err)
	}
	if data.ID != "org_1" || data.Slug != "gophers" {
		t.Fatalf("unexpected community data: %+v", data)
	}
}

func TestVerifyWebhookAcceptsAnyMatchingSignature(t *testing.T) {
	secret := []byte("hook-secret")
	body := []byte(`{"type":"organization.deleted","data":{"id":"org_1"}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	header := "v1," + base64.StdEncoding.EncodeToString([]byte("stale-key")) +
		" " + signDelivery(secret, "msg_2", timestamp, body)

	if _, err := VerifyWebhook(secret, "msg_2", timestamp, header, body); err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
}

func TestVerifyWebhookRejectsForgedSignature(t *testing.T) {
	body := []byte(`{"type":"organization.created","data":{}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	header := signDelivery([]byte("wrong-secret"), "msg_3", timestamp, body)

	_, err := VerifyWebhook([]byte("hook-secret"), "msg_3", timestamp, header, body)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyWebhookRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("hook-secret")
	body := []byte(`{"type":"organization.created","data":{}}`)
	timestamp := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	_, err := VerifyWebhook(secret, "msg_4", timestamp, signDelivery(secret, "msg_4", timestamp, body), body)
	if !errors.Is(err, ErrStaleDelivery) {
		t.Fatalf("expected ErrStaleDelivery, got %v", err)
	}
}

func TestMembershipPayloadDecodes(t *testing.T) {
	secret := []byte("hook-secret")
	body := []byte(`{"type":"organizationMembership.created","data":{"organization":{"id":"org_1"},"public_user_data":{"user_id":"ext_9"}}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	event, err := VerifyWebhook(secret, "msg_5", timestamp, signDelivery(secret, "msg_5", timestamp, body), body)
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if event.Type != EventMemberAdded {
		t.Fatalf("unexpected event type %q", event.Type)
	}
	data, err := event.Membership()
	if err != nil {
		t.Fatalf("Membership() error = %v", err)
	}
	if data.Organization.ID != "org_1" || data.PublicUserData.UserID != "ext_9" {
		t.Fatalf("unexpected membership data: %+v", data)
	}
}

func TestParseWebhookSecretStripsPrefix(t *testing.T) {
	raw := []byte("hook-secret")
	encoded := "whsec_" + base64.StdEncoding.EncodeToString(raw)
	if got := ParseWebhookSecret(encoded); string(got) != string(raw) {
		t.Fatalf("expected decoded secret, got %q", got)
	}
}
