package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook event types pushed by the identity provider for organization
// (community) lifecycle changes.
const (
	EventCommunityCreated = "organization.created"
	EventCommunityUpdated = "organization.updated"
	EventCommunityDeleted = "organization.deleted"
	EventMemberAdded      = "organizationMembership.created"
	EventMemberRemoved    = "organizationMembership.deleted"
)

var (
	ErrBadSignature  = errors.New("webhook signature mismatch")
	ErrStaleDelivery = errors.New("webhook delivery too old")
)

const deliveryTolerance = 5 * time.Minute

// Event is a decoded webhook delivery.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CommunityData is the payload of organization.* events.
type CommunityData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	ImageURL  string `json:"image_url"`
	CreatedBy string `json:"created_by"`
}

// MembershipData is the payload of organizationMembership.* events.
type MembershipData struct {
	Organization struct {
		ID string `json:"id"`
	} `json:"organization"`
	PublicUserData struct {
		UserID string `json:"user_id"`
	} `json:"public_user_data"`
}

// VerifyWebhook checks a delivery's signature and timestamp and decodes the
// event. The signed content is "<msgID>.<timestamp>.<body>" and the signature
// header carries space-separated "v1,<base64>" entries, any one of which may
// match (the provider rotates secrets).
func VerifyWebhook(secret []byte, msgID, timestamp, signatureHeader string, body []byte) (Event, error) {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("parse webhook timestamp: %w", err)
	}
	age := time.Since(time.Unix(unix, 0))
	if age > deliveryTolerance || age < -deliveryTolerance {
		return Event{}, ErrStaleDelivery
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	matched := false
	for _, entry := range strings.Fields(signatureHeader) {
		version, signature, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return Event{}, ErrBadSignature
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("decode webhook event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("webhook event missing type")
	}
	return event, nil
}

// ParseWebhookSecret strips the provider's "whsec_" prefix and base64-decodes
// the remainder. A raw secret is accepted as-is for local development.
func ParseWebhookSecret(value string) []byte {
	trimmed := strings.TrimPrefix(value, "whsec_")
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && trimmed != value {
		return decoded
	}
	return []byte(value)
}

// Community decodes the event payload as organization data.
func (e Event) Community() (CommunityData, error) {
	var data CommunityData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return CommunityData{}, fmt.Errorf("decode community data: %w", err)
	}
	if data.ID == "" {
		return CommunityData{}, fmt.Errorf("community data missing id")
	}
	return data, nil
}

// Membership decodes the event payload as membership data.
func (e Event) Membership() (MembershipData, error) {
	var data MembershipData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return MembershipData{}, fmt.Errorf("decode membership data: %w", err)
	}
	if data.Organization.ID == "" || data.PublicUserData.UserID == "" {
		return MembershipData{}, fmt.Errorf("membership data incomplete")
	}
	return data, nil
}
