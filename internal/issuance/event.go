package issuance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payment processor event types. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventInvoicePaid          = "invoice.paid"
	EventSubscriptionCanceled = "subscription.canceled"
)

// ErrBadEventSignature covers every authenticity failure on an inbound
// event: missing or malformed header, stale timestamp, digest mismatch.
// Handlers map it to 400; nothing downstream runs for such an event.
var ErrBadEventSignature = errors.New("issuance: event signature verification failed")

// Event is the subset of a payment processor delivery the issuance path
// acts on.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	CustomerID     string `json:"customerId"`
	SubscriptionID string `json:"subscriptionId"`
	PriceID        string `json:"priceId"`
	Email          string `json:"email,omitempty"`
}

// ParseEvent decodes a verified event body. Call VerifySignature first;
// parsing unauthenticated bodies is a defect.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("issuance: malformed event body: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("issuance: event has no type")
	}
	return &ev, nil
}

// VerifySignature checks the processor's signature header against the raw
// body. Header format: "t=<unix>,v1=<hex>", where the hex digest is
// HMAC-SHA256 over "<t>.<body>" with the shared secret. The timestamp must
// be within tolerance of now, in either direction, to bound replay.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	ts, digest, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	eventTime := time.Unix(ts, 0)
	drift := now.Sub(eventTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadEventSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)

	want, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: digest is not hex", ErrBadEventSignature)
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("%w: digest mismatch", ErrBadEventSignature)
	}
	return nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	if header == "" {
		return 0, "", fmt.Errorf("%w: missing signature header", ErrBadEventSignature)
	}

	var tsPart, digest string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			digest = v
		}
	}
	if tsPart == "" || digest == "" {
		return 0, "", fmt.Errorf("%w: malformed signature header", ErrBadEventSignature)
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed timestamp", ErrBadEventSignature)
	}
	return ts, digest, nil
}
