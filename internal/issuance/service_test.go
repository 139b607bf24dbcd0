package issuance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/registry"
	"keymint/internal/shared/testutil"
	"keymint/internal/signing"
)

const testSecret = "whsec_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testPlans() PlanMap {
	return PlanMap{
		"price_paid":    {Tier: registry.TierPaid},
		"price_founder": {Tier: registry.TierPaid, IsFounder: true},
		"price_free":    {Tier: registry.TierFree},
	}
}

// signBody produces the processor signature header for a body.
func signBody(t *testing.T, body []byte, at time.Time) string {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(t *testing.T, ev Event) []byte {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body
}

// newTestService returns a running service plus the store and public key
// for assertions. The queue goroutine stops with the test.
func newTestService(t *testing.T) (*Service, *registry.Store, string) {
	t.Helper()
	return newPublishingService(t, nil)
}

func newPublishingService(t *testing.T, publisher RegistryPublisher) (*Service, *registry.Store, string) {
	t.Helper()
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	store := registry.NewStore(t.TempDir(), priv, pub, "key-test", testLogger())

	svc, err := NewService(Config{
		WebhookSecret: testSecret,
		PrivateKey:    priv,
		KeyID:         "key-test",
		VersionSalt:   "v1",
		Plans:         testPlans(),
	}, store, publisher, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, store, pub
}

func deliver(t *testing.T, svc *Service, ev Event) error {
	t.Helper()
	body := eventBody(t, ev)
	return svc.HandleEvent(context.Background(), body, signBody(t, body, time.Now()))
}

func TestVerifySignature(t *testing.T) {
	now := time.Now()
	body := []byte(`{"type":"checkout.completed"}`)

	t.Run("valid", func(t *testing.T) {
		ts := strconv.FormatInt(now.Unix(), 10)
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		header := fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
		assert.NoError(t, VerifySignature(body, header, "secret", 5*time.Minute, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		ts := strconv.FormatInt(now.Unix(), 10)
		mac := hmac.New(sha256.New, []byte("other"))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		header := fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
		assert.ErrorIs(t, VerifySignature(body, header, "secret", 5*time.Minute, now), ErrBadEventSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := now.Add(-time.Hour)
		ts := strconv.FormatInt(old.Unix(), 10)
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		header := fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
		assert.ErrorIs(t, VerifySignature(body, header, "secret", 5*time.Minute, now), ErrBadEventSignature)
	})

	t.Run("malformed headers", func(t *testing.T) {
		for _, header := range []string{"", "v1=abc", "t=123", "t=abc,v1=def", "t=123,v1=zz"} {
			assert.ErrorIs(t, VerifySignature(body, header, "secret", 5*time.Minute, now), ErrBadEventSignature, "header %q", header)
		}
	})
}

func TestGenerateKeyDeterministic(t *testing.T) {
	plan := Plan{Tier: registry.TierPaid, IsFounder: true}
	a := GenerateKey("cus_1", plan, "v1")
	b := GenerateKey("cus_1", plan, "v1")
	assert.Equal(t, a, b)
	assert.NoError(t, registry.ValidateKeyFormat(a))

	assert.NotEqual(t, a, GenerateKey("cus_2", plan, "v1"))
	assert.NotEqual(t, a, GenerateKey("cus_1", Plan{Tier: registry.TierFree}, "v1"))
	assert.NotEqual(t, a, GenerateKey("cus_1", plan, "v2"))
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	body := eventBody(t, Event{ID: "evt_1", Type: EventCheckoutCompleted, CustomerID: "cus_1", PriceID: "price_paid"})

	err := svc.HandleEvent(context.Background(), body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrBadEventSignature)
}

func TestHandleEventIssuesLicense(t *testing.T) {
	svc, store, pub := newTestService(t)

	err := deliver(t, svc, Event{
		ID: "evt_1", Type: EventCheckoutCompleted,
		CustomerID: "cus_1", SubscriptionID: "sub_1",
		PriceID: "price_founder", Email: "user@example.com",
	})
	require.NoError(t, err)

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	require.Len(t, reg.Entries, 1)

	key := GenerateKey("cus_1", Plan{Tier: registry.TierPaid, IsFounder: true}, "v1")
	entry, ok := reg.Entries[key]
	require.True(t, ok)
	assert.Equal(t, registry.TierPaid, entry.Tier)
	assert.True(t, entry.IsFounder)
	assert.Equal(t, "cus_1", entry.CustomerID)
	assert.Equal(t, signing.HashEmail("user@example.com"), entry.EmailHash)
	assert.Equal(t, registry.StatusActive, entry.Status)

	valid, err := registry.VerifyEntry(entry, pub)
	require.NoError(t, err)
	assert.True(t, valid)

	// The public document is derived alongside every private save.
	public, err := store.Load(context.Background(), registry.TargetPublic)
	require.NoError(t, err)
	require.Len(t, public.Entries, 1)
	assert.Empty(t, public.Entries[key].CustomerID)
}

func TestHandleEventIdempotentReplay(t *testing.T) {
	svc, store, _ := newTestService(t)
	ev := Event{ID: "evt_1", Type: EventCheckoutCompleted, CustomerID: "cus_1", PriceID: "price_paid"}

	require.NoError(t, deliver(t, svc, ev))
	require.NoError(t, deliver(t, svc, ev))
	// Same checkout delivered under a fresh event id.
	ev.ID = "evt_2"
	require.NoError(t, deliver(t, svc, ev))

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	assert.Len(t, reg.Entries, 1)
}

// flakyPublisher fails its first upload and succeeds afterwards,
// simulating an interrupted registry publication.
type flakyPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *flakyPublisher) Publish(context.Context, *registry.Registry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return fmt.Errorf("upload interrupted")
	}
	return nil
}

func (p *flakyPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestReplayAfterPublishFailureRepublishes(t *testing.T) {
	publisher := &flakyPublisher{}
	svc, store, _ := newPublishingService(t, publisher)

	ev := Event{
		ID: "evt_1", Type: EventCheckoutCompleted,
		CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_paid",
	}
	// First delivery writes the entry locally but fails the publish; the
	// caller must see the failure so the processor redelivers.
	require.Error(t, deliver(t, svc, ev))
	assert.Equal(t, 1, publisher.Calls())

	// Redelivery finds the entry already active and must still retry the
	// publish, not acknowledge and walk away.
	ev.ID = "evt_2"
	require.NoError(t, deliver(t, svc, ev))
	assert.Equal(t, 2, publisher.Calls())

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	assert.Len(t, reg.Entries, 1, "replay must not duplicate the entry")
}

func TestHandleEventUnknownPlan(t *testing.T) {
	svc, store, _ := newTestService(t)

	err := deliver(t, svc, Event{ID: "evt_1", Type: EventCheckoutCompleted, CustomerID: "cus_1", PriceID: "price_mystery"})
	var unknownPlan *UnknownPlanError
	require.ErrorAs(t, err, &unknownPlan)
	assert.Equal(t, "price_mystery", unknownPlan.PriceID)

	_, err = store.Load(context.Background(), registry.TargetPrivate)
	assert.ErrorIs(t, err, registry.ErrNotFound, "a failed event must not write anything")
}

func TestHandleEventIgnoresUnknownType(t *testing.T) {
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	logger, logs := testutil.NewTestLogger(t)
	store := registry.NewStore(t.TempDir(), priv, pub, "key-test", logger)

	// Unknown types never reach the write queue, so the service does not
	// need to be running.
	svc, err := NewService(Config{
		WebhookSecret: testSecret,
		PrivateKey:    priv,
		KeyID:         "key-test",
		VersionSalt:   "v1",
		Plans:         testPlans(),
	}, store, nil, nil, logger)
	require.NoError(t, err)

	assert.NoError(t, deliver(t, svc, Event{ID: "evt_1", Type: "customer.updated"}))
	testutil.AssertLogged(t, logs, "ignoring event type")
}

func TestHandleEventCancellation(t *testing.T) {
	svc, store, _ := newTestService(t)

	require.NoError(t, deliver(t, svc, Event{
		ID: "evt_1", Type: EventCheckoutCompleted,
		CustomerID: "cus_1", SubscriptionID: "sub_1", PriceID: "price_paid",
	}))
	require.NoError(t, deliver(t, svc, Event{
		ID: "evt_2", Type: EventSubscriptionCanceled, SubscriptionID: "sub_1",
	}))

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	key := GenerateKey("cus_1", Plan{Tier: registry.TierPaid}, "v1")
	entry := reg.Entries[key]
	assert.Equal(t, registry.StatusCanceled, entry.Status)
	require.NotNil(t, entry.CanceledAt)

	// The signature survives cancellation untouched.
	assert.NotEmpty(t, entry.Signature)

	// Cancelling twice or for an unknown subscription is a no-op.
	require.NoError(t, deliver(t, svc, Event{ID: "evt_3", Type: EventSubscriptionCanceled, SubscriptionID: "sub_1"}))
	require.NoError(t, deliver(t, svc, Event{ID: "evt_4", Type: EventSubscriptionCanceled, SubscriptionID: "sub_missing"}))
}

func TestConcurrentEventsNoLostUpdate(t *testing.T) {
	svc, store, _ := newTestService(t)
	const n = 20

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = deliver(t, svc, Event{
				ID:         fmt.Sprintf("evt_%d", i),
				Type:       EventCheckoutCompleted,
				CustomerID: fmt.Sprintf("cus_%d", i),
				PriceID:    "price_paid",
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "event %d", i)
	}

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	assert.Len(t, reg.Entries, n, "every concurrent issuance must land")
	assert.Equal(t, n, reg.Metadata.TotalLicenses)
}

func TestQueueFailureDoesNotStallSubsequentWrites(t *testing.T) {
	svc, store, _ := newTestService(t)

	// Unknown plan fails inside validation before the queue; force a
	// queue-level failure instead by issuing with a customer id missing.
	err := deliver(t, svc, Event{ID: "evt_bad", Type: EventCheckoutCompleted, PriceID: "price_paid"})
	require.Error(t, err)

	require.NoError(t, deliver(t, svc, Event{
		ID: "evt_good", Type: EventCheckoutCompleted,
		CustomerID: "cus_1", PriceID: "price_paid",
	}))

	reg, err := store.Load(context.Background(), registry.TargetPrivate)
	require.NoError(t, err)
	assert.Len(t, reg.Entries, 1)
}

func TestNewServiceValidation(t *testing.T) {
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	store := registry.NewStore(t.TempDir(), priv, pub, "k", testLogger())

	_, err = NewService(Config{PrivateKey: priv, Plans: testPlans()}, store, nil, nil, testLogger())
	assert.Error(t, err, "missing webhook secret")

	_, err = NewService(Config{WebhookSecret: "s", Plans: testPlans()}, store, nil, nil, testLogger())
	assert.Error(t, err, "missing private key")

	_, err = NewService(Config{WebhookSecret: "s", PrivateKey: "not-a-key", Plans: testPlans()}, store, nil, nil, testLogger())
	assert.ErrorIs(t, err, signing.ErrInvalidKey)

	_, err = NewService(Config{WebhookSecret: "s", PrivateKey: priv}, store, nil, nil, testLogger())
	assert.Error(t, err, "missing plans")
}
