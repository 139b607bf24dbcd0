// Package issuance turns authenticated payment processor events into
// signed registry mutations: deterministic key generation, payload signing,
// serialized writes, and public registry derivation.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/registry"
	"keymint/internal/signing"
)

const defaultSignatureTolerance = 5 * time.Minute

// RegistryPublisher pushes the derived public registry to remote storage.
// Satisfied by registry.Publisher; nil disables publication.
type RegistryPublisher interface {
	Publish(ctx context.Context, public *registry.Registry) error
}

// Config carries the issuance service's settings.
type Config struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	PrivateKey         string
	KeyID              string
	VersionSalt        string
	Plans              PlanMap
	QueueDepth         int
}

// Service owns all write access to the private registry. Every mutation
// funnels through its write queue; nothing else in the process may call
// Store.Save.
type Service struct {
	cfg       Config
	store     *registry.Store
	queue     *writeQueue
	publisher RegistryPublisher
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the issuance service. publisher and metrics may be nil.
func NewService(cfg Config, store *registry.Store, publisher RegistryPublisher, metrics *Metrics, logger *slog.Logger) (*Service, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.New("issuance: webhook secret is required")
	}
	if cfg.PrivateKey == "" {
		return nil, errors.New("issuance: private signing key is required")
	}
	if _, err := signing.DecodePrivateKey(cfg.PrivateKey); err != nil {
		return nil, err
	}
	if len(cfg.Plans) == 0 {
		return nil, errors.New("issuance: at least one plan mapping is required")
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = defaultSignatureTolerance
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		queue:     newWriteQueue(cfg.QueueDepth, logger),
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "issuance_service")),
		now:       time.Now,
	}, nil
}

// SetClock injects a deterministic clock for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Run starts the write queue consumer and blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.queue.Run(ctx)
}

// HandleEvent processes one webhook delivery: authenticate, parse,
// dispatch. Unknown event types are acknowledged without action so the
// processor does not redeliver them forever.
func (s *Service) HandleEvent(ctx context.Context, body []byte, signatureHeader string) error {
	if err := VerifySignature(body, signatureHeader, s.cfg.WebhookSecret, s.cfg.SignatureTolerance, s.now()); err != nil {
		s.metrics.recordEvent(ctx, "unauthenticated", "rejected")
		return err
	}

	ev, err := ParseEvent(body)
	if err != nil {
		s.metrics.recordEvent(ctx, "unparseable", "rejected")
		return err
	}

	switch ev.Type {
	case EventCheckoutCompleted, EventInvoicePaid:
		err = s.issue(ctx, ev)
	case EventSubscriptionCanceled:
		err = s.cancel(ctx, ev)
	default:
		s.logger.InfoContext(ctx, "ignoring event type",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.Type))
		s.metrics.recordEvent(ctx, ev.Type, "ignored")
		return nil
	}

	if err != nil {
		s.metrics.recordEvent(ctx, ev.Type, "failed")
		return err
	}
	s.metrics.recordEvent(ctx, ev.Type, "handled")
	return nil
}

// issue creates or refreshes the license entry for a checkout event.
func (s *Service) issue(ctx context.Context, ev *Event) error {
	if ev.CustomerID == "" {
		return fmt.Errorf("issuance: event %s has no customer id", ev.ID)
	}
	plan, err := s.cfg.Plans.Resolve(ev.PriceID)
	if err != nil {
		return err
	}

	key := GenerateKey(ev.CustomerID, plan, s.cfg.VersionSalt)

	return s.queue.Submit(ctx, func(ctx context.Context) error {
		reg, err := s.loadOrInit(ctx)
		if err != nil {
			return err
		}

		if existing, ok := reg.Entries[key]; ok && existing.Status == registry.StatusActive {
			// Redelivered event for an already-issued license. Persist
			// again without re-signing: a prior delivery may have failed
			// after the private save, leaving the public document or the
			// published copy behind.
			s.logger.InfoContext(ctx, "license already issued, event is a replay",
				slog.String("event_id", ev.ID),
				slog.String("license_key", registry.MaskKey(key)))
			return s.persist(ctx, reg)
		}

		payload, err := registry.BuildPayload(registry.PayloadInput{
			LicenseKey: key,
			Tier:       plan.Tier,
			IsFounder:  plan.IsFounder,
			EmailHash:  hashOptionalEmail(ev.Email),
			Issued:     s.now(),
		})
		if err != nil {
			return err
		}
		sig, err := registry.SignPayload(payload, s.cfg.PrivateKey)
		if err != nil {
			return err
		}

		reg.Entries[key] = registry.Entry{
			CredentialPayload: payload,
			CustomerID:        ev.CustomerID,
			SubscriptionID:    ev.SubscriptionID,
			Status:            registry.StatusActive,
			Signature:         sig,
			KeyID:             s.cfg.KeyID,
		}

		if err := s.persist(ctx, reg); err != nil {
			return err
		}
		s.metrics.recordIssued(ctx, string(plan.Tier))
		s.logger.InfoContext(ctx, "license issued",
			slog.String("event_id", ev.ID),
			slog.String("license_key", registry.MaskKey(key)),
			slog.String("tier", string(plan.Tier)),
			slog.Bool("is_founder", plan.IsFounder))
		return nil
	})
}

// cancel marks the entry matching the event's subscription as canceled.
// The credential signature stays valid; cancellation is operational
// metadata, not cryptographic revocation.
func (s *Service) cancel(ctx context.Context, ev *Event) error {
	if ev.SubscriptionID == "" {
		return fmt.Errorf("issuance: cancellation event %s has no subscription id", ev.ID)
	}

	return s.queue.Submit(ctx, func(ctx context.Context) error {
		reg, err := s.store.Load(ctx, registry.TargetPrivate)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.logger.WarnContext(ctx, "cancellation for empty registry, ignoring",
					slog.String("event_id", ev.ID))
				return nil
			}
			return err
		}

		key := ""
		for k, entry := range reg.Entries {
			if entry.SubscriptionID == ev.SubscriptionID {
				key = k
				break
			}
		}
		if key == "" {
			s.logger.WarnContext(ctx, "cancellation for unknown subscription, ignoring",
				slog.String("event_id", ev.ID))
			return nil
		}

		entry := reg.Entries[key]
		if entry.Status == registry.StatusCanceled {
			return nil
		}
		canceledAt := s.now().UTC().Truncate(time.Second)
		entry.Status = registry.StatusCanceled
		entry.CanceledAt = &canceledAt
		reg.Entries[key] = entry

		if err := s.persist(ctx, reg); err != nil {
			return err
		}
		s.metrics.recordCanceled(ctx)
		s.logger.InfoContext(ctx, "license canceled",
			slog.String("event_id", ev.ID),
			slog.String("license_key", registry.MaskKey(key)))
		return nil
	})
}

// loadOrInit returns the private registry, creating a fresh one on first
// issuance. Integrity failures are not recoverable here.
func (s *Service) loadOrInit(ctx context.Context) (*registry.Registry, error) {
	reg, err := s.store.Load(ctx, registry.TargetPrivate)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return registry.NewRegistry(s.cfg.KeyID, s.now()), nil
		}
		return nil, err
	}
	return reg, nil
}

// persist saves the private document, derives and saves the public one,
// and publishes it when a publisher is configured. A publish failure is
// surfaced to the event's caller (so the processor retries the delivery)
// but local state is already consistent at that point.
func (s *Service) persist(ctx context.Context, reg *registry.Registry) error {
	if err := s.store.Save(ctx, registry.TargetPrivate, reg); err != nil {
		return err
	}

	public, err := s.store.DerivePublic(reg)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, registry.TargetPublic, public); err != nil {
		return err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, public); err != nil {
			return err
		}
	}
	return nil
}

func hashOptionalEmail(email string) string {
	if email == "" {
		return ""
	}
	return signing.HashEmail(email)
}
