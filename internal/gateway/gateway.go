// Package gateway deduplicates and routes inbound provider events.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/idempotency"
	"github.com/cooodecat/otto-handler-sub000/internal/metrics"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
)

// BuildHandler consumes build status events.
type BuildHandler interface {
	HandleBuildEvent(ctx context.Context, event domain.ExternalEvent, detail domain.BuildDetail) error
}

// LifecycleHandler consumes workload lifecycle and target health events.
type LifecycleHandler interface {
	HandleOrchestrationEvent(ctx context.Context, event domain.ExternalEvent, detail domain.OrchestrationDetail) error
	HandleTargetHealthEvent(ctx context.Context, event domain.ExternalEvent, detail domain.TargetHealthDetail) error
}

// Service is the idempotent event gateway. Exactly one engine instance
// processes a given event id within the TTL window; duplicates short-circuit
// without side effects.
type Service struct {
	store     idempotency.Store
	events    repository.EventRepository
	builds    BuildHandler
	lifecycle LifecycleHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	ttl       time.Duration
}

// New constructs the gateway.
func New(store idempotency.Store, events repository.EventRepository, builds BuildHandler, lifecycle LifecycleHandler, logger *slog.Logger, m *metrics.Metrics, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:     store,
		events:    events,
		builds:    builds,
		lifecycle: lifecycle,
		logger:    logger.With("component", "gateway"),
		metrics:   m,
		ttl:       ttl,
	}
}

// Accept deduplicates and routes one event. It returns false when the event
// was already seen; a duplicate is not an error. A routing failure releases
// the dedup claim so the provider's at-least-once redelivery retries the
// transition instead of being swallowed as a duplicate.
func (s *Service) Accept(ctx context.Context, event domain.ExternalEvent) (bool, error) {
	if strings.TrimSpace(event.ID) == "" {
		return false, errors.New("event id required")
	}

	fresh, err := s.store.SetIfAbsent(ctx, event.ID, s.ttl)
	if err != nil {
		// Fail open: an unreachable dedup store degrades to at-least-once
		// delivery, which downstream terminal-state guards already tolerate.
		// Failing closed would stall every rollout on a Redis outage.
		s.logger.Error("idempotency store unreachable, processing without dedup", "event_id", event.ID, "error", err)
		fresh = true
	}
	if !fresh {
		if s.metrics != nil {
			s.metrics.EventsDuplicate.Inc()
		}
		s.logger.Debug("duplicate event skipped", "event_id", event.ID, "source", event.Source)
		return false, nil
	}

	if err := s.events.InsertEvent(ctx, &event); err != nil {
		// Audit trail only; the event is still routed.
		s.logger.Warn("failed to persist inbound event", "event_id", event.ID, "error", err)
	}

	if err := s.route(ctx, event); err != nil {
		// Release the claim so the next redelivery of this id reprocesses.
		if delErr := s.store.Delete(ctx, event.ID); delErr != nil {
			s.logger.Error("failed to release dedup claim after routing error",
				"event_id", event.ID, "error", delErr)
		}
		return true, err
	}
	return true, nil
}

func (s *Service) route(ctx context.Context, event domain.ExternalEvent) error {
	decoded, err := event.DecodeDetail()
	if err != nil {
		var unknown domain.ErrUnknownSource
		if errors.As(err, &unknown) {
			if s.metrics != nil {
				s.metrics.EventsDropped.Inc()
			}
			s.logger.Warn("dropping event from unknown source", "event_id", event.ID, "source", event.Source)
			return nil
		}
		if s.metrics != nil {
			s.metrics.EventsDropped.Inc()
		}
		s.logger.Warn("dropping undecodable event", "event_id", event.ID, "source", event.Source, "error", err)
		return nil
	}

	if s.metrics != nil {
		s.metrics.EventsAccepted.WithLabelValues(event.Source).Inc()
	}

	switch detail := decoded.(type) {
	case domain.BuildDetail:
		return s.builds.HandleBuildEvent(ctx, event, detail)
	case domain.OrchestrationDetail:
		return s.lifecycle.HandleOrchestrationEvent(ctx, event, detail)
	case domain.TargetHealthDetail:
		return s.lifecycle.HandleTargetHealthEvent(ctx, event, detail)
	default:
		// DecodeDetail only produces the three cases above.
		s.logger.Warn("unhandled event detail type", "event_id", event.ID, "source", event.Source)
		return nil
	}
}

// DeleteRecords removes idempotency records for the given event ids, used by
// cleanup when a deployment's history is purged.
func (s *Service) DeleteRecords(ctx context.Context, eventIDs ...string) error {
	return s.store.Delete(ctx, eventIDs...)
}
