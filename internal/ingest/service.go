// Package ingest validates call-completed events and applies them to the
// store together with the owning carrier's rollup.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carrier_analytics/internal/identity"
	"carrier_analytics/internal/metrics"
	"carrier_analytics/internal/rollup"
	"carrier_analytics/internal/store"
)

// Result describes an accepted event.
type Result struct {
	EventID        int64         `json:"event_id"`
	CallID         string        `json:"call_id"`
	CarrierID      int64         `json:"carrier_id"`
	CarrierCreated bool          `json:"carrier_created"`
	Carrier        store.Carrier `json:"carrier"`
}

type Service struct {
	store  *store.Store
	engine *rollup.Engine
	names  identity.Normalizer
	log    *slog.Logger
}

func NewService(st *store.Store, engine *rollup.Engine, names identity.Normalizer, log *slog.Logger) *Service {
	if names == nil {
		names = identity.Exact{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, engine: engine, names: names, log: log}
}

// Ingest validates env, then in one unit of work rejects a known call id,
// resolves or creates the carrier, appends the event and recomputes the
// carrier rollup. Nothing is persisted unless every step succeeds.
func (s *Service) Ingest(ctx context.Context, env Envelope) (Result, error) {
	ev, err := env.Normalize()
	if err != nil {
		metrics.IngestResults.WithLabelValues(metrics.ResultInvalid).Inc()
		return Result{}, err
	}
	key := s.names.Key(ev.CarrierName)
	if key == "" {
		metrics.IngestResults.WithLabelValues(metrics.ResultInvalid).Inc()
		return Result{}, &ValidationError{Fields: []FieldError{{Field: "carrier_name", Message: "required"}}}
	}

	var res Result
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		res = Result{}
		exists, err := tx.EventExists(ctx, ev.CallID)
		if err != nil {
			return fmt.Errorf("check call id: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", store.ErrDuplicateEvent, ev.CallID)
		}

		carrier, created, err := tx.GetOrCreateCarrier(ctx, ev.CarrierName, key, ev.CarrierMCNumber)
		if err != nil {
			return err
		}
		event := ev
		event.CarrierID = carrier.ID
		id, err := tx.InsertEvent(ctx, &event)
		if err != nil {
			return err
		}
		snap, err := s.engine.Recompute(ctx, tx, carrier.ID)
		if err != nil {
			return fmt.Errorf("recompute carrier %d: %w", carrier.ID, err)
		}
		res = Result{EventID: id, CallID: event.CallID, CarrierID: carrier.ID, CarrierCreated: created, Carrier: snap.Carrier}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateEvent):
		metrics.IngestResults.WithLabelValues(metrics.ResultDuplicate).Inc()
		s.log.Info("ingest: duplicate call id", "call_id", ev.CallID)
		return Result{}, err
	default:
		metrics.IngestResults.WithLabelValues(metrics.ResultError).Inc()
		s.log.Error("ingest: failed", "call_id", ev.CallID, "err", err)
		return Result{}, err
	}

	metrics.IngestResults.WithLabelValues(metrics.ResultAccepted).Inc()
	if res.CarrierCreated {
		metrics.CarriersCreated.Inc()
	}
	s.log.Info("ingest: accepted", "call_id", res.CallID, "carrier_id", res.CarrierID, "carrier_created", res.CarrierCreated)
	return res, nil
}
