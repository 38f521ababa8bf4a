// Package rollup materializes per-carrier aggregates from the carrier's full
// event history.
package rollup

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"carrier_analytics/internal/metrics"
	"carrier_analytics/internal/store"
)

// Snapshot is the complete rollup of one carrier.
type Snapshot struct {
	Carrier   store.Carrier
	Equipment []store.CarrierEquipment
	Lanes     []store.CarrierLane
}

// EventSource streams a carrier's events. Both *store.Store and *store.Tx
// satisfy it.
type EventSource interface {
	CarrierEvents(ctx context.Context, carrierID int64) iter.Seq2[store.CallEvent, error]
}

// Engine recomputes carrier rollups. Every recompute is a full scan of the
// carrier's events, which keeps it the reference result for any
// incremental variant.
type Engine struct {
	log *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// Compute folds the events of base.ID into a Snapshot without writing.
// It returns false when the carrier has no events.
func (e *Engine) Compute(ctx context.Context, src EventSource, base store.Carrier) (Snapshot, bool, error) {
	acc := newAccumulator()
	for ev, err := range src.CarrierEvents(ctx, base.ID) {
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("scan carrier %d events: %w", base.ID, err)
		}
		acc.add(ev)
	}
	if acc.total == 0 {
		return Snapshot{Carrier: base}, false, nil
	}
	return acc.snapshot(base), true, nil
}

// Recompute rebuilds the carrier row and its equipment and lane children
// inside tx. Child rows for groups no longer present are deleted so the
// tables stay an exact function of the event set. A carrier with no events
// is left untouched.
func (e *Engine) Recompute(ctx context.Context, tx *store.Tx, carrierID int64) (Snapshot, error) {
	start := time.Now()
	defer func() { metrics.RecomputeDuration.Observe(time.Since(start).Seconds()) }()

	base, err := tx.LockCarrier(ctx, carrierID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load carrier %d: %w", carrierID, err)
	}
	snap, ok, err := e.Compute(ctx, tx, base)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		e.log.Debug("rollup: carrier has no events, skipping", "carrier_id", carrierID)
		return snap, nil
	}

	if err := tx.SaveCarrierRollup(ctx, snap.Carrier); err != nil {
		return Snapshot{}, err
	}
	keepEquipment := make([]string, 0, len(snap.Equipment))
	for _, eq := range snap.Equipment {
		if err := tx.UpsertEquipment(ctx, eq); err != nil {
			return Snapshot{}, err
		}
		keepEquipment = append(keepEquipment, eq.EquipmentType)
	}
	keepLanes := make([]string, 0, len(snap.Lanes))
	for _, ln := range snap.Lanes {
		if err := tx.UpsertLane(ctx, ln); err != nil {
			return Snapshot{}, err
		}
		keepLanes = append(keepLanes, ln.Lane)
	}
	prunedEq, err := tx.PruneEquipment(ctx, carrierID, keepEquipment)
	if err != nil {
		return Snapshot{}, err
	}
	prunedLanes, err := tx.PruneLanes(ctx, carrierID, keepLanes)
	if err != nil {
		return Snapshot{}, err
	}
	if prunedEq > 0 || prunedLanes > 0 {
		e.log.Info("rollup: pruned stale child rows", "carrier_id", carrierID, "equipment", prunedEq, "lanes", prunedLanes)
	}

	e.log.Debug("rollup: recomputed", "carrier_id", carrierID, "total_calls", snap.Carrier.TotalCalls,
		"equipment", len(snap.Equipment), "lanes", len(snap.Lanes))
	return snap, nil
}
