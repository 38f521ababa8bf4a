// Package backfill rebuilds every carrier rollup from raw events. It is the
// offline counterpart of the per-event recompute and doubles as a check
// that stored rollups still match a full scan.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"carrier_analytics/internal/metrics"
	"carrier_analytics/internal/queue"
	"carrier_analytics/internal/rollup"
	"carrier_analytics/internal/store"
)

// Summary captures rebuild execution metrics.
type Summary struct {
	Carriers int           `json:"carriers"`
	Rebuilt  int           `json:"rebuilt"`
	Failed   int           `json:"failed"`
	Drifted  []int64       `json:"drifted,omitempty"`
	Duration time.Duration `json:"duration"`
}

const (
	resultRebuilt = "rebuilt"
	resultFailed  = "failed"
	resultDrifted = "drifted"
	resultClean   = "clean"
)

type Rebuilder struct {
	store   *store.Store
	engine  *rollup.Engine
	workers int
	log     *slog.Logger
}

func New(st *store.Store, engine *rollup.Engine, workers int, log *slog.Logger) *Rebuilder {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{store: st, engine: engine, workers: workers, log: log}
}

// Rebuild recomputes every carrier, each in its own transaction. A failing
// carrier is counted and logged; the others still run.
func (r *Rebuilder) Rebuild(ctx context.Context) (Summary, error) {
	return r.each(ctx, "rebuild", func(ctx context.Context, id int64) (string, error) {
		err := r.store.InTx(ctx, func(tx *store.Tx) error {
			_, err := r.engine.Recompute(ctx, tx, id)
			return err
		})
		if err != nil {
			return "", err
		}
		return resultRebuilt, nil
	})
}

// Verify recomputes every carrier in memory and reports those whose stored
// rollup differs. Nothing is written.
func (r *Rebuilder) Verify(ctx context.Context) (Summary, error) {
	return r.each(ctx, "verify", func(ctx context.Context, id int64) (string, error) {
		ok, err := r.matches(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			r.log.Warn("backfill: stored rollup differs from full scan", "carrier_id", id)
			return resultDrifted, nil
		}
		return resultClean, nil
	})
}

// each runs fn for every carrier on the worker pool and tallies the
// results it reports.
func (r *Rebuilder) each(ctx context.Context, op string, fn func(context.Context, int64) (string, error)) (Summary, error) {
	start := time.Now()
	ids, err := r.store.CarrierIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list carriers: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Carriers: len(ids)}
	)
	// Workers may still be running when ctx ends, so reads go through here.
	snapshot := func() Summary {
		mu.Lock()
		defer mu.Unlock()
		out := summary
		out.Drifted = slices.Clone(summary.Drifted)
		return out
	}
	q := queue.New(r.workers*2, r.workers, 0, r.log)
	q.Start(ctx)
	for _, id := range ids {
		err := q.Submit(ctx, queue.Job{
			ID: fmt.Sprintf("%s-carrier-%d", op, id),
			Work: func(ctx context.Context) error {
				result, err := fn(ctx, id)
				if err != nil {
					return err
				}
				metrics.RebuildCarriers.WithLabelValues(result).Inc()
				mu.Lock()
				defer mu.Unlock()
				switch result {
				case resultRebuilt:
					summary.Rebuilt++
				case resultDrifted:
					summary.Drifted = append(summary.Drifted, id)
				}
				return nil
			},
			OnFinish: func(err error) {
				if err == nil {
					return
				}
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				metrics.RebuildCarriers.WithLabelValues(resultFailed).Inc()
				r.log.Error("backfill: carrier failed", "op", op, "carrier_id", id, "error", err)
			},
		})
		if err != nil {
			q.Stop(context.Background())
			return snapshot(), fmt.Errorf("%s: submit carrier %d: %w", op, id, err)
		}
	}
	q.Stop(ctx)
	if err := ctx.Err(); err != nil {
		return snapshot(), err
	}
	out := snapshot()
	slices.Sort(out.Drifted)
	out.Duration = time.Since(start)

	stats := q.Stats()
	r.log.Info("backfill: done", "op", op, "carriers", out.Carriers, "rebuilt", out.Rebuilt,
		"failed", out.Failed, "drifted", len(out.Drifted), "duration", out.Duration,
		"workers", stats.WorkerCount, "jobs_processed", stats.Processed, "jobs_failed", stats.Failed)
	return out, nil
}

func (r *Rebuilder) matches(ctx context.Context, id int64) (bool, error) {
	stored, err := r.store.GetCarrier(ctx, id)
	if err != nil {
		return false, err
	}
	snap, _, err := r.engine.Compute(ctx, r.store, stored)
	if err != nil {
		return false, err
	}
	equipment, err := r.store.ListEquipment(ctx, id)
	if err != nil {
		return false, err
	}
	lanes, err := r.store.ListLanes(ctx, id)
	if err != nil {
		return false, err
	}
	if !reflect.DeepEqual(snap.Carrier, stored) {
		return false, nil
	}
	return sameEquipment(snap.Equipment, equipment) && sameLanes(snap.Lanes, lanes), nil
}

func sameEquipment(want, got []store.CarrierEquipment) bool {
	if len(want) != len(got) {
		return false
	}
	byType := make(map[string]store.CarrierEquipment, len(got))
	for _, e := range got {
		e.ID = 0
		byType[e.EquipmentType] = e
	}
	for _, e := range want {
		if byType[e.EquipmentType] != e {
			return false
		}
	}
	return true
}

func sameLanes(want, got []store.CarrierLane) bool {
	if len(want) != len(got) {
		return false
	}
	byLane := make(map[string]store.CarrierLane, len(got))
	for _, l := range got {
		l.ID = 0
		byLane[l.Lane] = l
	}
	for _, l := range want {
		if !reflect.DeepEqual(byLane[l.Lane], l) {
			return false
		}
	}
	return true
}
