// Package matching ranks carriers for a load or a route from their rollups
// and raw event history. It never writes.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"carrier_analytics/internal/store"
)

var ErrInvalidRequest = errors.New("invalid matching request")

const (
	MaxResults           = 5
	FallbackCandidates   = 10
	RouteFallbackLimit   = 5
	ReferenceRatePerMile = 2.0

	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// Reader is the store surface the engine reads from.
type Reader interface {
	CarriersWithLaneEquipment(ctx context.Context, lane, equipmentType string) ([]store.Carrier, error)
	CarriersByEquipment(ctx context.Context, equipmentType string, limit int) ([]store.Carrier, error)
	RouteStats(ctx context.Context, origin, destination string) ([]store.RouteStat, error)
	EndpointStats(ctx context.Context, origin, destination string, limit int) ([]store.RouteStat, error)
}

type Engine struct {
	store Reader
	clock clockwork.Clock
	log   *slog.Logger
}

func NewEngine(r Reader, clock clockwork.Clock, log *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: r, clock: clock, log: log}
}

// LoadRequest describes a load to be covered.
type LoadRequest struct {
	Lane          string   `json:"lane"`
	EquipmentType string   `json:"equipment_type"`
	Miles         float64  `json:"miles"`
	CommodityType string   `json:"commodity_type,omitempty"`
	Weight        *float64 `json:"weight,omitempty"`
	TargetRate    *float64 `json:"target_rate,omitempty"`
}

func (r LoadRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Lane) == "" {
		problems = append(problems, "lane is required")
	}
	if strings.TrimSpace(r.EquipmentType) == "" {
		problems = append(problems, "equipment_type is required")
	}
	if r.Miles < 0 || math.IsNaN(r.Miles) || math.IsInf(r.Miles, 0) {
		problems = append(problems, "miles must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

type Match struct {
	CarrierID       int64    `json:"carrier_id"`
	CarrierName     string   `json:"carrier_name"`
	MatchScore      float64  `json:"match_score"`
	Confidence      string   `json:"confidence"`
	ExpectedRateMin float64  `json:"expected_rate_min"`
	ExpectedRateMax float64  `json:"expected_rate_max"`
	Reasons         []string `json:"reasons"`
}

type Matches struct {
	Lane            string  `json:"lane"`
	EquipmentType   string  `json:"equipment_type"`
	Fallback        bool    `json:"fallback"`
	Recommendations []Match `json:"recommendations"`
}

// FindCarriers scores carriers with history on the exact lane and
// equipment. Without such history it falls back to the busiest carriers
// for the equipment type alone. An empty result is not an error.
func (e *Engine) FindCarriers(ctx context.Context, req LoadRequest) (Matches, error) {
	req.Lane = strings.TrimSpace(req.Lane)
	req.EquipmentType = strings.TrimSpace(req.EquipmentType)
	if err := req.validate(); err != nil {
		return Matches{}, err
	}

	candidates, err := e.store.CarriersWithLaneEquipment(ctx, req.Lane, req.EquipmentType)
	if err != nil {
		return Matches{}, fmt.Errorf("lane candidates: %w", err)
	}
	fallback := len(candidates) == 0
	if fallback {
		candidates, err = e.store.CarriersByEquipment(ctx, req.EquipmentType, FallbackCandidates)
		if err != nil {
			return Matches{}, fmt.Errorf("equipment candidates: %w", err)
		}
		e.log.Debug("matching: no lane history, using equipment fallback",
			"lane", req.Lane, "equipment_type", req.EquipmentType, "candidates", len(candidates))
	}

	now := e.clock.Now()
	low := round(req.Miles*ReferenceRatePerMile*0.9, 2)
	high := round(req.Miles*ReferenceRatePerMile*1.1, 2)
	out := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := loadScore(c, now)
		out = append(out, Match{
			CarrierID:       c.ID,
			CarrierName:     c.Name,
			MatchScore:      score,
			Confidence:      confidence(score),
			ExpectedRateMin: low,
			ExpectedRateMax: high,
			Reasons:         loadReasons(c, now, !fallback),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchScore > out[j].MatchScore })
	if len(out) > MaxResults {
		out = out[:MaxResults]
	}
	return Matches{Lane: req.Lane, EquipmentType: req.EquipmentType, Fallback: fallback, Recommendations: out}, nil
}

// loadScore is out of 100: success rate, equipment, rate competitiveness,
// recency, a flat sentiment placeholder and negotiation efficiency.
func loadScore(c store.Carrier, now time.Time) float64 {
	score := 0.30 * c.SuccessRate
	score += 20
	if c.AvgRatePerMile != nil {
		score += math.Max(0, 20-math.Abs(*c.AvgRatePerMile-ReferenceRatePerMile)*5)
	}
	if within(c.LastCallDate, now, 7*24*time.Hour) {
		score += 15
	} else {
		score += 5
	}
	score += 10
	if c.AvgNegotiationRounds != nil {
		score += math.Max(0, (5-*c.AvgNegotiationRounds)*2)
	}
	return round(math.Min(100, math.Max(0, score)), 1)
}

const competitiveRateBand = 0.25

func loadReasons(c store.Carrier, now time.Time, laneHistory bool) []string {
	reasons := []string{}
	if c.SuccessRate > 70 {
		reasons = append(reasons, fmt.Sprintf("High success rate (%.0f%%)", c.SuccessRate))
	}
	if c.AvgNegotiationRounds != nil && *c.AvgNegotiationRounds < 2.5 {
		reasons = append(reasons, "Quick to agree on rate")
	}
	if within(c.LastCallDate, now, 3*24*time.Hour) {
		reasons = append(reasons, "Recently active")
	}
	if laneHistory {
		reasons = append(reasons, "Has run this lane")
	}
	if c.AvgRatePerMile != nil && math.Abs(*c.AvgRatePerMile-ReferenceRatePerMile) <= competitiveRateBand {
		reasons = append(reasons, "Competitive rate per mile")
	}
	return reasons
}

func confidence(score float64) string {
	switch {
	case score > 70:
		return ConfidenceHigh
	case score > 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func within(t *time.Time, now time.Time, d time.Duration) bool {
	return t != nil && now.Sub(*t) <= d
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
