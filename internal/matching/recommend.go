package matching

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"carrier_analytics/internal/store"
)

type RouteRecommendation struct {
	CarrierID       int64    `json:"carrier_id"`
	CarrierName     string   `json:"carrier_name"`
	CarrierMCNumber *string  `json:"carrier_mc_number"`
	Score           float64  `json:"score"`
	Calls           int      `json:"calls"`
	ConversionRate  float64  `json:"conversion_rate"`
	Reasons         []string `json:"reasons"`
}

type Route struct {
	Origin          string                `json:"origin"`
	Destination     string                `json:"destination"`
	Fallback        bool                  `json:"fallback"`
	Recommendations []RouteRecommendation `json:"recommendations"`
}

// Recommend ranks carriers by their history on origin to destination,
// falling back to carriers that touched either endpoint.
func (e *Engine) Recommend(ctx context.Context, origin, destination string) (Route, error) {
	origin, destination = strings.TrimSpace(origin), strings.TrimSpace(destination)
	if origin == "" || destination == "" {
		return Route{}, fmt.Errorf("%w: origin and destination are required", ErrInvalidRequest)
	}

	stats, err := e.store.RouteStats(ctx, origin, destination)
	if err != nil {
		return Route{}, fmt.Errorf("route stats: %w", err)
	}
	fallback := len(stats) == 0
	if fallback {
		stats, err = e.store.EndpointStats(ctx, origin, destination, RouteFallbackLimit)
		if err != nil {
			return Route{}, fmt.Errorf("endpoint stats: %w", err)
		}
	}

	out := make([]RouteRecommendation, 0, len(stats))
	for _, s := range stats {
		conversion := 0.0
		if s.Calls > 0 {
			conversion = float64(s.SuccessfulCalls) / float64(s.Calls)
		}
		out = append(out, RouteRecommendation{
			CarrierID:       s.CarrierID,
			CarrierName:     s.CarrierName,
			CarrierMCNumber: s.CarrierMCNumber,
			Score:           routeScore(s, conversion),
			Calls:           s.Calls,
			ConversionRate:  round(conversion*100, 2),
			Reasons:         routeReasons(s, conversion),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > MaxResults {
		out = out[:MaxResults]
	}
	return Route{Origin: origin, Destination: destination, Fallback: fallback, Recommendations: out}, nil
}

// routeScore weighs conversion (40), route experience (30) and
// negotiation efficiency (30).
func routeScore(s store.RouteStat, conversion float64) float64 {
	score := conversion * 40
	score += math.Min(float64(s.Calls)*2, 30)
	if s.AvgRounds != nil {
		score += math.Max(0, (5-*s.AvgRounds)*6)
	}
	return round(score, 1)
}

func routeReasons(s store.RouteStat, conversion float64) []string {
	reasons := []string{}
	if conversion > 0.7 {
		reasons = append(reasons, "High conversion rate")
	}
	if s.Calls > 5 {
		reasons = append(reasons, "Experienced on this route")
	}
	if s.AvgRounds != nil && *s.AvgRounds < 2.5 {
		reasons = append(reasons, "Quick to close deals")
	}
	if s.AvgFinalRate != nil && *s.AvgFinalRate < 2000 {
		reasons = append(reasons, "Competitive rates")
	}
	return reasons
}
