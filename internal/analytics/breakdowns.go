package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"carrier_analytics/internal/store"
)

type LaneBreakdown struct {
	Lane           string   `json:"lane"`
	Calls          int      `json:"total_calls"`
	Successful     int      `json:"successful_calls"`
	SuccessRate    float64  `json:"success_rate"`
	AvgRatePerMile *float64 `json:"avg_rpm"`
	AvgPostedRate  *float64 `json:"avg_loadboard_rate"`
	AvgFinalRate   *float64 `json:"avg_final_rate"`
	AvgRounds      *float64 `json:"avg_negotiation_rounds"`
}

type EquipmentBreakdown struct {
	EquipmentType  string   `json:"equipment_type"`
	Calls          int      `json:"total_calls"`
	Successful     int      `json:"successful_calls"`
	SuccessRate    float64  `json:"success_rate"`
	AvgRatePerMile *float64 `json:"avg_rpm"`
	AvgFinalRate   *float64 `json:"avg_final_rate"`
	AvgRounds      *float64 `json:"avg_negotiation_rounds"`
}

type CarrierBreakdown struct {
	CarrierID        int64      `json:"carrier_id"`
	CarrierName      string     `json:"carrier_name"`
	MCNumber         *string    `json:"mc_number"`
	Calls            int        `json:"total_calls"`
	Successful       int        `json:"successful_calls"`
	SuccessRate      float64    `json:"success_rate"`
	AvgRatePerMile   *float64   `json:"avg_rpm"`
	AvgFinalRate     *float64   `json:"avg_final_rate"`
	AvgRounds        *float64   `json:"avg_negotiation_rounds"`
	AvgLoadsPerCall  *float64   `json:"avg_loads_per_call"`
	AvgCallDuration  *float64   `json:"avg_call_duration_seconds"`
	TopLanes         []string   `json:"preferred_lanes"`
	LastCallDate     *time.Time `json:"last_call_date"`
	BookingFrequency float64    `json:"booking_frequency"`
}

// grouped keeps first-seen order so equal volumes sort stably.
type grouped[K comparable, V any] struct {
	order []K
	items map[K]*V
}

func newGrouped[K comparable, V any]() *grouped[K, V] {
	return &grouped[K, V]{items: map[K]*V{}}
}

func (g *grouped[K, V]) get(k K) *V {
	v, ok := g.items[k]
	if !ok {
		v = new(V)
		g.items[k] = v
		g.order = append(g.order, k)
	}
	return v
}

func (s *Service) ByLane(ctx context.Context, w Window) ([]LaneBreakdown, error) {
	lanes := newGrouped[string, group]()
	if err := s.scan(ctx, w, func(ev store.CallEvent) { lanes.get(ev.Lane).add(ev) }); err != nil {
		return nil, err
	}
	out := make([]LaneBreakdown, 0, len(lanes.order))
	for _, lane := range lanes.order {
		g := lanes.items[lane]
		out = append(out, LaneBreakdown{
			Lane:           lane,
			Calls:          g.calls,
			Successful:     g.success,
			SuccessRate:    g.successRate(),
			AvgRatePerMile: g.rpm.ptr(),
			AvgPostedRate:  g.posted.ptr(),
			AvgFinalRate:   g.final.ptr(),
			AvgRounds:      g.rounds.ptr(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Calls > out[j].Calls })
	return out, nil
}

func (s *Service) ByEquipment(ctx context.Context, w Window) ([]EquipmentBreakdown, error) {
	equipment := newGrouped[string, group]()
	if err := s.scan(ctx, w, func(ev store.CallEvent) { equipment.get(ev.EquipmentType).add(ev) }); err != nil {
		return nil, err
	}
	out := make([]EquipmentBreakdown, 0, len(equipment.order))
	for _, eq := range equipment.order {
		g := equipment.items[eq]
		out = append(out, EquipmentBreakdown{
			EquipmentType:  eq,
			Calls:          g.calls,
			Successful:     g.success,
			SuccessRate:    g.successRate(),
			AvgRatePerMile: g.rpm.ptr(),
			AvgFinalRate:   g.final.ptr(),
			AvgRounds:      g.rounds.ptr(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Calls > out[j].Calls })
	return out, nil
}

type carrierGroup struct {
	group
	lanes  *grouped[string, int]
	last   time.Time
	recent int
}

// ByCarrier groups events by resolved carrier. Booking frequency is the
// carrier's calls per day over the 30 days ending now, regardless of w.
func (s *Service) ByCarrier(ctx context.Context, w Window) ([]CarrierBreakdown, error) {
	carriers, err := s.store.ListCarriers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list carriers: %w", err)
	}
	known := make(map[int64]store.Carrier, len(carriers))
	for _, c := range carriers {
		known[c.ID] = c
	}

	since := s.clock.Now().UTC().AddDate(0, 0, -bookingWindowDays)
	byID := newGrouped[int64, carrierGroup]()
	err = s.scan(ctx, w, func(ev store.CallEvent) {
		g := byID.get(ev.CarrierID)
		if g.lanes == nil {
			g.lanes = newGrouped[string, int]()
		}
		g.add(ev)
		*g.lanes.get(ev.Lane)++
		if ev.CallDate.After(g.last) {
			g.last = ev.CallDate
		}
		if !ev.CallDate.Before(since) {
			g.recent++
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]CarrierBreakdown, 0, len(byID.order))
	for _, id := range byID.order {
		g := byID.items[id]
		c, ok := known[id]
		if !ok {
			c.Name = fmt.Sprintf("carrier %d", id)
		}
		last := g.last
		out = append(out, CarrierBreakdown{
			CarrierID:        id,
			CarrierName:      c.Name,
			MCNumber:         c.MCNumber,
			Calls:            g.calls,
			Successful:       g.success,
			SuccessRate:      g.successRate(),
			AvgRatePerMile:   g.rpm.ptr(),
			AvgFinalRate:     g.final.ptr(),
			AvgRounds:        g.rounds.ptr(),
			AvgLoadsPerCall:  g.loads.ptr(),
			AvgCallDuration:  g.duration.ptr(),
			TopLanes:         topLanes(g.lanes, topLanesPerCarrier),
			LastCallDate:     &last,
			BookingFrequency: round2(float64(g.recent) / bookingWindowDays),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Calls > out[j].Calls })
	return out, nil
}

func topLanes(lanes *grouped[string, int], n int) []string {
	ordered := append([]string(nil), lanes.order...)
	sort.SliceStable(ordered, func(i, j int) bool { return *lanes.items[ordered[i]] > *lanes.items[ordered[j]] })
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

type VarianceBucket struct {
	Range string  `json:"range"`
	Count int     `json:"count"`
	Share float64 `json:"percentage"`
}

// varianceEdges hold the exclusive upper bound of every bucket but the last.
var varianceEdges = []struct {
	label string
	upper float64
}{
	{"< -10%", -10},
	{"-10% to -5%", -5},
	{"-5% to 0%", 0},
	{"0% to 5%", 5},
	{"5% to 10%", 10},
}

const varianceTopLabel = ">= 10%"

// RateVarianceDistribution counts events with a known variance into six
// fixed buckets. All buckets are returned, empty ones with zero counts.
func (s *Service) RateVarianceDistribution(ctx context.Context, w Window) ([]VarianceBucket, error) {
	counts := make([]int, len(varianceEdges)+1)
	total := 0
	err := s.scan(ctx, w, func(ev store.CallEvent) {
		if ev.RateVariancePct == nil {
			return
		}
		total++
		v := *ev.RateVariancePct
		for i, edge := range varianceEdges {
			if v < edge.upper {
				counts[i]++
				return
			}
		}
		counts[len(varianceEdges)]++
	})
	if err != nil {
		return nil, err
	}
	out := make([]VarianceBucket, 0, len(counts))
	for i, c := range counts {
		label := varianceTopLabel
		if i < len(varianceEdges) {
			label = varianceEdges[i].label
		}
		out = append(out, VarianceBucket{Range: label, Count: c, Share: percent(c, total)})
	}
	return out, nil
}

type FunnelStage struct {
	Stage      string  `json:"stage"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

const (
	StageCalls      = "Calls"
	StageLoadsShown = "Loads Shown"
	StageNegotiated = "Negotiated"
	StageRateAgreed = "Rate Agreed"
	StageBooked     = "Booked"
)

// ConversionFunnel tallies how far each call progressed. Percentages are
// relative to the total number of calls.
func (s *Service) ConversionFunnel(ctx context.Context, w Window) ([]FunnelStage, error) {
	var calls, shown, negotiated, agreed, booked int
	err := s.scan(ctx, w, func(ev store.CallEvent) {
		calls++
		if ev.LoadsShown != nil && *ev.LoadsShown > 0 {
			shown++
		}
		if ev.NegotiationRounds != nil && *ev.NegotiationRounds > 0 {
			negotiated++
		}
		if ev.FinalRate != nil {
			agreed++
		}
		if ev.Successful() {
			booked++
		}
	})
	if err != nil {
		return nil, err
	}
	stage := func(name string, n int) FunnelStage {
		return FunnelStage{Stage: name, Count: n, Percentage: percent(n, calls)}
	}
	return []FunnelStage{
		stage(StageCalls, calls),
		stage(StageLoadsShown, shown),
		stage(StageNegotiated, negotiated),
		stage(StageRateAgreed, agreed),
		stage(StageBooked, booked),
	}, nil
}
