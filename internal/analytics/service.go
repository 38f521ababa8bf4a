// Package analytics computes read-side aggregates over raw call events.
// Nothing here writes to the store.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"carrier_analytics/internal/store"
)

var (
	ErrInvalidInterval = errors.New("interval must be one of hour, day, week")
	ErrInvalidWindow   = errors.New("start must not be after end")
)

const (
	IntervalHour = "hour"
	IntervalDay  = "day"
	IntervalWeek = "week"

	DefaultTrendWindow = 30 * 24 * time.Hour
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
	bookingWindowDays  = 30
	topLanesPerCarrier = 3
)

// Reader is the store surface analytics needs.
type Reader interface {
	Events(ctx context.Context, f store.EventFilter) iter.Seq2[store.CallEvent, error]
	RecentEvents(ctx context.Context, limit int) ([]store.CallEvent, error)
	ListCarriers(ctx context.Context) ([]store.Carrier, error)
}

// Window bounds a computation on call date, inclusive. Nil bounds are open.
type Window struct {
	From *time.Time
	To   *time.Time
}

func (w Window) validate() error {
	if w.From != nil && w.To != nil && w.From.After(*w.To) {
		return ErrInvalidWindow
	}
	return nil
}

type Service struct {
	store Reader
	clock clockwork.Clock
}

func NewService(r Reader, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: r, clock: clock}
}

func (s *Service) scan(ctx context.Context, w Window, fn func(store.CallEvent)) error {
	if err := w.validate(); err != nil {
		return err
	}
	for ev, err := range s.store.Events(ctx, store.EventFilter{From: w.From, To: w.To}) {
		if err != nil {
			return fmt.Errorf("scan events: %w", err)
		}
		fn(ev)
	}
	return nil
}

type Overview struct {
	TotalCalls            int            `json:"total_calls"`
	SuccessfulCalls       int            `json:"successful_calls"`
	SuccessRate           float64        `json:"success_rate"`
	AvgCallDuration       float64        `json:"avg_call_duration_seconds"`
	AvgLoadsPerCall       float64        `json:"avg_loads_per_call"`
	AvgNegotiationRounds  float64        `json:"avg_negotiation_rounds"`
	AvgRateVariancePct    float64        `json:"avg_rate_variance_pct"`
	SentimentDistribution map[string]int `json:"sentiment_distribution"`
}

// Overview summarizes every event in w. Means skip events without a value
// and are 0 when no event has one.
func (s *Service) Overview(ctx context.Context, w Window) (Overview, error) {
	out := Overview{SentimentDistribution: map[string]int{
		store.SentimentPositive: 0,
		store.SentimentNegative: 0,
		store.SentimentNeutral:  0,
		store.SentimentUnknown:  0,
	}}
	var duration, loads, rounds, variance avg
	err := s.scan(ctx, w, func(ev store.CallEvent) {
		out.TotalCalls++
		if ev.Successful() {
			out.SuccessfulCalls++
		}
		duration.addInt(ev.CallDurationSeconds)
		loads.addInt(ev.LoadsShown)
		rounds.addInt(ev.NegotiationRounds)
		variance.addFloat(ev.RateVariancePct)
		if _, ok := out.SentimentDistribution[ev.Sentiment]; ok {
			out.SentimentDistribution[ev.Sentiment]++
		}
	})
	if err != nil {
		return Overview{}, err
	}
	out.SuccessRate = percent(out.SuccessfulCalls, out.TotalCalls)
	out.AvgCallDuration = duration.value()
	out.AvgLoadsPerCall = loads.value()
	out.AvgNegotiationRounds = rounds.value()
	out.AvgRateVariancePct = variance.value()
	return out, nil
}

type TrendPoint struct {
	Bucket         time.Time `json:"bucket"`
	Calls          int       `json:"calls"`
	SuccessRate    float64   `json:"success_rate"`
	AvgSentiment   float64   `json:"avg_sentiment"`
	AvgRatePerMile float64   `json:"avg_rpm"`
}

type Trends struct {
	Interval string       `json:"interval"`
	Start    time.Time    `json:"start"`
	End      time.Time    `json:"end"`
	Points   []TrendPoint `json:"data"`
}

// Trends buckets events between start and end by interval. A nil end is
// now and a nil start is end minus 30 days. Empty buckets are omitted.
func (s *Service) Trends(ctx context.Context, start, end *time.Time, interval string) (Trends, error) {
	if interval == "" {
		interval = IntervalDay
	}
	trunc, ok := truncaters[interval]
	if !ok {
		return Trends{}, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	to := s.clock.Now().UTC()
	if end != nil {
		to = end.UTC()
	}
	from := to.Add(-DefaultTrendWindow)
	if start != nil {
		from = start.UTC()
	}

	type bucket struct {
		key       time.Time
		calls     int
		success   int
		sentiment avg
		rpm       avg
	}
	var buckets []*bucket
	index := map[time.Time]*bucket{}
	err := s.scan(ctx, Window{From: &from, To: &to}, func(ev store.CallEvent) {
		key := trunc(ev.CallDate.UTC())
		b, ok := index[key]
		if !ok {
			b = &bucket{key: key}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.calls++
		if ev.Successful() {
			b.success++
		}
		b.sentiment.add(sentimentScore(ev.Sentiment))
		b.rpm.addFloat(ev.RatePerMile)
	})
	if err != nil {
		return Trends{}, err
	}
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].key.Before(buckets[j].key) })

	out := Trends{Interval: interval, Start: from, End: to, Points: make([]TrendPoint, 0, len(buckets))}
	for _, b := range buckets {
		out.Points = append(out.Points, TrendPoint{
			Bucket:         b.key,
			Calls:          b.calls,
			SuccessRate:    percent(b.success, b.calls),
			AvgSentiment:   b.sentiment.value(),
			AvgRatePerMile: b.rpm.value(),
		})
	}
	return out, nil
}

var truncaters = map[string]func(time.Time) time.Time{
	IntervalHour: func(t time.Time) time.Time { return t.Truncate(time.Hour) },
	IntervalDay:  startOfDay,
	IntervalWeek: func(t time.Time) time.Time {
		d := startOfDay(t)
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	},
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RecentCalls returns the newest events. limit is clamped to [1, 100] and
// defaults to 10.
func (s *Service) RecentCalls(ctx context.Context, limit int) ([]store.CallEvent, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	events, err := s.store.RecentEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	if events == nil {
		events = []store.CallEvent{}
	}
	return events, nil
}
